package serve

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/dejisec/lode/internal/protocol"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

// StreamRun streams a run's journal over WebSocket: every recorded line is
// replayed in append order, then the journal is followed until its terminal
// event. Slow clients are dropped by the write deadline.
// GET /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	runID := c.Param("run_id")
	path := h.store.JournalPath(runID)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("failed to upgrade stream", "run_id", runID, "error", err)
		return err
	}
	defer ws.Close()

	pulses, cancel, err := h.watch.watch(path)
	if err != nil {
		h.log.Warn("failed to watch journal", "run_id", runID, "error", err)
		return nil
	}
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		h.log.Warn("failed to open journal", "run_id", runID, "error", err)
		return nil
	}
	defer f.Close()

	// The client sends nothing meaningful; reading surfaces disconnects and
	// keeps pong handling alive.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	reader := bufio.NewReader(f)
	var pending []byte
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		terminal, err := forwardNewLines(ws, reader, &pending)
		if err != nil {
			return nil
		}
		if terminal {
			deadline := time.Now().Add(streamWriteWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return nil
		}

		select {
		case <-pulses:
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-clientGone:
			return nil
		}
	}
}

// forwardNewLines sends every complete journal line the reader can see and
// reports whether a terminal event went out. A trailing partial line is kept
// in pending until the rest of it lands.
func forwardNewLines(ws *websocket.Conn, reader *bufio.Reader, pending *[]byte) (bool, error) {
	for {
		chunk, err := reader.ReadBytes('\n')
		if err == io.EOF {
			*pending = append(*pending, chunk...)
			return false, nil
		}
		if err != nil {
			return false, err
		}

		line := append(*pending, chunk[:len(chunk)-1]...)
		*pending = nil
		if len(line) == 0 {
			continue
		}

		_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := ws.WriteMessage(websocket.TextMessage, line); err != nil {
			return false, err
		}
		if isTerminalEvent(line) {
			return true, nil
		}
	}
}

func isTerminalEvent(line []byte) bool {
	base, err := protocol.ParseBase(line)
	if err != nil {
		return false
	}
	switch base.Type {
	case protocol.TypeRunCompleted, protocol.TypeRunFailed, protocol.TypeRunCancelled:
		return true
	}
	return false
}

// watchHub shares one fsnotify watcher per journal across stream
// subscribers and fans change pulses out to them. Pulses coalesce; one pulse
// may cover many appended lines.
type watchHub struct {
	log *slog.Logger

	mu      sync.Mutex
	entries map[string]*watchEntry
}

type watchEntry struct {
	watcher *fsnotify.Watcher
	subs    map[chan struct{}]struct{}
}

func newWatchHub(log *slog.Logger) *watchHub {
	return &watchHub{log: log, entries: make(map[string]*watchEntry)}
}

// watch joins (or starts) the watcher for path. The returned cancel func
// releases the subscription; the last leaver closes the watcher.
func (h *watchHub) watch(path string) (<-chan struct{}, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[path]
	if !ok {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, nil, err
		}
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, nil, err
		}
		entry = &watchEntry{watcher: watcher, subs: make(map[chan struct{}]struct{})}
		h.entries[path] = entry
		go h.pump(entry)
	}

	ch := make(chan struct{}, 1)
	entry.subs[ch] = struct{}{}
	return ch, func() { h.leave(path, ch) }, nil
}

func (h *watchHub) pump(entry *watchEntry) {
	for {
		select {
		case _, ok := <-entry.watcher.Events:
			if !ok {
				return
			}
			h.mu.Lock()
			for ch := range entry.subs {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			h.mu.Unlock()
		case err, ok := <-entry.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("journal watch error", "error", err)
		}
	}
}

func (h *watchHub) leave(path string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.entries[path]
	if !ok {
		return
	}
	if _, ok := entry.subs[ch]; !ok {
		return
	}
	delete(entry.subs, ch)
	if len(entry.subs) == 0 {
		entry.watcher.Close()
		delete(h.entries, path)
	}
}
