// The lode-engine binary executes one research run. It reads a single
// request line from stdin, streams progress events as NDJSON on stdout, and
// exits with a code that mirrors the terminal event. It is normally spawned
// by the lode CLI rather than run by hand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dejisec/lode/internal/config"
	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/engine"
	"github.com/dejisec/lode/internal/gateway"
	"github.com/dejisec/lode/internal/index"
	"github.com/dejisec/lode/internal/logging"
	"github.com/dejisec/lode/internal/policy"
	"github.com/dejisec/lode/internal/protocol"
	"github.com/dejisec/lode/internal/store"
)

const (
	exitFailed    = 1
	exitCancelled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	log := logging.New(os.Stderr, cfg.LogLevel)

	enc := protocol.NewEncoder(os.Stdout)
	dec := protocol.NewDecoder(os.Stdin)

	req, err := readRequest(dec)
	if err != nil {
		log.Error("refusing request", "error", err)
		fail(enc, domain.ErrKindInvalidRequest, err)
		return exitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	answers := make(chan []string, 1)
	interrupts := make(chan string, 4)
	go muxStdin(dec, answers, interrupts, log)

	st := store.New(cfg.RunsDir)

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithAnswers(answers),
		engine.WithInterrupts(interrupts),
	}
	// The catalog is derived state; a broken index degrades to no indexing
	// rather than failing the run.
	idx, err := index.New(cfg.DBPath)
	if err != nil {
		log.Warn("run catalog unavailable", "path", cfg.DBPath, "error", err)
	} else {
		defer idx.Close()
		opts = append(opts, engine.WithCatalog(idx))
	}

	pol, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		log.Error("could not load decision policy", "error", err)
		fail(enc, domain.ErrKindInvalidRequest, fmt.Errorf("cannot honor request: %w", err))
		return exitFailed
	}

	gw := gateway.New(cfg.Mode, gateway.ClientConfig{
		BaseURL:       cfg.APIBase,
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		InvokeTimeout: cfg.InvokeTimeout,
		RetryMax:      cfg.RetryMax,
		RetryBase:     cfg.RetryBase,
	})

	sink := engine.NewPipeSink(enc)
	eng := engine.New(st, gw, pol, sink, opts...)

	status, err := eng.Run(ctx, req.Query, effectiveConfig(req.Config, cfg))
	if err != nil {
		log.Error("run ended with error", "status", status, "error", err)
	}
	if cerr := sink.Close(); cerr != nil {
		log.Warn("event sink close", "error", cerr)
	}

	switch status {
	case domain.RunStatusSucceeded:
		return 0
	case domain.RunStatusCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

// readRequest reads and validates the request line. Nothing is persisted
// until the request is accepted, so a refusal leaves no run directory.
func readRequest(dec *protocol.Decoder) (*protocol.RequestMessage, error) {
	line, err := dec.Next()
	if err == io.EOF {
		return nil, fmt.Errorf("no request on stdin")
	}
	if err != nil {
		return nil, err
	}
	base, err := protocol.ParseBase(line)
	if err != nil {
		return nil, err
	}
	if base.Type != protocol.TypeRequest {
		return nil, fmt.Errorf("expected a %s message first, got %s", protocol.TypeRequest, base.Type)
	}
	var req protocol.RequestMessage
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.Version != protocol.Version {
		return nil, fmt.Errorf("unsupported protocol version %q, this engine speaks %s", req.Version, protocol.Version)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("request query is empty")
	}
	return &req, nil
}

// effectiveConfig layers the request over environment defaults. Flag values
// travel in the request; anything unset falls back to LODE_* settings, and
// Normalize fills what remains.
func effectiveConfig(req domain.RunConfig, cfg *config.Config) domain.RunConfig {
	if req.Model == "" {
		req.Model = cfg.Model
	}
	if req.SearchCount == 0 {
		req.SearchCount = cfg.SearchCount
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = cfg.MaxIterations
	}
	if req.Parallelism == 0 {
		req.Parallelism = cfg.Parallelism
	}
	return req
}

// muxStdin routes post-request stdin lines to the engine. EOF ends the
// routing but not the run; the engine finishes on its own.
func muxStdin(dec *protocol.Decoder, answers chan<- []string, interrupts chan<- string, log *slog.Logger) {
	for {
		line, err := dec.Next()
		if err != nil {
			return
		}
		base, err := protocol.ParseBase(line)
		if err != nil {
			log.Warn("skipping unreadable stdin line", "error", err)
			continue
		}
		switch base.Type {
		case protocol.TypeAnswers:
			var msg protocol.AnswersMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				log.Warn("skipping malformed answers message", "error", err)
				continue
			}
			select {
			case answers <- msg.Answers:
			default:
				log.Warn("dropping answers, no stage is waiting for them")
			}
		case protocol.TypeInterrupt:
			var msg protocol.InterruptMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				log.Warn("skipping malformed interrupt message", "error", err)
				continue
			}
			select {
			case interrupts <- msg.Command:
			default:
				log.Warn("dropping interrupt, queue is full", "command", msg.Command)
			}
		default:
			log.Warn("skipping unexpected stdin message", "type", base.Type)
		}
	}
}

func fail(enc *protocol.Encoder, kind domain.ErrorKind, err error) {
	_ = enc.Encode(&protocol.RunFailedMessage{
		BaseMessage: protocol.BaseMessage{
			Type:    protocol.TypeRunFailed,
			Ts:      time.Now().UnixMilli(),
			EventID: domain.NewEventID(),
		},
		ErrorKind: kind,
		Message:   err.Error(),
	})
}
