// Package store persists research runs as plain files. The per-run
// directory layout is the system's durable contract: an external tool can
// reconstruct the full stage sequence from it without this package.
//
//	<root>/<run_id>/
//	  request.json                input parameters and config snapshot
//	  metadata.json               run summary, written by Finalize
//	  output.md                   final report
//	  events.jsonl                progress event journal, append-ordered
//	  prompts/NNN-role.txt        stage input prompts
//	  raw_responses/NNN-role.json stage outputs or failure payloads
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dejisec/lode/internal/domain"
)

const (
	requestFile  = "request.json"
	metadataFile = "metadata.json"
	outputFile   = "output.md"
	journalFile  = "events.jsonl"

	promptsDir      = "prompts"
	rawResponsesDir = "raw_responses"
)

// ErrFinalizeConflict is returned when Finalize is called a second time
// with a status different from the first call.
var ErrFinalizeConflict = errors.New("run already finalized with a different status")

// ErrSealed is returned for stage writes after the run was sealed.
var ErrSealed = errors.New("run is sealed")

// Store owns the runs root directory.
type Store struct {
	root string
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the runs root directory.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory that holds one run's artifacts.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// JournalPath returns the path of a run's event journal.
func (s *Store) JournalPath(runID string) string {
	return filepath.Join(s.root, runID, journalFile)
}

// ReportPath returns the path of a run's final report.
func (s *Store) ReportPath(runID string) string {
	return filepath.Join(s.root, runID, outputFile)
}

// RunRequest is the persisted shape of request.json.
type RunRequest struct {
	RunID     string           `json:"run_id"`
	Query     string           `json:"query"`
	Config    domain.RunConfig `json:"config"`
	StartedAt time.Time        `json:"started_at"`
}

// RunHandle is the write handle for one run. Stage writes are serialized;
// sequence numbers are reserved in calling order and never reused.
type RunHandle struct {
	store *Store
	runID string
	dir   string

	mu          sync.Mutex
	seq         int
	stages      int
	sealed      bool
	finalized   bool
	finalStatus domain.RunStatus
	journal     *os.File
}

// BeginRun creates the run directory tree, durably writes request.json, and
// opens the event journal.
func (s *Store) BeginRun(run *domain.Run) (*RunHandle, error) {
	dir := s.RunDir(run.RunID)
	for _, d := range []string{dir, filepath.Join(dir, promptsDir), filepath.Join(dir, rawResponsesDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
	}

	req := RunRequest{
		RunID:     run.RunID,
		Query:     run.Query,
		Config:    run.Config,
		StartedAt: run.StartedAt,
	}
	if err := writeJSONAtomic(filepath.Join(dir, requestFile), req); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	journal, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &RunHandle{store: s, runID: run.RunID, dir: dir, journal: journal}, nil
}

// RunID returns the run identifier.
func (h *RunHandle) RunID() string { return h.runID }

// Dir returns the run directory.
func (h *RunHandle) Dir() string { return h.dir }

// StageCount returns the number of stage records written so far.
func (h *RunHandle) StageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stages
}

// ReserveSeq reserves the next sequence number. Parallel dispatch reserves
// its slots synchronously before fanning out so artifact names follow
// dispatch order even when completion order differs.
func (h *RunHandle) ReserveSeq() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return h.seq
}

// RecordStage reserves the next sequence number and records the stage.
func (h *RunHandle) RecordStage(rec *domain.StageRecord) (int, error) {
	rec.Seq = h.ReserveSeq()
	if err := h.RecordReserved(rec); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

// RecordReserved records a stage into a previously reserved slot. The
// prompt and the response file land together or not at all: on a partial
// failure the already-renamed half is removed before the error returns.
func (h *RunHandle) RecordReserved(rec *domain.StageRecord) error {
	if rec.Seq <= 0 {
		return fmt.Errorf("stage seq %d was never reserved", rec.Seq)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return ErrSealed
	}

	promptPath := filepath.Join(h.dir, promptsDir, stageFileName(rec.Seq, rec.Role, "txt"))
	responsePath := filepath.Join(h.dir, rawResponsesDir, stageFileName(rec.Seq, rec.Role, "json"))

	if err := writeFileAtomic(promptPath, []byte(rec.Input)); err != nil {
		return fmt.Errorf("failed to write stage input: %w", err)
	}
	if err := writeJSONAtomic(responsePath, rec); err != nil {
		os.Remove(promptPath)
		return fmt.Errorf("failed to write stage output: %w", err)
	}

	h.stages++
	return nil
}

// AppendEvent appends one event line to the run journal and syncs it.
// Progress events go through here before they are offered to any consumer.
func (h *RunHandle) AppendEvent(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.journal == nil {
		return fmt.Errorf("journal is closed")
	}
	if _, err := h.journal.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := h.journal.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// WriteReport durably writes the final report and returns its path.
func (h *RunHandle) WriteReport(markdown string) (string, error) {
	path := filepath.Join(h.dir, outputFile)
	if err := writeFileAtomic(path, []byte(markdown)); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

// Seal refuses all subsequent stage writes. Used on cancellation so results
// from abandoned in-flight calls are never persisted.
func (h *RunHandle) Seal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sealed = true
}

// Finalize writes metadata.json and closes the journal. It is idempotent
// for the same status; a different status after finalization returns
// ErrFinalizeConflict.
func (h *RunHandle) Finalize(status domain.RunStatus, meta *domain.RunMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.finalized {
		if h.finalStatus != status {
			return fmt.Errorf("%w: %s then %s", ErrFinalizeConflict, h.finalStatus, status)
		}
		return nil
	}

	if err := writeJSONAtomic(filepath.Join(h.dir, metadataFile), meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	h.finalized = true
	h.finalStatus = status
	h.closeJournalLocked()
	return nil
}

// Close releases the journal handle on abnormal exit paths. Finalize
// already closes it on normal paths.
func (h *RunHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeJournalLocked()
	return nil
}

func (h *RunHandle) closeJournalLocked() {
	if h.journal != nil {
		h.journal.Close()
		h.journal = nil
	}
}

// ReadRequest loads request.json for a run.
func (s *Store) ReadRequest(runID string) (*RunRequest, error) {
	var req RunRequest
	if err := readJSON(filepath.Join(s.RunDir(runID), requestFile), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ReadMetadata loads metadata.json for a run. Missing metadata means the
// run never finalized.
func (s *Store) ReadMetadata(runID string) (*domain.RunMetadata, error) {
	var meta domain.RunMetadata
	if err := readJSON(filepath.Join(s.RunDir(runID), metadataFile), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ReadStages reconstructs the stage sequence from the raw response files,
// rehydrating each record's input from the matching prompt file.
func (s *Store) ReadStages(runID string) ([]domain.StageRecord, error) {
	dir := s.RunDir(runID)
	entries, err := os.ReadDir(filepath.Join(dir, rawResponsesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read stage records: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	stages := make([]domain.StageRecord, 0, len(names))
	for _, name := range names {
		var rec domain.StageRecord
		if err := readJSON(filepath.Join(dir, rawResponsesDir, name), &rec); err != nil {
			return nil, err
		}
		promptName := strings.TrimSuffix(name, ".json") + ".txt"
		if input, err := os.ReadFile(filepath.Join(dir, promptsDir, promptName)); err == nil {
			rec.Input = string(input)
		}
		stages = append(stages, rec)
	}
	return stages, nil
}

// ReadEvents returns the journal lines for a run in append order.
func (s *Store) ReadEvents(runID string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(s.JournalPath(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var events []json.RawMessage
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, json.RawMessage(line))
	}
	return events, nil
}

// ReadReport returns the final report content.
func (s *Store) ReadReport(runID string) (string, error) {
	data, err := os.ReadFile(s.ReportPath(runID))
	if err != nil {
		return "", fmt.Errorf("failed to read report: %w", err)
	}
	return string(data), nil
}

func stageFileName(seq int, role domain.StageRole, ext string) string {
	return fmt.Sprintf("%03d-%s.%s", seq, role, ext)
}

// writeFileAtomic writes data via a temp file in the target directory and
// renames it into place after syncing.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
