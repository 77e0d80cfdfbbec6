package controller

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/protocol"
)

// ErrNoTerminalEvent reports an engine stream that ended without a
// run_completed, run_failed, or run_cancelled event.
var ErrNoTerminalEvent = errors.New("engine exited before a terminal event")

// AnswerFunc supplies answers to the clarifying questions. It may return
// fewer answers than questions; missing answers count as skipped.
type AnswerFunc func(questions []domain.ClarifyingQuestion) ([]string, error)

// Outcome is the terminal result of one run as reported by the engine.
type Outcome struct {
	RunID     string
	Status    domain.RunStatus
	Degraded  bool
	ReportRef string
	ErrorKind domain.ErrorKind
	Message   string
}

// ExitCode maps the outcome to the process exit code: 0 for a completed run
// (degraded included), 130 for cancelled, 1 otherwise.
func (o *Outcome) ExitCode() int {
	switch o.Status {
	case domain.RunStatusSucceeded:
		return 0
	case domain.RunStatusCancelled:
		return 130
	default:
		return 1
	}
}

// Session drives one run over the engine's stdio protocol: it sends the
// request line, renders events as they arrive, relays clarifying answers,
// and fires the optional wall-clock budget. Cancellation is not the
// session's job; it reaches the stream as a run_cancelled event or EOF when
// the process owner signals the engine.
type Session struct {
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	render *Renderer
	answer AnswerFunc
	budget time.Duration
	log    *slog.Logger

	mu    sync.Mutex
	runID string
}

// NewSession creates a session speaking to an engine over engineIn (the
// engine's stdin) and engineOut (its stdout). A zero budget disables the
// force_write timer; a nil answer replies with blank answers.
func NewSession(engineIn io.Writer, engineOut io.Reader, render *Renderer, answer AnswerFunc, budget time.Duration, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		enc:    protocol.NewEncoder(engineIn),
		dec:    protocol.NewDecoder(engineOut),
		render: render,
		answer: answer,
		budget: budget,
		log:    log,
	}
}

// RunID returns the engine-assigned run identifier, or "" before run_started.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *Session) setRunID(id string) {
	s.mu.Lock()
	s.runID = id
	s.mu.Unlock()
}

// Run sends the request and consumes events until a terminal one arrives.
func (s *Session) Run(query string, cfg domain.RunConfig) (*Outcome, error) {
	req := protocol.RequestMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeRequest, Ts: time.Now().UnixMilli()},
		Version:     protocol.Version,
		Query:       query,
		Config:      cfg,
	}
	if err := s.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if s.budget > 0 {
		timer := time.AfterFunc(s.budget, s.fireBudget)
		defer timer.Stop()
	}

	for {
		line, err := s.dec.Next()
		if err == io.EOF {
			return nil, ErrNoTerminalEvent
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read engine event: %w", err)
		}
		outcome, err := s.handle(line)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
	}
}

// handle renders one event line and returns a non-nil outcome when the
// event is terminal.
func (s *Session) handle(line []byte) (*Outcome, error) {
	base, err := protocol.ParseBase(line)
	if err != nil {
		return nil, fmt.Errorf("failed to parse engine event: %w", err)
	}

	switch base.Type {
	case protocol.TypeRunStarted:
		var msg protocol.RunStartedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.setRunID(msg.RunID)
		s.render.RunStarted(&msg)

	case protocol.TypeStageStarted:
		var msg protocol.StageStartedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.StageStarted(&msg)

	case protocol.TypeStageCompleted:
		var msg protocol.StageCompletedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.StageCompleted(&msg)

	case protocol.TypeStageFailed:
		var msg protocol.StageFailedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.StageFailed(&msg)

	case protocol.TypeClarifyingQuestions:
		var msg protocol.ClarifyingQuestionsMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.Questions(&msg)
		if err := s.sendAnswers(msg.Questions); err != nil {
			return nil, err
		}

	case protocol.TypeDecision:
		var msg protocol.DecisionMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.Decision(&msg)

	case protocol.TypeMetadata:
		var msg protocol.MetadataMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.Metadata(&msg)

	case protocol.TypeRunCompleted:
		var msg protocol.RunCompletedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.RunCompleted(&msg)
		return &Outcome{
			RunID:     msg.RunID,
			Status:    domain.RunStatusSucceeded,
			Degraded:  msg.Degraded,
			ReportRef: msg.ReportRef,
		}, nil

	case protocol.TypeRunFailed:
		var msg protocol.RunFailedMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.RunFailed(&msg)
		return &Outcome{
			RunID:     msg.RunID,
			Status:    domain.RunStatusFailed,
			ErrorKind: msg.ErrorKind,
			Message:   msg.Message,
		}, nil

	case protocol.TypeRunCancelled:
		var msg protocol.RunCancelledMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, decodeError(base.Type, err)
		}
		s.render.RunCancelled(&msg)
		return &Outcome{RunID: msg.RunID, Status: domain.RunStatusCancelled}, nil

	default:
		// Newer engines may emit event types this build does not know.
		s.log.Debug("skipping unknown event", "type", base.Type)
	}
	return nil, nil
}

func (s *Session) sendAnswers(questions []domain.ClarifyingQuestion) error {
	answers := make([]string, len(questions))
	if s.answer != nil {
		got, err := s.answer(questions)
		if err != nil {
			return fmt.Errorf("failed to collect answers: %w", err)
		}
		copy(answers, got)
	}
	msg := protocol.AnswersMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeAnswers, Ts: time.Now().UnixMilli(), RunID: s.RunID()},
		Answers:     answers,
	}
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("failed to send answers: %w", err)
	}
	return nil
}

// fireBudget runs on the budget timer's goroutine; the encoder serializes
// the write against the event loop.
func (s *Session) fireBudget() {
	s.render.BudgetExpired(s.budget)
	msg := protocol.InterruptMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeInterrupt, Ts: time.Now().UnixMilli(), RunID: s.RunID()},
		Command:     protocol.CommandForceWrite,
	}
	if err := s.enc.Encode(msg); err != nil {
		s.log.Warn("failed to send budget interrupt", "error", err)
	}
}

func decodeError(eventType string, err error) error {
	return fmt.Errorf("failed to decode %s event: %w", eventType, err)
}

// StdinAnswers returns an AnswerFunc that prompts on out and reads one line
// per question from in. EOF leaves the remaining answers blank.
func StdinAnswers(in io.Reader, out io.Writer) AnswerFunc {
	sc := bufio.NewScanner(in)
	return func(questions []domain.ClarifyingQuestion) ([]string, error) {
		answers := make([]string, len(questions))
		for i, q := range questions {
			fmt.Fprintf(out, "%s> ", q.Label)
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return nil, fmt.Errorf("failed to read answer: %w", err)
				}
				break
			}
			answers[i] = strings.TrimSpace(sc.Text())
		}
		return answers, nil
	}
}
