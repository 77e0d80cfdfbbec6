// Package engine drives a research run through the clarify, plan, search,
// evaluate, write pipeline. It owns the state machine, the iteration bound,
// the search fan-out, and the discipline that every event is journaled
// before a consumer can see it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dejisec/lode/internal/agents"
	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/gateway"
	"github.com/dejisec/lode/internal/policy"
	"github.com/dejisec/lode/internal/protocol"
	"github.com/dejisec/lode/internal/store"
)

// Catalog mirrors the run lifecycle into a queryable index. A nil catalog
// disables indexing; catalog errors never fail a run, since the index is
// derived state the artifact directory can rebuild.
type Catalog interface {
	CreateRun(ctx context.Context, run *domain.Run, dir string) error
	CompleteRun(ctx context.Context, meta *domain.RunMetadata) error
}

// Engine executes research runs.
type Engine struct {
	store  *store.Store
	gw     gateway.Gateway
	policy *policy.Engine
	sink   Sink

	catalog    Catalog
	log        *slog.Logger
	now        func() time.Time
	answers    <-chan []string
	interrupts <-chan string
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog registers the run index.
func WithCatalog(c Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithAnswers wires the channel that delivers clarifying answers.
// Interactive runs block in the clarifying stage until this channel
// delivers or the context is cancelled.
func WithAnswers(ch <-chan []string) Option {
	return func(e *Engine) { e.answers = ch }
}

// WithInterrupts wires the channel that delivers interrupt commands. The
// engine polls it between stages.
func WithInterrupts(ch <-chan string) Option {
	return func(e *Engine) { e.interrupts = ch }
}

// New assembles an engine over its collaborators.
func New(st *store.Store, gw gateway.Gateway, pol *policy.Engine, sink Sink, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		gw:     gw,
		policy: pol,
		sink:   sink,
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runState is the in-memory state of one executing run, owned by the
// control goroutine. Search workers only write into their own slots.
type runState struct {
	run   *domain.Run
	h     *store.RunHandle
	state State

	answers   []string
	plan      *domain.SearchPlan
	results   []domain.SearchResult
	findings  []string
	verdict   *domain.EvaluationVerdict
	iteration int

	degraded   bool
	forceWrite bool
	reportRef  string

	failKind      domain.ErrorKind
	failMsg       string
	persistBroken bool
}

// resolvedQuery is the effective research subject: the original query,
// augmented with clarifying answers once they exist.
func (r *runState) resolvedQuery() string {
	if r.run.ResolvedQuery != "" {
		return r.run.ResolvedQuery
	}
	return r.run.Query
}

// Run executes one research run to a terminal status. The returned status
// is always meaningful, even when the error is not nil.
func (e *Engine) Run(ctx context.Context, query string, cfg domain.RunConfig) (domain.RunStatus, error) {
	cfg.Normalize()
	now := e.now()

	run := &domain.Run{
		RunID:     domain.NewRunID(now),
		Query:     query,
		Config:    cfg,
		Status:    domain.RunStatusRunning,
		StartedAt: now,
	}

	h, err := e.store.BeginRun(run)
	if err != nil {
		e.log.Error("could not create run directory", "run_id", run.RunID, "error", err)
		e.sink.Send(&protocol.RunFailedMessage{
			BaseMessage: protocol.BaseMessage{
				Type:    protocol.TypeRunFailed,
				Ts:      e.now().UnixMilli(),
				RunID:   run.RunID,
				EventID: domain.NewEventID(),
			},
			ErrorKind: domain.ErrKindPersistenceError,
			Message:   err.Error(),
		})
		return domain.RunStatusFailed, err
	}
	defer h.Close()

	if e.catalog != nil {
		if cerr := e.catalog.CreateRun(ctx, run, h.Dir()); cerr != nil {
			e.log.Warn("could not index run", "run_id", run.RunID, "error", cerr)
		}
	}

	r := &runState{run: run, h: h, state: StateClarifying}
	if cfg.Auto {
		r.state = StatePlanning
	}

	e.log.Info("run started", "run_id", run.RunID, "model", cfg.Model, "auto", cfg.Auto)

	startMsg := &protocol.RunStartedMessage{
		BaseMessage: e.base(r, protocol.TypeRunStarted),
		Query:       query,
		Config:      cfg,
	}
	if err := e.emit(r, startMsg, true); err != nil {
		e.hop(r, e.breakPersistence(r, err))
	}

	for !r.state.Terminal() {
		if ctx.Err() != nil {
			h.Seal()
			e.hop(r, StateCancelled)
			continue
		}
		e.pollInterrupt(r)
		if next, ok := e.forceWriteSkip(r); ok {
			e.hop(r, next)
			continue
		}
		e.hop(r, e.step(ctx, r))
	}

	return e.finish(ctx, r)
}

// hop advances the state machine, panicking on a transition the table does
// not allow. A violation is a programming error, not a runtime condition.
func (e *Engine) hop(r *runState, next State) {
	if err := ValidateTransition(r.state, next); err != nil {
		panic(err)
	}
	r.state = next
}

func (e *Engine) pollInterrupt(r *runState) {
	if e.interrupts == nil {
		return
	}
	select {
	case cmd := <-e.interrupts:
		e.applyInterrupt(r, cmd)
	default:
	}
}

func (e *Engine) applyInterrupt(r *runState, cmd string) {
	if cmd == protocol.CommandForceWrite {
		e.log.Info("force_write interrupt received", "run_id", r.run.RunID)
		r.forceWrite = true
		return
	}
	e.log.Warn("ignoring unknown interrupt", "run_id", r.run.RunID, "command", cmd)
}

// forceWriteSkip jumps a pending re-plan or evaluation straight to Writing
// once an interrupt asked for the report and results exist to write from.
// The report is degraded: no sufficient verdict covers the current results.
func (e *Engine) forceWriteSkip(r *runState) (State, bool) {
	if !r.forceWrite || len(r.results) == 0 {
		return "", false
	}
	if r.state != StatePlanning && r.state != StateEvaluating {
		return "", false
	}

	r.degraded = true
	msg := &protocol.DecisionMessage{
		BaseMessage:         e.base(r, protocol.TypeDecision),
		Action:              policy.ActionWrite,
		Reason:              "force_write interrupt",
		Iteration:           r.iteration,
		RemainingIterations: r.run.Config.MaxIterations - r.iteration,
	}
	if err := e.emit(r, msg, false); err != nil {
		return e.breakPersistence(r, err), true
	}
	return StateWriting, true
}

func (e *Engine) step(ctx context.Context, r *runState) State {
	switch r.state {
	case StateClarifying:
		return e.stepClarify(ctx, r)
	case StatePlanning:
		return e.stepPlan(ctx, r)
	case StateSearching:
		return e.stepSearch(ctx, r)
	case StateEvaluating:
		return e.stepEvaluate(ctx, r)
	case StateWriting:
		return e.stepWrite(ctx, r)
	default:
		panic(fmt.Sprintf("step called in state %q", r.state))
	}
}

func (e *Engine) stepClarify(ctx context.Context, r *runState) State {
	p := agents.Clarify(r.run.Query)
	out, err := e.runStage(ctx, r, p, func(content string) error {
		_, verr := agents.ParseClarifyingQuestions(content)
		return verr
	})
	if err != nil {
		return e.routeStageError(r, err)
	}

	questions, err := agents.ParseClarifyingQuestions(out.content)
	if err != nil {
		return e.structuralFailure(r, p.Role, err)
	}
	r.run.TotalTokens += out.usage.TotalTokens

	if err := e.completeStage(r, p, out, fmt.Sprintf("asked %d clarifying questions", len(questions))); err != nil {
		return e.breakPersistence(r, err)
	}

	qmsg := &protocol.ClarifyingQuestionsMessage{
		BaseMessage: e.base(r, protocol.TypeClarifyingQuestions),
		Seq:         out.seq,
		Questions:   questions,
	}
	if err := e.emit(r, qmsg, true); err != nil {
		return e.breakPersistence(r, err)
	}

	answers, ok := e.waitForAnswers(ctx, r)
	if !ok {
		r.h.Seal()
		return StateCancelled
	}
	r.answers = answers
	r.run.ResolvedQuery = resolveQuery(r.run.Query, answers)
	return StatePlanning
}

// waitForAnswers blocks until the controller replies to the clarifying
// questions. Interrupts arriving in the meantime are applied, not lost.
func (e *Engine) waitForAnswers(ctx context.Context, r *runState) ([]string, bool) {
	for {
		select {
		case answers := <-e.answers:
			return normalizeAnswers(answers), true
		case cmd := <-e.interrupts:
			e.applyInterrupt(r, cmd)
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (e *Engine) stepPlan(ctx context.Context, r *runState) State {
	r.iteration++

	pc := agents.PlanContext{SearchCount: r.run.Config.SearchCount, Answers: r.answers}
	if r.verdict != nil {
		pc.Findings = r.findings
		pc.Gaps = r.verdict.Gaps
	}
	p := agents.Plan(r.run.Query, pc)

	out, err := e.runStage(ctx, r, p, func(content string) error {
		_, verr := agents.ParseSearchPlan(content)
		return verr
	})
	if err != nil {
		return e.routeStageError(r, err)
	}

	plan, err := agents.ParseSearchPlan(out.content)
	if err != nil {
		return e.structuralFailure(r, p.Role, err)
	}
	plan.Truncate(r.run.Config.SearchCount)
	r.plan = plan
	r.run.TotalTokens += out.usage.TotalTokens

	if err := e.completeStage(r, p, out, fmt.Sprintf("planned %d searches", len(plan.Searches))); err != nil {
		return e.breakPersistence(r, err)
	}
	return StateSearching
}

func (e *Engine) stepSearch(ctx context.Context, r *runState) State {
	items := r.plan.Searches

	// Sequence slots are reserved and announced up front, in plan order,
	// so the journal shows the whole round before any result lands.
	seqs := make([]int, len(items))
	for i := range items {
		seqs[i] = r.h.ReserveSeq()
		msg := &protocol.StageStartedMessage{
			BaseMessage: e.base(r, protocol.TypeStageStarted),
			Seq:         seqs[i],
			Role:        domain.RoleSearcher,
		}
		if err := e.emit(r, msg, false); err != nil {
			return e.breakPersistence(r, err)
		}
	}

	outcomes := make([]*searchOutcome, len(items))

	var g errgroup.Group
	g.SetLimit(r.run.Config.Parallelism)
	for i := range items {
		g.Go(func() error {
			out, err := e.executeSearch(ctx, r, seqs[i], items[i])
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return e.breakPersistence(r, err)
	}
	if ctx.Err() != nil {
		r.h.Seal()
		return StateCancelled
	}

	succeeded := 0
	for _, out := range outcomes {
		if out.abandoned || out.result.Failed {
			continue
		}
		r.results = append(r.results, out.result)
		r.run.TotalTokens += out.usage.TotalTokens
		succeeded++
	}
	if succeeded == 0 {
		e.log.Error("no usable search results", "run_id", r.run.RunID, "searches", len(items))
		r.failKind = domain.ErrKindNoUsableResults
		r.failMsg = fmt.Sprintf("all %d searches of iteration %d failed", len(items), r.iteration)
		return StateFailed
	}
	return StateEvaluating
}

// searchOutcome is one worker's report back to the join point. An abandoned
// outcome means the call was cut off by cancellation and left no record.
type searchOutcome struct {
	abandoned bool
	result    domain.SearchResult
	usage     domain.TokenUsage
}

// executeSearch runs one planned search in its reserved slot. Search
// failures become partial results; only persistence errors propagate.
func (e *Engine) executeSearch(ctx context.Context, r *runState, seq int, item domain.SearchItem) (*searchOutcome, error) {
	p := agents.Search(item)

	started := e.now()
	res, err := e.gw.Invoke(ctx, gateway.Request{Role: p.Role, Messages: p.Messages()}, func(content string) error {
		_, verr := agents.ParseSearchResult(content)
		return verr
	})
	durationMs := e.now().Sub(started).Milliseconds()

	fail := func(kind domain.ErrorKind, msg string, retries int) (*searchOutcome, error) {
		e.log.Warn("search failed", "run_id", r.run.RunID, "seq", seq, "query", item.Query, "kind", kind)

		rec := &domain.StageRecord{
			Seq:        seq,
			Role:       p.Role,
			Input:      p.Input,
			Failure:    &domain.StageFailure{Kind: kind, Message: msg},
			DurationMs: durationMs,
			Retries:    retries,
		}
		if rerr := r.h.RecordReserved(rec); rerr != nil {
			if errors.Is(rerr, store.ErrSealed) {
				return &searchOutcome{abandoned: true}, nil
			}
			return nil, rerr
		}
		failMsg := &protocol.StageFailedMessage{
			BaseMessage: e.base(r, protocol.TypeStageFailed),
			Seq:         seq,
			Role:        p.Role,
			ErrorKind:   kind,
			Message:     msg,
		}
		if eerr := e.emit(r, failMsg, false); eerr != nil {
			return nil, eerr
		}
		return &searchOutcome{result: domain.SearchResult{Query: item.Query, Failed: true, Error: msg}}, nil
	}

	if err != nil {
		if gateway.Kind(err) == domain.ErrKindCancelled {
			return &searchOutcome{abandoned: true}, nil
		}
		return fail(gateway.Kind(err), err.Error(), retriesOf(err))
	}

	content := agents.StripFences(res.Content)
	parsed, perr := agents.ParseSearchResult(content)
	if perr != nil {
		return fail(domain.ErrKindInvalidResponse, perr.Error(), res.Attempts-1)
	}
	parsed.Query = item.Query

	rec := &domain.StageRecord{
		Seq:        seq,
		Role:       p.Role,
		Input:      p.Input,
		Output:     json.RawMessage(content),
		DurationMs: durationMs,
		Retries:    res.Attempts - 1,
		Usage:      res.Usage,
	}
	if rerr := r.h.RecordReserved(rec); rerr != nil {
		if errors.Is(rerr, store.ErrSealed) {
			return &searchOutcome{abandoned: true}, nil
		}
		return nil, rerr
	}

	msg := &protocol.StageCompletedMessage{
		BaseMessage: e.base(r, protocol.TypeStageCompleted),
		Seq:         seq,
		Role:        p.Role,
		Summary:     truncateSummary(parsed.Summary),
		DurationMs:  durationMs,
		Retries:     res.Attempts - 1,
	}
	if eerr := e.emit(r, msg, false); eerr != nil {
		return nil, eerr
	}
	return &searchOutcome{result: *parsed, usage: res.Usage}, nil
}

func (e *Engine) stepEvaluate(ctx context.Context, r *runState) State {
	cfg := r.run.Config
	p := agents.Evaluate(r.resolvedQuery(), r.results, r.iteration, cfg.MaxIterations)
	out, err := e.runStage(ctx, r, p, func(content string) error {
		_, verr := agents.ParseEvaluation(content)
		return verr
	})
	if err != nil {
		return e.routeStageError(r, err)
	}

	verdict, err := agents.ParseEvaluation(out.content)
	if err != nil {
		return e.structuralFailure(r, p.Role, err)
	}
	r.verdict = verdict
	r.findings = append(r.findings, verdict.KeyFindings...)
	r.run.TotalTokens += out.usage.TotalTokens

	summary := fmt.Sprintf("coverage %d/10, sufficient=%t, %d gaps", verdict.CoverageScore, verdict.Sufficient, len(verdict.Gaps))
	if err := e.completeStage(r, p, out, summary); err != nil {
		return e.breakPersistence(r, err)
	}

	action, reason := e.decide(ctx, r, verdict)

	msg := &protocol.DecisionMessage{
		BaseMessage:         e.base(r, protocol.TypeDecision),
		Action:              action,
		Reason:              reason,
		Iteration:           r.iteration,
		RemainingIterations: cfg.MaxIterations - r.iteration,
	}
	if err := e.emit(r, msg, false); err != nil {
		return e.breakPersistence(r, err)
	}

	if action == policy.ActionReplan {
		return StatePlanning
	}
	if !verdict.Sufficient {
		r.degraded = true
	}
	return StateWriting
}

// decide asks the policy engine for the evaluating-exit action. The
// iteration bound is enforced here regardless of what the policy says.
func (e *Engine) decide(ctx context.Context, r *runState, verdict *domain.EvaluationVerdict) (string, string) {
	cfg := r.run.Config
	in := policy.DecisionInput{
		Sufficient:    verdict.Sufficient,
		CoverageScore: verdict.CoverageScore,
		Iteration:     r.iteration,
		MaxIterations: cfg.MaxIterations,
		GapCount:      len(verdict.Gaps),
		ForceWrite:    r.forceWrite,
	}

	action, err := e.policy.Decide(ctx, in)
	if err != nil {
		e.log.Warn("policy evaluation failed, using built-in rule", "run_id", r.run.RunID, "error", err)
		action = policy.ActionReplan
		if verdict.Sufficient || len(verdict.Gaps) == 0 || r.forceWrite {
			action = policy.ActionWrite
		}
	}

	if action == policy.ActionReplan && r.iteration >= cfg.MaxIterations {
		action = policy.ActionWrite
	}

	var reason string
	switch {
	case action == policy.ActionReplan:
		reason = fmt.Sprintf("insufficient coverage (%d/10), %d gaps to fill", verdict.CoverageScore, len(verdict.Gaps))
	case r.forceWrite:
		reason = "force_write interrupt"
	case verdict.Sufficient:
		reason = fmt.Sprintf("coverage sufficient (%d/10)", verdict.CoverageScore)
	case r.iteration >= cfg.MaxIterations:
		reason = fmt.Sprintf("iteration bound reached (%d of %d)", r.iteration, cfg.MaxIterations)
	default:
		reason = fmt.Sprintf("coverage %d/10 with no gaps left to fill", verdict.CoverageScore)
	}
	return action, reason
}

func (e *Engine) stepWrite(ctx context.Context, r *runState) State {
	p := agents.Write(r.resolvedQuery(), r.findings, r.results)
	out, err := e.runStage(ctx, r, p, func(content string) error {
		_, verr := agents.ParseReport(content)
		return verr
	})
	if err != nil {
		return e.routeStageError(r, err)
	}

	report, err := agents.ParseReport(out.content)
	if err != nil {
		return e.structuralFailure(r, p.Role, err)
	}
	r.run.TotalTokens += out.usage.TotalTokens

	path, err := r.h.WriteReport(report.Markdown)
	if err != nil {
		return e.breakPersistence(r, err)
	}
	r.reportRef = path

	if err := e.completeStage(r, p, out, truncateSummary(report.ShortSummary)); err != nil {
		return e.breakPersistence(r, err)
	}
	return StateDone
}

// stageOutcome carries a recorded stage's cleaned response body back to the
// step function for parsing.
type stageOutcome struct {
	seq        int
	content    string
	usage      domain.TokenUsage
	retries    int
	durationMs int64
}

// runStage reserves a sequence slot, announces the stage, invokes the role,
// and records the outcome. A call cut off by cancellation is abandoned
// without a stage record. The stage_completed event is the caller's to emit
// once it has a summary.
func (e *Engine) runStage(ctx context.Context, r *runState, p agents.Prompt, validate gateway.ValidateFunc) (*stageOutcome, error) {
	seq := r.h.ReserveSeq()
	startMsg := &protocol.StageStartedMessage{
		BaseMessage: e.base(r, protocol.TypeStageStarted),
		Seq:         seq,
		Role:        p.Role,
	}
	if err := e.emit(r, startMsg, false); err != nil {
		return nil, err
	}

	started := e.now()
	res, err := e.gw.Invoke(ctx, gateway.Request{Role: p.Role, Messages: p.Messages()}, validate)
	durationMs := e.now().Sub(started).Milliseconds()

	if err != nil {
		if gateway.Kind(err) == domain.ErrKindCancelled {
			return nil, err
		}
		rec := &domain.StageRecord{
			Seq:        seq,
			Role:       p.Role,
			Input:      p.Input,
			Failure:    &domain.StageFailure{Kind: gateway.Kind(err), Message: err.Error()},
			DurationMs: durationMs,
			Retries:    retriesOf(err),
		}
		if rerr := r.h.RecordReserved(rec); rerr != nil {
			return nil, rerr
		}
		failMsg := &protocol.StageFailedMessage{
			BaseMessage: e.base(r, protocol.TypeStageFailed),
			Seq:         seq,
			Role:        p.Role,
			ErrorKind:   gateway.Kind(err),
			Message:     err.Error(),
		}
		if eerr := e.emit(r, failMsg, false); eerr != nil {
			return nil, eerr
		}
		return nil, err
	}

	content := agents.StripFences(res.Content)
	rec := &domain.StageRecord{
		Seq:        seq,
		Role:       p.Role,
		Input:      p.Input,
		Output:     json.RawMessage(content),
		DurationMs: durationMs,
		Retries:    res.Attempts - 1,
		Usage:      res.Usage,
	}
	if err := r.h.RecordReserved(rec); err != nil {
		return nil, err
	}
	return &stageOutcome{
		seq:        seq,
		content:    content,
		usage:      res.Usage,
		retries:    res.Attempts - 1,
		durationMs: durationMs,
	}, nil
}

func (e *Engine) completeStage(r *runState, p agents.Prompt, out *stageOutcome, summary string) error {
	msg := &protocol.StageCompletedMessage{
		BaseMessage: e.base(r, protocol.TypeStageCompleted),
		Seq:         out.seq,
		Role:        p.Role,
		Summary:     summary,
		DurationMs:  out.durationMs,
		Retries:     out.retries,
	}
	return e.emit(r, msg, false)
}

// routeStageError maps a sequential stage failure to the next state.
func (e *Engine) routeStageError(r *runState, err error) State {
	var f *gateway.Failure
	if !errors.As(err, &f) {
		return e.breakPersistence(r, err)
	}
	if f.Kind == domain.ErrKindCancelled {
		r.h.Seal()
		return StateCancelled
	}
	e.log.Error("stage failed", "run_id", r.run.RunID, "role", f.Role, "kind", f.Kind, "error", err)
	r.failKind = f.Kind
	r.failMsg = err.Error()
	return StateFailed
}

// structuralFailure handles output that passed gateway validation but failed
// the final parse.
func (e *Engine) structuralFailure(r *runState, role domain.StageRole, err error) State {
	e.log.Error("stage output violated its contract", "run_id", r.run.RunID, "role", role, "error", err)
	r.failKind = domain.ErrKindInvalidResponse
	r.failMsg = err.Error()
	return StateFailed
}

// breakPersistence marks the artifact directory unreliable and fails the
// run. Nothing more is journaled after this.
func (e *Engine) breakPersistence(r *runState, err error) State {
	e.log.Error("persistence failure", "run_id", r.run.RunID, "error", err)
	r.persistBroken = true
	r.failKind = domain.ErrKindPersistenceError
	r.failMsg = err.Error()
	return StateFailed
}

// finish journals the metadata and terminal events, finalizes the artifact
// directory, and only then releases the terminal event to the consumer, so
// anyone reacting to it finds the directory complete.
func (e *Engine) finish(ctx context.Context, r *runState) (domain.RunStatus, error) {
	status := statusFor(r.state)
	endedAt := e.now()
	r.run.Status = status
	r.run.EndedAt = &endedAt
	r.run.Degraded = r.degraded
	r.run.Iterations = r.iteration

	meta := &domain.RunMetadata{
		RunID:       r.run.RunID,
		Query:       r.run.Query,
		Model:       r.run.Config.Model,
		Status:      status,
		Degraded:    r.degraded,
		Iterations:  r.iteration,
		Stages:      r.h.StageCount(),
		TotalTokens: r.run.TotalTokens,
		StartedAt:   r.run.StartedAt,
		EndedAt:     endedAt,
		DurationMs:  endedAt.Sub(r.run.StartedAt).Milliseconds(),
	}

	metaMsg := &protocol.MetadataMessage{
		BaseMessage: e.base(r, protocol.TypeMetadata),
		Stages:      meta.Stages,
		TotalTokens: meta.TotalTokens,
		DurationMs:  meta.DurationMs,
		Degraded:    r.degraded,
	}
	terminal := e.terminalMessage(r, status)

	if !r.persistBroken {
		err := r.h.AppendEvent(metaMsg)
		if err == nil {
			err = r.h.AppendEvent(terminal)
		}
		if err == nil {
			err = r.h.Finalize(status, meta)
		}
		if err != nil {
			e.log.Error("could not finalize run", "run_id", r.run.RunID, "error", err)
			r.persistBroken = true
			r.failKind = domain.ErrKindPersistenceError
			r.failMsg = err.Error()
			status = domain.RunStatusFailed
			r.run.Status = status
			meta.Status = status
			terminal = e.terminalMessage(r, status)
		}
	}

	if e.catalog != nil {
		if err := e.catalog.CompleteRun(context.WithoutCancel(ctx), meta); err != nil {
			e.log.Warn("could not update run index", "run_id", r.run.RunID, "error", err)
		}
	}

	if !r.persistBroken {
		e.sink.Offer(metaMsg)
	}
	e.sink.Send(terminal)

	e.log.Info("run finished", "run_id", r.run.RunID, "status", status,
		"stages", meta.Stages, "iterations", meta.Iterations, "duration_ms", meta.DurationMs)

	if status == domain.RunStatusFailed {
		return status, fmt.Errorf("%s: %s", r.failKind, r.failMsg)
	}
	return status, nil
}

func (e *Engine) terminalMessage(r *runState, status domain.RunStatus) interface{} {
	switch status {
	case domain.RunStatusSucceeded:
		return &protocol.RunCompletedMessage{
			BaseMessage: e.base(r, protocol.TypeRunCompleted),
			ReportRef:   r.reportRef,
			Degraded:    r.degraded,
		}
	case domain.RunStatusCancelled:
		return &protocol.RunCancelledMessage{
			BaseMessage: e.base(r, protocol.TypeRunCancelled),
		}
	default:
		return &protocol.RunFailedMessage{
			BaseMessage: e.base(r, protocol.TypeRunFailed),
			ErrorKind:   r.failKind,
			Message:     r.failMsg,
		}
	}
}

func statusFor(s State) domain.RunStatus {
	switch s {
	case StateDone:
		return domain.RunStatusSucceeded
	case StateCancelled:
		return domain.RunStatusCancelled
	default:
		return domain.RunStatusFailed
	}
}

// emit journals an event, then forwards it to the progress sink. The journal
// write always happens first so a consumer can never observe an event the
// artifact directory has no trace of.
func (e *Engine) emit(r *runState, event interface{}, critical bool) error {
	if err := r.h.AppendEvent(event); err != nil {
		return err
	}
	if critical {
		e.sink.Send(event)
	} else {
		e.sink.Offer(event)
	}
	return nil
}

func (e *Engine) base(r *runState, typ string) protocol.BaseMessage {
	return protocol.BaseMessage{
		Type:    typ,
		Ts:      e.now().UnixMilli(),
		RunID:   r.run.RunID,
		EventID: domain.NewEventID(),
	}
}

func retriesOf(err error) int {
	var f *gateway.Failure
	if errors.As(err, &f) && f.Attempts > 0 {
		return f.Attempts - 1
	}
	return 0
}

// normalizeAnswers pins the reply to exactly three answers, padding with
// blanks the planner will skip.
func normalizeAnswers(answers []string) []string {
	out := make([]string, 3)
	copy(out, answers)
	return out
}

func resolveQuery(query string, answers []string) string {
	var parts []string
	for _, a := range answers {
		if s := strings.TrimSpace(a); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return query
	}
	return fmt.Sprintf("%s (clarified: %s)", query, strings.Join(parts, "; "))
}

// truncateSummary flattens a summary to one event-sized line.
func truncateSummary(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 140 {
		s = s[:137] + "..."
	}
	return s
}
