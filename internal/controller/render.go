package controller

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/dejisec/lode/internal/protocol"
)

// Styles for event lines. Colors follow the terminal's dark palette and
// degrade to plain text when stdout is not a terminal.
var (
	styleAccent = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	styleOK     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	styleFail   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F87171"))
	styleWarn   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F59E0B"))
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// Renderer prints protocol events as human-readable lines. It is safe for
// concurrent use; the budget timer and the event loop share it.
type Renderer struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

// NewRenderer creates a renderer writing to out. Styling is enabled only
// when out is a terminal.
func NewRenderer(out io.Writer) *Renderer {
	color := false
	if f, ok := out.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Renderer{out: out, color: color}
}

func (r *Renderer) paint(style lipgloss.Style, s string) string {
	if !r.color {
		return s
	}
	return style.Render(s)
}

func (r *Renderer) line(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// RunStarted prints the run banner with the normalized configuration.
func (r *Renderer) RunStarted(msg *protocol.RunStartedMessage) {
	r.line(fmt.Sprintf("%s %s", r.paint(styleAccent, "● run"), msg.RunID))
	r.line(r.paint(styleMuted, fmt.Sprintf("  model=%s searches=%d max_iterations=%d parallelism=%d",
		msg.Config.Model, msg.Config.SearchCount, msg.Config.MaxIterations, msg.Config.Parallelism)))
}

// StageStarted prints a dispatch marker for one agent invocation.
func (r *Renderer) StageStarted(msg *protocol.StageStartedMessage) {
	r.line(r.paint(styleMuted, fmt.Sprintf("  ○ %s #%d", msg.Role, msg.Seq)))
}

// StageCompleted prints the stage result line with duration and summary.
func (r *Renderer) StageCompleted(msg *protocol.StageCompletedMessage) {
	line := fmt.Sprintf("  %s %s #%d (%s)", r.paint(styleOK, "✓"), msg.Role, msg.Seq, formatMs(msg.DurationMs))
	if msg.Retries > 0 {
		line += r.paint(styleWarn, fmt.Sprintf(" %d retries", msg.Retries))
	}
	if msg.Summary != "" {
		line += " " + r.paint(styleMuted, msg.Summary)
	}
	r.line(line)
}

// StageFailed prints the stage failure with its error kind.
func (r *Renderer) StageFailed(msg *protocol.StageFailedMessage) {
	r.line(fmt.Sprintf("  %s %s #%d %s: %s",
		r.paint(styleFail, "✗"), msg.Role, msg.Seq, r.paint(styleFail, string(msg.ErrorKind)), msg.Message))
}

// Questions prints the clarifying questions ahead of the answer prompts.
func (r *Renderer) Questions(msg *protocol.ClarifyingQuestionsMessage) {
	r.line(r.paint(styleAccent, "clarifying questions (empty answer skips)"))
	for i, q := range msg.Questions {
		r.line(fmt.Sprintf("  %d. %s %s", i+1, r.paint(styleAccent, "["+q.Label+"]"), q.Question))
	}
}

// Decision prints the evaluating-exit decision for one iteration.
func (r *Renderer) Decision(msg *protocol.DecisionMessage) {
	r.line(fmt.Sprintf("  %s %s: %s",
		r.paint(styleAccent, fmt.Sprintf("● iteration %d", msg.Iteration)), msg.Action, r.paint(styleMuted, msg.Reason)))
}

// Metadata prints the run totals.
func (r *Renderer) Metadata(msg *protocol.MetadataMessage) {
	r.line(r.paint(styleMuted, fmt.Sprintf("  %d stages, %d tokens, %s", msg.Stages, msg.TotalTokens, formatMs(msg.DurationMs))))
}

// RunCompleted prints the success line and where the report landed.
func (r *Renderer) RunCompleted(msg *protocol.RunCompletedMessage) {
	line := r.paint(styleOK, "✓ run completed")
	if msg.Degraded {
		line += " " + r.paint(styleWarn, "(degraded)")
	}
	r.line(line)
	if msg.ReportRef != "" {
		r.line("  report: " + msg.ReportRef)
	}
}

// RunFailed prints the failure line with its error kind.
func (r *Renderer) RunFailed(msg *protocol.RunFailedMessage) {
	r.line(fmt.Sprintf("%s %s: %s", r.paint(styleFail, "✗ run failed"), msg.ErrorKind, msg.Message))
}

// RunCancelled prints the cancellation line.
func (r *Renderer) RunCancelled(msg *protocol.RunCancelledMessage) {
	r.line(r.paint(styleWarn, "run cancelled"))
}

// BudgetExpired notes that the wall-clock budget elapsed and the engine was
// asked to write with what it has.
func (r *Renderer) BudgetExpired(budget time.Duration) {
	r.line(r.paint(styleWarn, fmt.Sprintf("budget %s elapsed, asking the engine to write with current results", budget)))
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "0ms"
	}
	d := time.Duration(ms) * time.Millisecond
	if d >= time.Second {
		d = d.Round(100 * time.Millisecond)
	}
	return d.String()
}
