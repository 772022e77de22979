package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"testplane/internal/model"
)

var (
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	skipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	flakyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
)

// Line is the default terminal reporter: one line per finished test and
// a styled summary block at the end.
type Line struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	total int
	done  int
	summary
}

// NewLine creates a line reporter writing to w. quiet suppresses the
// passthrough of captured test output.
func NewLine(w io.Writer, quiet bool) *Line {
	return &Line{w: w, quiet: quiet}
}

func (l *Line) OnBegin(run *Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary.begin(run)
	l.total = len(run.Plan.Tests)
	fmt.Fprintf(l.w, "Running %d tests using up to %d workers\n\n", l.total, run.Config.Workers)
}

func (l *Line) OnTestBegin(test *model.Test, result *model.TestResult) {}

func (l *Line) OnStdOut(test *model.Test, chunk model.OutputChunk) {
	if l.quiet || chunk.Text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.w, chunk.Text)
}

func (l *Line) OnStdErr(test *model.Test, chunk model.OutputChunk) {
	l.OnStdOut(test, chunk)
}

func (l *Line) OnTestEnd(test *model.Test, result *model.TestResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary.record(test, result)
	l.done++

	glyph := passStyle.Render("ok")
	switch {
	case result.Status == model.StatusSkipped:
		glyph = skipStyle.Render("--")
	case result.Status != test.ExpectedStatus:
		glyph = failStyle.Render("x ")
	case result.Retry > 0:
		glyph = flakyStyle.Render("ok")
	}

	retry := ""
	if result.Retry > 0 {
		retry = dimStyle.Render(fmt.Sprintf(" (retry #%d)", result.Retry))
	}
	fmt.Fprintf(l.w, "%s [%s] %s%s %s\n",
		glyph, test.Project.Name, test.Spec.FullTitle(), retry,
		dimStyle.Render(fmt.Sprintf("(%s)", result.Duration.Round(time.Millisecond))))

	if result.Status != test.ExpectedStatus && result.Status != model.StatusSkipped && result.Error != nil {
		fmt.Fprintf(l.w, "    %s\n", failStyle.Render(result.Error.Error()))
		if result.Error.Stack != "" && !l.quiet {
			fmt.Fprintf(l.w, "%s\n", dimStyle.Render(result.Error.Stack))
		}
	}
}

func (l *Line) OnError(err *model.SerializedError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s %s\n", failStyle.Render("error:"), err.Error())
}

func (l *Line) OnTimeout() {
	l.mu.Lock()
	fmt.Fprintf(l.w, "\n%s\n", failStyle.Render("Global timeout reached, aborting the run"))
	l.mu.Unlock()
	l.OnEnd()
}

func (l *Line) OnEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintln(l.w)
	if l.unexpected > 0 {
		fmt.Fprintf(l.w, "  %s\n", failStyle.Render(fmt.Sprintf("%d failed", l.unexpected)))
		for _, t := range l.failures {
			fmt.Fprintf(l.w, "    %s\n", failStyle.Render(fmt.Sprintf("[%s] %s", t.Project.Name, t.Spec.FullTitle())))
		}
	}
	if l.flaky > 0 {
		fmt.Fprintf(l.w, "  %s\n", flakyStyle.Render(fmt.Sprintf("%d flaky", l.flaky)))
	}
	if l.skipped > 0 {
		fmt.Fprintf(l.w, "  %s\n", skipStyle.Render(fmt.Sprintf("%d skipped", l.skipped)))
	}
	fmt.Fprintf(l.w, "  %s %s\n",
		passStyle.Render(fmt.Sprintf("%d passed", l.expected)),
		dimStyle.Render(fmt.Sprintf("(%s)", time.Since(l.started).Round(time.Millisecond))))
}
