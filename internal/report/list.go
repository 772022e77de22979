package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"testplane/internal/model"
)

// List is a plain streaming reporter without styling, suitable for CI
// logs and file redirection.
type List struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	summary
}

// NewList creates a list reporter writing to w.
func NewList(w io.Writer, quiet bool) *List {
	return &List{w: w, quiet: quiet}
}

func (l *List) OnBegin(run *Run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary.begin(run)
	fmt.Fprintf(l.w, "running %d tests\n", len(run.Plan.Tests))
}

func (l *List) OnTestBegin(test *model.Test, result *model.TestResult) {}

func (l *List) OnStdOut(test *model.Test, chunk model.OutputChunk) {
	if l.quiet || chunk.Text == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.w, chunk.Text)
}

func (l *List) OnStdErr(test *model.Test, chunk model.OutputChunk) {
	l.OnStdOut(test, chunk)
}

func (l *List) OnTestEnd(test *model.Test, result *model.TestResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summary.record(test, result)

	status := string(result.Status)
	if result.Status != model.StatusSkipped && result.Status != test.ExpectedStatus {
		status = "unexpected " + status
	}
	fmt.Fprintf(l.w, "%-20s [%s] %s (%s)\n", status, test.Project.Name, test.Spec.FullTitle(), result.Duration.Round(time.Millisecond))
	if result.Error != nil {
		fmt.Fprintf(l.w, "    %s\n", result.Error.Error())
	}
}

func (l *List) OnError(err *model.SerializedError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "error: %s\n", err.Error())
}

func (l *List) OnTimeout() {
	l.mu.Lock()
	fmt.Fprintln(l.w, "global timeout reached")
	l.mu.Unlock()
	l.OnEnd()
}

func (l *List) OnEnd() {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%d passed, %d failed, %d flaky, %d skipped (%s)\n",
		l.expected, l.unexpected, l.flaky, l.skipped, time.Since(l.started).Round(time.Millisecond))
}
