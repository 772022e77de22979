// Package report fans test lifecycle events out to the configured
// reporter implementations.
package report

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"testplane/internal/config"
	"testplane/internal/model"
	"testplane/internal/planner"
)

// Run is the immutable run header passed to OnBegin.
type Run struct {
	RunID   string
	Config  *config.Config
	Plan    *planner.Plan
	Started time.Time
}

// Reporter receives the lifecycle of one run. Calls arrive in the order
// OnBegin, then per-test events, then exactly one of OnEnd or OnTimeout.
// Test events from different workers may interleave; within one test,
// OnTestBegin precedes its output chunks which precede OnTestEnd.
type Reporter interface {
	OnBegin(run *Run)
	OnTestBegin(test *model.Test, result *model.TestResult)
	OnStdOut(test *model.Test, chunk model.OutputChunk)
	OnStdErr(test *model.Test, chunk model.OutputChunk)
	OnTestEnd(test *model.Test, result *model.TestResult)
	OnError(err *model.SerializedError)
	OnTimeout()
	OnEnd()
}

// Multiplexer forwards each callback to every registered reporter in
// registration order. A panicking reporter is reported on the error
// channel and never unwinds the dispatcher.
type Multiplexer struct {
	reporters []Reporter
	log       *slog.Logger
}

// NewMultiplexer wraps the given reporters.
func NewMultiplexer(log *slog.Logger, reporters ...Reporter) *Multiplexer {
	return &Multiplexer{reporters: reporters, log: log}
}

// Create builds the named reporters. stdout receives terminal output;
// the JSON reporter persists under cfg.OutputDir.
func Create(names []string, cfg *config.Config, stdout io.Writer, log *slog.Logger) (*Multiplexer, error) {
	var reporters []Reporter
	for _, name := range names {
		switch name {
		case "line":
			reporters = append(reporters, NewLine(stdout, cfg.Quiet))
		case "list":
			reporters = append(reporters, NewList(stdout, cfg.Quiet))
		case "json":
			reporters = append(reporters, NewJSON(cfg.OutputDir, log))
		default:
			return nil, fmt.Errorf("unknown reporter %q", name)
		}
	}
	return NewMultiplexer(log, reporters...), nil
}

func (m *Multiplexer) each(name string, fn func(r Reporter)) {
	for _, r := range m.reporters {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.log.Error("reporter panicked", "callback", name, "panic", fmt.Sprint(rec))
				}
			}()
			fn(r)
		}()
	}
}

func (m *Multiplexer) OnBegin(run *Run) {
	m.each("onBegin", func(r Reporter) { r.OnBegin(run) })
}

func (m *Multiplexer) OnTestBegin(test *model.Test, result *model.TestResult) {
	m.each("onTestBegin", func(r Reporter) { r.OnTestBegin(test, result) })
}

func (m *Multiplexer) OnStdOut(test *model.Test, chunk model.OutputChunk) {
	m.each("onStdOut", func(r Reporter) { r.OnStdOut(test, chunk) })
}

func (m *Multiplexer) OnStdErr(test *model.Test, chunk model.OutputChunk) {
	m.each("onStdErr", func(r Reporter) { r.OnStdErr(test, chunk) })
}

func (m *Multiplexer) OnTestEnd(test *model.Test, result *model.TestResult) {
	m.each("onTestEnd", func(r Reporter) { r.OnTestEnd(test, result) })
}

func (m *Multiplexer) OnError(err *model.SerializedError) {
	m.each("onError", func(r Reporter) { r.OnError(err) })
}

func (m *Multiplexer) OnTimeout() {
	m.each("onTimeout", func(r Reporter) { r.OnTimeout() })
}

func (m *Multiplexer) OnEnd() {
	m.each("onEnd", func(r Reporter) { r.OnEnd() })
}

// summary accumulates per-outcome counts across a run. Reporters embed
// it to render their closing block.
type summary struct {
	expected   int
	unexpected int
	flaky      int
	skipped    int
	started    time.Time
	failures   []*model.Test
}

func (s *summary) begin(run *Run) {
	s.started = run.Started
	if s.started.IsZero() {
		s.started = time.Now()
	}
}

// record tallies a finished test. Only the last attempt settles the
// outcome, so earlier retried attempts are ignored here.
func (s *summary) record(test *model.Test, result *model.TestResult) {
	if !lastAttempt(test, result) {
		return
	}
	switch test.Outcome() {
	case "expected":
		s.expected++
	case "unexpected":
		s.unexpected++
		s.failures = append(s.failures, test)
	case "flaky":
		s.flaky++
	case "skipped":
		s.skipped++
	}
}

// lastAttempt reports whether result settles the test: it passed as
// expected, or the retry budget is spent.
func lastAttempt(test *model.Test, result *model.TestResult) bool {
	if result.Status == model.StatusSkipped || result.Status == test.ExpectedStatus {
		return true
	}
	return result.Retry >= test.Retries || test.ExpectedStatus != model.StatusPassed
}
