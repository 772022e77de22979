package report

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"testplane/internal/config"
	"testplane/internal/model"
	"testplane/internal/planner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder remembers every callback it received.
type recorder struct {
	calls []string
}

func (r *recorder) OnBegin(run *Run)                                        { r.calls = append(r.calls, "begin") }
func (r *recorder) OnTestBegin(t *model.Test, res *model.TestResult)        { r.calls = append(r.calls, "testBegin") }
func (r *recorder) OnStdOut(t *model.Test, c model.OutputChunk)             { r.calls = append(r.calls, "stdout") }
func (r *recorder) OnStdErr(t *model.Test, c model.OutputChunk)             { r.calls = append(r.calls, "stderr") }
func (r *recorder) OnTestEnd(t *model.Test, res *model.TestResult)          { r.calls = append(r.calls, "testEnd") }
func (r *recorder) OnError(err *model.SerializedError)                      { r.calls = append(r.calls, "error") }
func (r *recorder) OnTimeout()                                              { r.calls = append(r.calls, "timeout") }
func (r *recorder) OnEnd()                                                  { r.calls = append(r.calls, "end") }

// panicker blows up on every callback.
type panicker struct{}

func (panicker) OnBegin(run *Run)                                 { panic("begin") }
func (panicker) OnTestBegin(t *model.Test, res *model.TestResult) { panic("testBegin") }
func (panicker) OnStdOut(t *model.Test, c model.OutputChunk)      { panic("stdout") }
func (panicker) OnStdErr(t *model.Test, c model.OutputChunk)      { panic("stderr") }
func (panicker) OnTestEnd(t *model.Test, res *model.TestResult)   { panic("testEnd") }
func (panicker) OnError(err *model.SerializedError)               { panic("error") }
func (panicker) OnTimeout()                                       { panic("timeout") }
func (panicker) OnEnd()                                           { panic("end") }

func newTest(expected model.Status, retries int) *model.Test {
	suite := &model.Suite{Title: "checkout"}
	spec := &model.Spec{Title: "charges the card", File: "tests/pay.test", Line: 7, Parent: suite}
	return &model.Test{
		ID:             "t1",
		Spec:           spec,
		Project:        &model.Project{Name: "web"},
		ExpectedStatus: expected,
		Retries:        retries,
	}
}

func TestMultiplexer_ForwardsInOrder(t *testing.T) {
	rec := &recorder{}
	m := NewMultiplexer(testLogger(), rec)

	test := newTest(model.StatusPassed, 0)
	res := &model.TestResult{Status: model.StatusPassed}
	m.OnBegin(&Run{Started: time.Now()})
	m.OnTestBegin(test, res)
	m.OnStdOut(test, model.OutputChunk{Text: "hi"})
	m.OnTestEnd(test, res)
	m.OnEnd()

	want := "begin,testBegin,stdout,testEnd,end"
	if got := strings.Join(rec.calls, ","); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestMultiplexer_PanickingReporterDoesNotUnwind(t *testing.T) {
	rec := &recorder{}
	m := NewMultiplexer(testLogger(), panicker{}, rec)

	test := newTest(model.StatusPassed, 0)
	res := &model.TestResult{Status: model.StatusPassed}
	m.OnTestBegin(test, res)
	m.OnTestEnd(test, res)

	if len(rec.calls) != 2 {
		t.Errorf("expected the later reporter to still receive callbacks, got %v", rec.calls)
	}
}

func TestCreate_UnknownReporter(t *testing.T) {
	cfg := &config.Config{}
	if _, err := Create([]string{"teamcity"}, cfg, io.Discard, testLogger()); err == nil {
		t.Error("expected error for unknown reporter name")
	}
}

func TestSummary_Record(t *testing.T) {
	s := &summary{}
	s.begin(&Run{Started: time.Now()})

	pass := newTest(model.StatusPassed, 0)
	pass.Results = []*model.TestResult{{Status: model.StatusPassed}}
	s.record(pass, pass.Results[0])

	flaky := newTest(model.StatusPassed, 2)
	flaky.ID = "t2"
	flaky.Results = []*model.TestResult{
		{Status: model.StatusFailed},
		{Status: model.StatusPassed, Retry: 1},
	}
	s.record(flaky, flaky.Results[0])
	s.record(flaky, flaky.Results[1])

	failed := newTest(model.StatusPassed, 1)
	failed.ID = "t3"
	failed.Results = []*model.TestResult{
		{Status: model.StatusFailed},
		{Status: model.StatusFailed, Retry: 1},
	}
	s.record(failed, failed.Results[0])
	s.record(failed, failed.Results[1])

	if s.expected != 1 || s.flaky != 1 || s.unexpected != 1 {
		t.Errorf("expected 1/1/1, got expected=%d flaky=%d unexpected=%d", s.expected, s.flaky, s.unexpected)
	}
	if len(s.failures) != 1 || s.failures[0].ID != "t3" {
		t.Errorf("unexpected failures list %v", s.failures)
	}
}

func TestLastAttempt(t *testing.T) {
	test := newTest(model.StatusPassed, 2)

	if lastAttempt(test, &model.TestResult{Status: model.StatusFailed, Retry: 0}) {
		t.Error("a failure with retries left is not the last attempt")
	}
	if !lastAttempt(test, &model.TestResult{Status: model.StatusPassed, Retry: 1}) {
		t.Error("an expected pass always settles the test")
	}
	if !lastAttempt(test, &model.TestResult{Status: model.StatusFailed, Retry: 2}) {
		t.Error("a failure at the retry limit settles the test")
	}
	if !lastAttempt(test, &model.TestResult{Status: model.StatusSkipped, Retry: 0}) {
		t.Error("a skip settles the test")
	}
}

func TestLine_RendersSummary(t *testing.T) {
	var buf bytes.Buffer
	r := NewLine(&buf, false)

	test := newTest(model.StatusPassed, 0)
	res := &model.TestResult{Status: model.StatusPassed, Duration: 120 * time.Millisecond}
	test.Results = []*model.TestResult{res}

	run := &Run{
		Started: time.Now(),
		Config:  &config.Config{Workers: 2},
		Plan:    &planner.Plan{Tests: []*model.Test{test}},
	}
	r.OnBegin(run)
	r.OnTestBegin(test, res)
	r.OnTestEnd(test, res)
	r.OnEnd()

	out := buf.String()
	if !strings.Contains(out, "charges the card") {
		t.Errorf("expected test title in output, got %q", out)
	}
	if !strings.Contains(out, "1 passed") {
		t.Errorf("expected summary count, got %q", out)
	}
}

func TestJSON_WritesReport(t *testing.T) {
	dir := t.TempDir()
	r := NewJSON(dir, testLogger())

	cfg := &config.Config{Workers: 2, Projects: []*model.Project{{Name: "web", Timeout: time.Second}}}
	run := &Run{RunID: "run-1", Config: cfg, Started: time.Now()}

	test := newTest(model.StatusPassed, 0)
	res := &model.TestResult{Status: model.StatusPassed}
	test.Results = []*model.TestResult{res}

	r.OnBegin(run)
	r.OnTestEnd(test, res)
	r.OnEnd()

	data, err := os.ReadFile(filepath.Join(dir, "report.json"))
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("invalid report json: %v", err)
	}
	if report["runId"] != "run-1" {
		t.Errorf("expected runId run-1, got %v", report["runId"])
	}
	tests, ok := report["tests"].([]any)
	if !ok || len(tests) != 1 {
		t.Fatalf("expected one test entry, got %v", report["tests"])
	}
	entry := tests[0].(map[string]any)
	if entry["outcome"] != "expected" {
		t.Errorf("expected outcome expected, got %v", entry["outcome"])
	}
	cfgMap, ok := report["config"].(map[string]any)
	if !ok {
		t.Fatalf("expected config snapshot, got %v", report["config"])
	}
	if cfgMap["workers"] != float64(2) {
		t.Errorf("expected workers 2 in snapshot, got %v", cfgMap["workers"])
	}
}
