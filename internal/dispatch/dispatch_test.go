package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"testplane/internal/config"
	"testplane/internal/ipc"
	"testplane/internal/model"
	"testplane/internal/planner"
	"testplane/internal/report"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTest(id, title string, retries int) *model.Test {
	suite := &model.Suite{Title: "root"}
	return &model.Test{
		ID:             id,
		Spec:           &model.Spec{Title: title, File: "tests/a.test", Parent: suite},
		Project:        &model.Project{Name: "web", Timeout: time.Second},
		ExpectedStatus: model.StatusPassed,
		Retries:        retries,
		Timeout:        time.Second,
	}
}

func newDispatcher(t *testing.T, tests ...*model.Test) *Dispatcher {
	t.Helper()
	bucket := &planner.Bucket{
		Project: &model.Project{Name: "web", Timeout: time.Second},
		File:    "tests/a.test",
		Tests:   tests,
	}
	plan := &planner.Plan{Tests: tests, Buckets: []*planner.Bucket{bucket}}
	cfg := &config.Config{Workers: 2}
	rep := report.NewMultiplexer(testLogger())
	return New(cfg, plan, rep, testLogger(), nil, "run-test")
}

func TestJobFromBucket(t *testing.T) {
	a := newTest("t1", "one", 0)
	b := newTest("t2", "two", 0)
	b.ExpectedStatus = model.StatusSkipped
	bucket := &planner.Bucket{
		Project:         a.Project,
		File:            "tests/a.test",
		RepeatEachIndex: 1,
		Variation:       model.Variation{"browser": "firefox"},
		VariationString: "browser=firefox",
		Tests:           []*model.Test{a, b},
	}

	j := jobFromBucket(bucket)
	if j.affinityKey() != bucket.AffinityKey() {
		t.Errorf("job affinity %q does not match bucket %q", j.affinityKey(), bucket.AffinityKey())
	}

	payload := j.runPayload()
	if payload.File != "tests/a.test" || payload.RepeatEachIndex != 1 {
		t.Errorf("unexpected payload header %+v", payload)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}
	if payload.Entries[0].TestID != "t1" || payload.Entries[0].Retry != 0 {
		t.Errorf("unexpected first entry %+v", payload.Entries[0])
	}
	if !payload.Entries[1].Skipped {
		t.Error("expected statically skipped entry to be marked")
	}
	if payload.Entries[0].TimeoutMs != 1000 {
		t.Errorf("expected timeout 1000ms, got %d", payload.Entries[0].TimeoutMs)
	}
}

func TestPickSlot_PrefersAffinityThenDeadThenIdle(t *testing.T) {
	d := newDispatcher(t, newTest("t1", "one", 0))
	j := jobFromBucket(d.plan.Buckets[0])
	key := j.affinityKey()

	matching := &slot{index: 0, state: slotIdle, affinity: key}
	dead := &slot{index: 1, state: slotDead}
	mismatched := &slot{index: 2, state: slotIdle, affinity: "other"}

	d.slots = []*slot{mismatched, dead, matching}
	if got := d.pickSlot(j); got != matching {
		t.Errorf("expected matching idle slot, got %d", got.index)
	}

	d.slots = []*slot{mismatched, dead}
	if got := d.pickSlot(j); got != dead {
		t.Errorf("expected dead slot over mismatched idle, got %d", got.index)
	}

	d.slots = []*slot{mismatched}
	if got := d.pickSlot(j); got != mismatched {
		t.Errorf("expected mismatched idle slot as last resort, got %d", got.index)
	}

	d.slots = []*slot{{index: 0, state: slotAssigned}}
	if got := d.pickSlot(j); got != nil {
		t.Errorf("expected no slot when all busy, got %d", got.index)
	}
}

// A worker that just finished one repeat of a file must not be handed
// the next repeat: that would run a second beforeAll/afterAll sequence
// in the same process.
func TestPickSlot_RepeatOfSameFileAvoidsWarmWorker(t *testing.T) {
	test0 := newTest("t1", "one", 0)
	test1 := newTest("t1-repeat1", "one", 0)
	project := test0.Project
	bucket0 := &planner.Bucket{Project: project, File: "tests/a.test", RepeatEachIndex: 0, Tests: []*model.Test{test0}}
	bucket1 := &planner.Bucket{Project: project, File: "tests/a.test", RepeatEachIndex: 1, Tests: []*model.Test{test1}}

	j0 := jobFromBucket(bucket0)
	j1 := jobFromBucket(bucket1)
	if j0.affinityKey() == j1.affinityKey() {
		t.Fatal("expected repeats of the same file to have distinct affinity keys")
	}

	d := newDispatcher(t, test0, test1)
	warm := &slot{index: 0, state: slotIdle, affinity: j0.affinityKey()}
	dead := &slot{index: 1, state: slotDead}
	d.slots = []*slot{warm, dead}

	if got := d.pickSlot(j1); got != dead {
		t.Errorf("expected a fresh slot for the next repeat, got %d", got.index)
	}
}

func TestStartJob_EmitsBucketSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("testplane/dispatch")

	d := newDispatcher(t, newTest("t1", "one", 0))
	j := jobFromBucket(d.plan.Buckets[0])
	s := &slot{index: 3, state: slotIdle, conn: ipc.NewConn(bytes.NewReader(nil), io.Discard)}

	d.startJob(context.Background(), tracer, s, j)
	if _, ok := d.spans[3]; !ok {
		t.Fatal("expected a span tracked for the assigned slot")
	}
	d.endSpan(s)
	if _, ok := d.spans[3]; ok {
		t.Error("expected endSpan to release the tracked span")
	}

	ended := rec.Ended()
	if len(ended) != 1 || ended[0].Name() != "bucket" {
		t.Fatalf("expected one ended bucket span, got %d", len(ended))
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if got := attrs["bucket.file"].AsString(); got != "tests/a.test" {
		t.Errorf("expected bucket.file attribute, got %q", got)
	}
	if got := attrs["worker.index"].AsInt64(); got != 3 {
		t.Errorf("expected worker.index 3, got %d", got)
	}
}

func TestRemainingEntries(t *testing.T) {
	a := newTest("t1", "one", 0)
	b := newTest("t2", "two", 0)
	c := newTest("t3", "three", 0)
	s := &slot{
		job:      &job{entries: []jobEntry{{test: a}, {test: b, retry: 1}, {test: c}}},
		finished: map[string]bool{"t1": true},
		inflight: "t2",
	}

	remaining := s.remainingEntries()
	if len(remaining) != 1 || remaining[0].test.ID != "t3" {
		t.Errorf("expected only the unstarted entry, got %+v", remaining)
	}

	s.job = nil
	if got := s.remainingEntries(); got != nil {
		t.Errorf("expected nil without a job, got %+v", got)
	}
}

func TestAfterAttempt_RetryJumpsQueue(t *testing.T) {
	test := newTest("t1", "one", 2)
	d := newDispatcher(t, test)
	d.queue = append(d.queue, &job{project: test.Project, file: "tests/b.test"})

	result := &model.TestResult{Status: model.StatusFailed, Retry: 0}
	d.afterAttempt(context.Background(), test, result)

	if len(d.queue) != 3 {
		t.Fatalf("expected retry job prepended, got queue of %d", len(d.queue))
	}
	head := d.queue[0]
	if len(head.entries) != 1 || head.entries[0].test != test || head.entries[0].retry != 1 {
		t.Errorf("unexpected retry job %+v", head.entries)
	}
	if d.failures != 0 {
		t.Errorf("a retryable failure is not yet counted, got %d", d.failures)
	}
}

func TestAfterAttempt_ExhaustedRetriesCountFailure(t *testing.T) {
	test := newTest("t1", "one", 1)
	d := newDispatcher(t, test)

	result := &model.TestResult{Status: model.StatusFailed, Retry: 1}
	d.afterAttempt(context.Background(), test, result)

	if len(d.queue) != 1 {
		t.Errorf("expected no retry job, got queue of %d", len(d.queue))
	}
	if d.failures != 1 {
		t.Errorf("expected failure counted, got %d", d.failures)
	}
}

func TestAfterAttempt_ExpectedFailureNotRetried(t *testing.T) {
	test := newTest("t1", "one", 2)
	test.ExpectedStatus = model.StatusFailed
	d := newDispatcher(t, test)

	result := &model.TestResult{Status: model.StatusFailed}
	d.afterAttempt(context.Background(), test, result)

	if len(d.queue) != 1 {
		t.Errorf("a failure that was expected must not retry, queue of %d", len(d.queue))
	}
	if d.failures != 0 {
		t.Errorf("an expected failure is not unexpected, got %d", d.failures)
	}
}

func TestAfterAttempt_MaxFailuresStops(t *testing.T) {
	test := newTest("t1", "one", 0)
	d := newDispatcher(t, test)
	d.cfg.MaxFailures = 1

	result := &model.TestResult{Status: model.StatusFailed}
	d.afterAttempt(context.Background(), test, result)

	if !d.stopping {
		t.Error("expected dispatcher to begin stopping at max failures")
	}
}

func TestHandleDone_FatalFailsRemaining(t *testing.T) {
	a := newTest("t1", "one", 0)
	b := newTest("t2", "two", 0)
	d := newDispatcher(t, a, b)

	j := jobFromBucket(d.plan.Buckets[0])
	s := &slot{index: 0, state: slotAssigned, job: j, finished: map[string]bool{"t1": true}}
	d.slots = []*slot{s}

	d.handleDone(s, ipc.DonePayload{
		FatalError: &model.SerializedError{Message: "environment db unreachable"},
	})

	if !d.sawFatal {
		t.Error("expected fatal flag")
	}
	if len(a.Results) != 0 {
		t.Errorf("finished test must not be re-failed, got %v", a.Results)
	}
	if len(b.Results) != 1 || b.Results[0].Status != model.StatusFailed {
		t.Fatalf("expected unfinished test failed, got %+v", b.Results)
	}
	if b.Results[0].Error == nil || b.Results[0].Error.Message != "environment db unreachable" {
		t.Errorf("expected fatal error attached, got %+v", b.Results[0].Error)
	}
	if d.failures != 1 {
		t.Errorf("expected one failure counted, got %d", d.failures)
	}
}

func TestHandleDone_RemainingRequeued(t *testing.T) {
	a := newTest("t1", "one", 0)
	b := newTest("t2", "two", 0)
	d := newDispatcher(t, a, b)
	d.queue = nil

	j := jobFromBucket(d.plan.Buckets[0])
	s := &slot{index: 0, state: slotAssigned, job: j, finished: map[string]bool{"t1": true}}
	d.slots = []*slot{s}

	d.handleDone(s, ipc.DonePayload{
		FailedTestID: "t1",
		Remaining:    []ipc.TestEntry{{TestID: "t2", Retry: 1}, {TestID: "ghost"}},
	})

	if s.state != slotIdle {
		t.Errorf("expected slot idle after done, got %s", s.state)
	}
	if len(d.queue) != 1 {
		t.Fatalf("expected follow-up job, got queue of %d", len(d.queue))
	}
	follow := d.queue[0]
	if len(follow.entries) != 1 || follow.entries[0].test != b || follow.entries[0].retry != 1 {
		t.Errorf("expected t2 carried over with its retry counter, got %+v", follow.entries)
	}
}

func TestFollowUpJob_EmptyWhenAllUnknown(t *testing.T) {
	d := newDispatcher(t, newTest("t1", "one", 0))
	prev := jobFromBucket(d.plan.Buckets[0])

	if follow := d.followUpJob(prev, []ipc.TestEntry{{TestID: "ghost"}}); follow != nil {
		t.Errorf("expected nil follow-up for unknown tests, got %+v", follow)
	}
}

func TestHandleDisconnect_CrashAttributesInflight(t *testing.T) {
	a := newTest("t1", "one", 0)
	b := newTest("t2", "two", 0)
	d := newDispatcher(t, a, b)
	d.queue = nil

	j := jobFromBucket(d.plan.Buckets[0])
	s := &slot{index: 0, state: slotAssigned, job: j, finished: map[string]bool{}, inflight: "t1"}
	d.slots = []*slot{s}
	crashed := &model.TestResult{Retry: 0, WorkerIndex: 0}
	a.Results = append(a.Results, crashed)
	d.results["t1"] = crashed

	d.handleDisconnect(context.Background(), s)

	if s.state != slotDead {
		t.Errorf("expected slot dead, got %s", s.state)
	}
	if crashed.Status != model.StatusFailed {
		t.Errorf("expected in-flight test failed, got %s", crashed.Status)
	}
	if crashed.Error == nil || crashed.Error.Message != "worker process exited unexpectedly" {
		t.Errorf("unexpected crash error %+v", crashed.Error)
	}
	if len(d.queue) != 1 {
		t.Fatalf("expected remainder requeued, got queue of %d", len(d.queue))
	}
	if entries := d.queue[0].entries; len(entries) != 1 || entries[0].test != b {
		t.Errorf("expected only the unstarted test requeued, got %+v", entries)
	}
}

func TestHandleDisconnect_IdleWorkerIsQuiet(t *testing.T) {
	d := newDispatcher(t, newTest("t1", "one", 0))
	d.queue = nil
	s := &slot{index: 0, state: slotIdle}
	d.slots = []*slot{s}

	d.handleDisconnect(context.Background(), s)

	if s.state != slotDead {
		t.Errorf("expected slot dead, got %s", s.state)
	}
	if len(d.queue) != 0 {
		t.Errorf("an idle disconnect must not queue work, got %d", len(d.queue))
	}
}

func TestHandleEvent_StaleGenerationDropped(t *testing.T) {
	test := newTest("t1", "one", 0)
	d := newDispatcher(t, test)
	s := &slot{index: 0, state: slotAssigned, gen: 2, job: jobFromBucket(d.plan.Buckets[0]), finished: map[string]bool{}}
	d.slots = []*slot{s}

	d.handleEvent(context.Background(), event{slot: s, gen: 1, err: io.EOF})

	if s.state != slotAssigned {
		t.Errorf("stale event must not touch the slot, got %s", s.state)
	}
}

func TestFinished(t *testing.T) {
	d := newDispatcher(t, newTest("t1", "one", 0))
	d.slots = []*slot{{state: slotUnspawned}}

	if d.finished() {
		t.Error("queued work means not finished")
	}
	d.queue = nil
	if !d.finished() {
		t.Error("empty queue and no busy slot means finished")
	}
	d.slots[0].state = slotAssigned
	if d.finished() {
		t.Error("an assigned slot means not finished")
	}
	d.slots[0].state = slotIdle
	d.queue = []*job{{}}
	d.stopping = true
	if !d.finished() {
		t.Error("stopping ignores the queue")
	}
}

func TestPassed(t *testing.T) {
	ok := newTest("t1", "one", 0)
	ok.Results = []*model.TestResult{{Status: model.StatusPassed}}
	bad := newTest("t2", "two", 0)
	bad.Results = []*model.TestResult{{Status: model.StatusFailed}}

	d := newDispatcher(t, ok)
	if !d.passed() {
		t.Error("expected run with only expected outcomes to pass")
	}

	d = newDispatcher(t, ok, bad)
	if d.passed() {
		t.Error("expected unexpected outcome to fail the run")
	}

	d = newDispatcher(t, ok)
	d.interrupted = true
	if d.passed() {
		t.Error("an interrupted run never passes")
	}

	d = newDispatcher(t, ok)
	d.sawFatal = true
	if d.passed() {
		t.Error("a fatal error fails the run")
	}
}

func TestGraceTimer_DefaultsWhenUnset(t *testing.T) {
	timer := graceTimer(0)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Error("default grace window fired immediately")
	case <-time.After(10 * time.Millisecond):
	}
}
