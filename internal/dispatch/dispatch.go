// Package dispatch drives the planned workload through a bounded pool
// of worker processes: it assigns buckets to workers, surfaces results
// to the reporter fan-out, retries failures and recovers from crashes.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"testplane/internal/config"
	"testplane/internal/ipc"
	"testplane/internal/model"
	"testplane/internal/observability"
	"testplane/internal/planner"
	"testplane/internal/report"
)

// jobEntry is one scheduled test attempt within a job.
type jobEntry struct {
	test  *model.Test
	retry int
}

// job is the dispatcher's unit of assignment: a bucket, a retry, or the
// remainder of a crashed bucket.
type job struct {
	project         *model.Project
	file            string
	repeatEachIndex int
	variation       model.Variation
	variationString string
	entries         []jobEntry
}

// affinityKey identifies the worker-scoped state the job needs. Jobs
// with equal keys can reuse a live worker process. The repeat index is
// part of the key so a worker never receives two repeats of the same
// file; each repeat runs its own beforeAll/afterAll sequence.
func (j *job) affinityKey() string {
	return fmt.Sprintf("%s\x00%s\x00%d", j.project.Name, j.variation.Hash(), j.repeatEachIndex)
}

func (j *job) runPayload() ipc.RunPayload {
	entries := make([]ipc.TestEntry, 0, len(j.entries))
	for _, e := range j.entries {
		entries = append(entries, ipc.TestEntry{
			TestID:         e.test.ID,
			Retry:          e.retry,
			ExpectedStatus: e.test.ExpectedStatus,
			Skipped:        e.test.ExpectedStatus == model.StatusSkipped,
			TimeoutMs:      e.test.Timeout.Milliseconds(),
		})
	}
	return ipc.RunPayload{
		File:            j.file,
		Entries:         entries,
		Variation:       j.variation,
		VariationString: j.variationString,
		RepeatEachIndex: j.repeatEachIndex,
	}
}

func jobFromBucket(b *planner.Bucket) *job {
	j := &job{
		project:         b.Project,
		file:            b.File,
		repeatEachIndex: b.RepeatEachIndex,
		variation:       b.Variation,
		variationString: b.VariationString,
	}
	for _, t := range b.Tests {
		j.entries = append(j.entries, jobEntry{test: t})
	}
	return j
}

// Result summarizes how the run ended.
type Result struct {
	Passed      bool
	Interrupted bool
	TimedOut    bool
}

// Dispatcher owns the worker pool for one run. Not safe for concurrent
// use; Run is called once.
type Dispatcher struct {
	cfg     *config.Config
	plan    *planner.Plan
	rep     *report.Multiplexer
	log     *slog.Logger
	metrics *observability.RunMetrics
	runID   string
	exe     string

	events  chan event
	kick    chan struct{}
	queue   []*job
	slots   []*slot
	tests   map[string]*model.Test
	results map[string]*model.TestResult
	spans   map[int]trace.Span

	failures    int
	stopping    bool
	interrupted bool
	timedOut    bool
	sawFatal    bool

	respawn *rate.Limiter
}

// New creates a dispatcher for the given plan. metrics may be nil.
func New(cfg *config.Config, plan *planner.Plan, rep *report.Multiplexer, log *slog.Logger, metrics *observability.RunMetrics, runID string) *Dispatcher {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	if metrics == nil {
		// A zero RunMetrics has nil counters, which Record skips.
		metrics = &observability.RunMetrics{}
	}
	d := &Dispatcher{
		cfg:     cfg,
		plan:    plan,
		rep:     rep,
		log:     log,
		metrics: metrics,
		runID:   runID,
		exe:     exe,
		events:  make(chan event, 64),
		kick:    make(chan struct{}, 1),
		tests:   make(map[string]*model.Test),
		results: make(map[string]*model.TestResult),
		spans:   make(map[int]trace.Span),
		respawn: rate.NewLimiter(rate.Every(time.Second), 4),
	}
	for _, t := range plan.Tests {
		d.tests[t.ID] = t
	}
	for _, b := range plan.Buckets {
		d.queue = append(d.queue, jobFromBucket(b))
	}
	poolSize := cfg.Workers
	if len(plan.Buckets) < poolSize {
		poolSize = len(plan.Buckets)
	}
	for i := 0; i < poolSize; i++ {
		d.slots = append(d.slots, &slot{index: i})
	}
	return d
}

// Run executes the workload. It blocks until the queue drains, the
// global deadline fires, maxFailures is reached or SIGINT arrives.
func (d *Dispatcher) Run(ctx context.Context) Result {
	tracer := otel.Tracer("testplane/dispatch")
	ctx, runSpan := tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", d.runID),
		attribute.Int("run.tests", len(d.plan.Tests)),
		attribute.Int("run.buckets", len(d.plan.Buckets)),
	))
	defer runSpan.End()

	d.cleanOutputDirs()

	d.rep.OnBegin(&report.Run{RunID: d.runID, Config: d.cfg, Plan: d.plan, Started: time.Now()})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var deadline <-chan time.Time
	if d.cfg.GlobalTimeout > 0 {
		timer := time.NewTimer(d.cfg.GlobalTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for !d.finished() {
		d.schedule(ctx, tracer)
		if d.finished() {
			break
		}
		select {
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
		case <-sigCh:
			d.log.Info("interrupt received, stopping new assignments")
			d.interrupted = true
			d.beginStop()
		case <-deadline:
			d.log.Warn("global timeout reached, killing workers")
			d.timedOut = true
			d.stopping = true
			for _, s := range d.slots {
				if s.live() {
					s.kill()
				}
			}
		case <-d.kick:
		}
	}

	d.shutdown()

	if d.timedOut {
		d.rep.OnTimeout()
	} else {
		d.rep.OnEnd()
	}

	return Result{
		Passed:      d.passed(),
		Interrupted: d.interrupted,
		TimedOut:    d.timedOut,
	}
}

// cleanOutputDirs removes each project's output directory once before
// any worker writes into it.
func (d *Dispatcher) cleanOutputDirs() {
	seen := make(map[string]bool)
	for _, p := range d.cfg.Projects {
		if p.OutputDir == "" || seen[p.OutputDir] {
			continue
		}
		seen[p.OutputDir] = true
		if err := os.RemoveAll(p.OutputDir); err != nil {
			d.log.Warn("clean output dir", "dir", p.OutputDir, "error", err)
		}
	}
}

// finished reports whether the scheduling loop can exit: nothing queued
// (or assignment stopped) and no slot mid-initialization or mid-bucket.
func (d *Dispatcher) finished() bool {
	if !d.stopping && len(d.queue) > 0 {
		return false
	}
	for _, s := range d.slots {
		if s.state == slotInitializing || s.state == slotAssigned {
			return false
		}
	}
	return true
}

func (d *Dispatcher) passed() bool {
	if d.interrupted || d.timedOut || d.sawFatal {
		return false
	}
	if d.cfg.MaxFailures > 0 && d.failures >= d.cfg.MaxFailures {
		return false
	}
	for _, t := range d.plan.Tests {
		if len(t.Results) > 0 && !t.OK() {
			return false
		}
	}
	return true
}

// schedule assigns queued jobs to slots until the queue head has no
// usable slot. Strict FIFO with affinity preference: an idle worker
// that already holds the job's worker-scoped state is reused; otherwise
// a dead or mismatched slot is respawned.
func (d *Dispatcher) schedule(ctx context.Context, tracer trace.Tracer) {
	if d.stopping {
		return
	}
	for len(d.queue) > 0 {
		j := d.queue[0]
		s := d.pickSlot(j)
		if s == nil {
			return
		}
		if s.live() && s.state == slotIdle && s.affinity == j.affinityKey() {
			d.queue = d.queue[1:]
			d.startJob(ctx, tracer, s, j)
			continue
		}
		// Needs a fresh process: throttle respawns so a crash loop
		// cannot turn into a spawn storm.
		if res := d.respawn.Reserve(); res.Delay() > 0 {
			res.Cancel()
			time.AfterFunc(50*time.Millisecond, d.kickSchedule)
			return
		}
		if s.live() {
			s.kill()
		}
		d.queue = d.queue[1:]
		loader := ipc.Loader{Project: projectSnapshot(j.project), UpdateSnapshots: d.cfg.UpdateSnapshots}
		if err := s.spawn(d.exe, loader, d.events, d.log); err != nil {
			d.log.Error("spawn worker", "slot", s.index, "error", err)
			d.rep.OnError(model.SerializeError(err))
			d.sawFatal = true
			d.failBucket(j, model.SerializeError(err))
			continue
		}
		d.metrics.Record(ctx, d.metrics.WorkersSpawned, 1)
		s.affinity = j.affinityKey()
		s.job = j // sent as run once ready arrives
	}
}

// pickSlot chooses the best slot for a job: idle with matching
// affinity, then unspawned or dead, then idle with mismatched affinity.
func (d *Dispatcher) pickSlot(j *job) *slot {
	key := j.affinityKey()
	var dead, mismatched *slot
	for _, s := range d.slots {
		switch {
		case s.state == slotIdle && s.affinity == key:
			return s
		case (s.state == slotUnspawned || s.state == slotDead) && dead == nil:
			dead = s
		case s.state == slotIdle && mismatched == nil:
			mismatched = s
		}
	}
	if dead != nil {
		return dead
	}
	return mismatched
}

func (d *Dispatcher) kickSchedule() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) startJob(ctx context.Context, tracer trace.Tracer, s *slot, j *job) {
	_, span := tracer.Start(ctx, "bucket", trace.WithAttributes(
		attribute.String("bucket.project", j.project.Name),
		attribute.String("bucket.file", j.file),
		attribute.Int("bucket.tests", len(j.entries)),
		attribute.Int("worker.index", s.index),
	))
	d.spans[s.index] = span
	if err := s.assign(j); err != nil {
		// The pump reports the disconnect; requeue so the bucket is
		// not lost.
		d.log.Warn("assign bucket", "slot", s.index, "error", err)
		d.queue = append([]*job{j}, d.queue...)
		s.job = nil
	}
}

func (d *Dispatcher) endSpan(s *slot) {
	if span, ok := d.spans[s.index]; ok {
		span.End()
		delete(d.spans, s.index)
	}
}

// beginStop stops new assignments and asks live workers to wind down.
func (d *Dispatcher) beginStop() {
	d.stopping = true
	for _, s := range d.slots {
		if s.live() {
			s.stop()
		}
	}
}

// handleEvent processes one worker message or disconnect.
func (d *Dispatcher) handleEvent(ctx context.Context, ev event) {
	s := ev.slot
	if ev.gen != s.gen {
		return
	}
	if ev.err != nil {
		d.handleDisconnect(ctx, s)
		return
	}

	switch ev.env.Type {
	case ipc.MsgReady:
		if s.state == slotInitializing && s.job != nil {
			j := s.job
			s.job = nil
			d.startJob(ctx, otel.Tracer("testplane/dispatch"), s, j)
		} else if s.state == slotInitializing {
			s.state = slotIdle
		}

	case ipc.MsgTestBegin:
		payload, err := ipc.Decode[ipc.TestBeginPayload](ev.env)
		if err != nil {
			d.protocolError(s, err)
			return
		}
		d.handleTestBegin(ctx, s, payload)

	case ipc.MsgStdOut, ipc.MsgStdErr:
		payload, err := ipc.Decode[ipc.OutputPayload](ev.env)
		if err != nil {
			d.protocolError(s, err)
			return
		}
		d.handleOutput(ev.env.Type, payload)

	case ipc.MsgTestEnd:
		payload, err := ipc.Decode[ipc.TestEndPayload](ev.env)
		if err != nil {
			d.protocolError(s, err)
			return
		}
		d.handleTestEnd(ctx, s, payload)

	case ipc.MsgDone:
		payload, err := ipc.Decode[ipc.DonePayload](ev.env)
		if err != nil {
			d.protocolError(s, err)
			return
		}
		d.handleDone(s, payload)

	case ipc.MsgTeardownError:
		payload, err := ipc.Decode[ipc.TeardownErrorPayload](ev.env)
		if err != nil {
			d.protocolError(s, err)
			return
		}
		d.rep.OnError(&payload.Error)

	default:
		d.log.Warn("unknown message from worker", "slot", s.index, "type", ev.env.Type)
	}
}

// protocolError handles an unparseable message: the channel is no
// longer trustworthy, so the worker is killed and treated as crashed.
func (d *Dispatcher) protocolError(s *slot, err error) {
	d.log.Error("worker protocol error", "slot", s.index, "error", err)
	s.kill()
}

func (d *Dispatcher) handleTestBegin(ctx context.Context, s *slot, payload ipc.TestBeginPayload) {
	test, ok := d.tests[payload.TestID]
	if !ok {
		d.log.Warn("testBegin for unknown test", "test_id", payload.TestID)
		return
	}
	retry := 0
	if s.job != nil {
		for _, e := range s.job.entries {
			if e.test.ID == payload.TestID {
				retry = e.retry
				break
			}
		}
	}
	result := &model.TestResult{Retry: retry, WorkerIndex: s.index}
	test.Results = append(test.Results, result)
	d.results[payload.TestID] = result
	s.begun[payload.TestID] = true
	s.inflight = payload.TestID
	d.metrics.Record(ctx, d.metrics.TestsRun, 1)
	d.rep.OnTestBegin(test, result)
}

func (d *Dispatcher) handleOutput(t ipc.MessageType, payload ipc.OutputPayload) {
	chunk := model.OutputChunk{Text: payload.Text, Buffer: payload.Buffer}
	var test *model.Test
	if payload.TestID != "" {
		test = d.tests[payload.TestID]
		if result := d.results[payload.TestID]; result != nil {
			if t == ipc.MsgStdOut {
				result.Stdout = append(result.Stdout, chunk)
			} else {
				result.Stderr = append(result.Stderr, chunk)
			}
		}
	}
	if t == ipc.MsgStdOut {
		d.rep.OnStdOut(test, chunk)
	} else {
		d.rep.OnStdErr(test, chunk)
	}
}

func (d *Dispatcher) handleTestEnd(ctx context.Context, s *slot, payload ipc.TestEndPayload) {
	test, ok := d.tests[payload.TestID]
	if !ok {
		return
	}
	result := d.results[payload.TestID]
	if result == nil {
		result = &model.TestResult{WorkerIndex: s.index}
		test.Results = append(test.Results, result)
	}
	delete(d.results, payload.TestID)
	result.Duration = time.Duration(payload.DurationMs) * time.Millisecond
	result.Status = payload.Status
	result.Error = payload.Error
	result.Data = payload.Data

	s.finished[payload.TestID] = true
	if s.inflight == payload.TestID {
		s.inflight = ""
	}

	switch payload.Status {
	case model.StatusPassed:
		d.metrics.Record(ctx, d.metrics.TestsPassed, 1)
	case model.StatusSkipped:
		d.metrics.Record(ctx, d.metrics.TestsSkipped, 1)
	default:
		d.metrics.Record(ctx, d.metrics.TestsFailed, 1)
	}

	d.rep.OnTestEnd(test, result)
	d.afterAttempt(ctx, test, result)
}

// afterAttempt applies retry accounting and failure limits once an
// attempt has settled, whether reported by the worker or synthesized
// after a crash.
func (d *Dispatcher) afterAttempt(ctx context.Context, test *model.Test, result *model.TestResult) {
	retryable := test.ExpectedStatus == model.StatusPassed &&
		(result.Status == model.StatusFailed || result.Status == model.StatusTimedOut)
	if retryable && result.Retry < test.Retries && !d.stopping {
		// Retries jump the queue for responsiveness.
		retryJob := &job{
			project:         test.Project,
			file:            test.Spec.File,
			repeatEachIndex: test.RepeatEachIndex,
			variation:       test.Variation,
			variationString: test.VariationString,
			entries:         []jobEntry{{test: test, retry: result.Retry + 1}},
		}
		d.queue = append([]*job{retryJob}, d.queue...)
		d.metrics.Record(ctx, d.metrics.TestsRetried, 1)
		return
	}

	unexpected := result.Status != model.StatusSkipped && result.Status != test.ExpectedStatus
	if unexpected {
		d.failures++
		if d.cfg.MaxFailures > 0 && d.failures >= d.cfg.MaxFailures && !d.stopping {
			d.log.Info("max failures reached, stopping", "failures", d.failures)
			d.beginStop()
		}
	}
}

func (d *Dispatcher) handleDone(s *slot, payload ipc.DonePayload) {
	d.endSpan(s)
	job := s.job
	s.job = nil
	s.inflight = ""
	s.state = slotIdle

	if payload.FatalError != nil {
		d.sawFatal = true
		d.rep.OnError(payload.FatalError)
		if job != nil {
			d.failRemaining(job, s, payload.FatalError)
		}
		// The worker is not trustworthy after a fatal error.
		s.stop()
		return
	}

	if len(payload.Remaining) > 0 && job != nil && !d.stopping {
		if follow := d.followUpJob(job, payload.Remaining); follow != nil {
			d.queue = append([]*job{follow}, d.queue...)
		}
	}
}

// followUpJob rebuilds a job from the entries a worker reported as
// unexecuted. Retry counters carry over unchanged.
func (d *Dispatcher) followUpJob(prev *job, remaining []ipc.TestEntry) *job {
	follow := &job{
		project:         prev.project,
		file:            prev.file,
		repeatEachIndex: prev.repeatEachIndex,
		variation:       prev.variation,
		variationString: prev.variationString,
	}
	for _, e := range remaining {
		if test, ok := d.tests[e.TestID]; ok {
			follow.entries = append(follow.entries, jobEntry{test: test, retry: e.Retry})
		}
	}
	if len(follow.entries) == 0 {
		return nil
	}
	return follow
}

// failRemaining marks every unfinished test of a fatally errored bucket
// failed without retry.
func (d *Dispatcher) failRemaining(j *job, s *slot, fatal *model.SerializedError) {
	for _, e := range j.entries {
		if s.finished[e.test.ID] {
			continue
		}
		if e.test.ExpectedStatus == model.StatusSkipped {
			continue
		}
		result := d.results[e.test.ID]
		if result == nil {
			result = &model.TestResult{Retry: e.retry, WorkerIndex: s.index}
			e.test.Results = append(e.test.Results, result)
			d.rep.OnTestBegin(e.test, result)
		}
		delete(d.results, e.test.ID)
		result.Status = model.StatusFailed
		result.Error = fatal
		d.failures++
		d.rep.OnTestEnd(e.test, result)
	}
	if d.cfg.MaxFailures > 0 && d.failures >= d.cfg.MaxFailures && !d.stopping {
		d.beginStop()
	}
}

// failBucket handles a bucket whose worker could not even be spawned.
func (d *Dispatcher) failBucket(j *job, fatal *model.SerializedError) {
	for _, e := range j.entries {
		if e.test.ExpectedStatus == model.StatusSkipped {
			continue
		}
		result := &model.TestResult{Retry: e.retry}
		e.test.Results = append(e.test.Results, result)
		result.Status = model.StatusFailed
		result.Error = fatal
		d.failures++
		d.rep.OnTestBegin(e.test, result)
		d.rep.OnTestEnd(e.test, result)
	}
}

// handleDisconnect deals with a worker that went away. Without a prior
// done message this is a crash: the in-flight test is attributed a
// failure and the rest of the bucket is rescheduled on a fresh worker.
func (d *Dispatcher) handleDisconnect(ctx context.Context, s *slot) {
	d.endSpan(s)
	wasAssigned := s.state == slotAssigned
	job := s.job
	inflight := s.inflight
	remaining := s.remainingEntries()
	s.markDead()
	s.job = nil
	s.inflight = ""

	if !wasAssigned {
		return
	}

	d.metrics.Record(ctx, d.metrics.WorkersCrashed, 1)
	d.log.Warn("worker exited mid-bucket", "slot", s.index, "file", job.file)

	if inflight != "" {
		if test, ok := d.tests[inflight]; ok {
			result := d.results[inflight]
			if result == nil {
				result = &model.TestResult{WorkerIndex: s.index}
				test.Results = append(test.Results, result)
			}
			delete(d.results, inflight)
			result.Status = model.StatusFailed
			result.Error = &model.SerializedError{Message: "worker process exited unexpectedly"}
			d.metrics.Record(ctx, d.metrics.TestsFailed, 1)
			d.rep.OnTestEnd(test, result)
			d.afterAttempt(ctx, test, result)
		}
	}

	if len(remaining) > 0 && !d.stopping {
		follow := &job{
			project:         job.project,
			file:            job.file,
			repeatEachIndex: job.repeatEachIndex,
			variation:       job.variation,
			variationString: job.variationString,
			entries:         remaining,
		}
		d.queue = append([]*job{follow}, d.queue...)
	}
}

// shutdown winds the pool down: stop every live worker, wait up to the
// grace window for them to disconnect, then kill the stragglers.
// Teardown errors arriving during the drain still reach reporters.
func (d *Dispatcher) shutdown() {
	var live int
	for _, s := range d.slots {
		if s.live() {
			s.stop()
			live++
		}
	}
	if live == 0 {
		return
	}

	timer := graceTimer(d.cfg.ShutdownGrace)
	defer timer.Stop()
	for live > 0 {
		select {
		case ev := <-d.events:
			if ev.gen != ev.slot.gen {
				continue
			}
			if ev.err != nil {
				ev.slot.markDead()
				live--
				continue
			}
			if ev.env.Type == ipc.MsgTeardownError {
				if payload, err := ipc.Decode[ipc.TeardownErrorPayload](ev.env); err == nil {
					d.rep.OnError(&payload.Error)
				}
			}
		case <-timer.C:
			for _, s := range d.slots {
				if s.live() {
					d.log.Warn("worker did not exit in time, killing", "slot", s.index)
					s.kill()
				}
			}
			return
		}
	}
}

func projectSnapshot(p *model.Project) ipc.ProjectSnapshot {
	return ipc.ProjectSnapshot{
		Name:         p.Name,
		TestDir:      p.TestDir,
		Retries:      p.Retries,
		TimeoutMs:    p.Timeout.Milliseconds(),
		OutputDir:    p.OutputDir,
		SnapshotDir:  p.SnapshotDir,
		Use:          p.Use,
		Environments: p.Environments,
	}
}
