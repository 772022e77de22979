package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"testplane/internal/ipc"
	"testplane/internal/model"
)

// runner executes one assignment: a depth-first traversal of the file
// suite that runs only the assigned entries, with beforeAll and
// afterAll scoped to the suites that actually have work.
type runner struct {
	w       *Worker
	fs      *model.FileSuite
	payload ipc.RunPayload

	entries  map[string]ipc.TestEntry
	ids      map[*model.Spec]string
	executed map[string]bool

	beforeAllRan map[*model.Suite]bool
	scopeErr     map[*model.Suite]*model.SerializedError

	failedTestID string
	stopped      bool
}

func newRunner(w *Worker, fs *model.FileSuite, payload ipc.RunPayload) *runner {
	r := &runner{
		w:            w,
		fs:           fs,
		payload:      payload,
		entries:      make(map[string]ipc.TestEntry, len(payload.Entries)),
		ids:          make(map[*model.Spec]string),
		executed:     make(map[string]bool),
		beforeAllRan: make(map[*model.Suite]bool),
		scopeErr:     make(map[*model.Suite]*model.SerializedError),
	}
	for _, e := range payload.Entries {
		r.entries[e.TestID] = e
	}
	r.indexSpecs(fs.Root)
	return r
}

// indexSpecs precomputes the stable id of every spec in the file so the
// traversal can match specs to assigned entries.
func (r *runner) indexSpecs(s *model.Suite) {
	for _, node := range s.Order {
		switch n := node.(type) {
		case *model.Suite:
			r.indexSpecs(n)
		case *model.Spec:
			r.ids[n] = model.TestID(r.w.project.Name, r.fs.File, n.Ordinal, r.payload.VariationString, r.payload.RepeatEachIndex)
		}
	}
}

// remaining lists the assigned entries that never executed.
func (r *runner) remaining() []ipc.TestEntry {
	var out []ipc.TestEntry
	for _, e := range r.payload.Entries {
		if !r.executed[e.TestID] {
			out = append(out, e)
		}
	}
	return out
}

func (r *runner) run(ctx context.Context) {
	r.visitSuite(ctx, r.fs.Root)
}

// hasWork reports whether any unexecuted assigned spec lives under s.
func (r *runner) hasWork(s *model.Suite) bool {
	for _, node := range s.Order {
		switch n := node.(type) {
		case *model.Suite:
			if r.hasWork(n) {
				return true
			}
		case *model.Spec:
			if id, ok := r.ids[n]; ok {
				if _, assigned := r.entries[id]; assigned && !r.executed[id] {
					return true
				}
			}
		}
	}
	return false
}

// visitSuite walks one suite in declaration order. Suites without
// assigned work are skipped entirely, hooks included. afterAll runs on
// unwind once the last spec of the scope has completed.
func (r *runner) visitSuite(ctx context.Context, suite *model.Suite) {
	if r.stopped || !r.hasWork(suite) {
		return
	}
	for _, node := range suite.Order {
		if r.stopped {
			break
		}
		switch n := node.(type) {
		case *model.Suite:
			r.visitSuite(ctx, n)
		case *model.Spec:
			id := r.ids[n]
			entry, assigned := r.entries[id]
			if !assigned || r.executed[id] {
				continue
			}
			r.runSpec(ctx, n, entry)
		}
	}
	r.closeScope(suite)
}

// ancestorChain returns the suites enclosing a spec, outermost first.
func ancestorChain(spec *model.Spec) []*model.Suite {
	var chain []*model.Suite
	for s := spec.Parent; s != nil; s = s.Parent {
		chain = append([]*model.Suite{s}, chain...)
	}
	return chain
}

// ensureBeforeAll runs the beforeAll hooks of every enclosing scope,
// outermost-first, the first time a spec needing them is reached. A
// failure poisons the scope: its remaining specs fail without running.
func (r *runner) ensureBeforeAll(chain []*model.Suite) *model.SerializedError {
	for _, s := range chain {
		if err := r.scopeErr[s]; err != nil {
			return err
		}
		if r.beforeAllRan[s] {
			continue
		}
		r.beforeAllRan[s] = true
		for _, hook := range s.BeforeAll {
			h := hook
			if err := protect(func() error { return h(r.w.workerInfo) }); err != nil {
				se := model.SerializeError(fmt.Errorf("beforeAll: %w", err))
				r.scopeErr[s] = se
				return se
			}
		}
	}
	return nil
}

// closeScope runs a suite's afterAll hooks in reverse declaration order
// once its last assigned spec has completed. Failures are reported but
// do not stop sibling scopes.
func (r *runner) closeScope(suite *model.Suite) {
	if !r.beforeAllRan[suite] {
		return
	}
	for i := len(suite.AfterAll) - 1; i >= 0; i-- {
		h := suite.AfterAll[i]
		if err := protect(func() error { return h(r.w.workerInfo) }); err != nil {
			r.w.conn.Send(ipc.MsgTeardownError, ipc.TeardownErrorPayload{
				Error: *model.SerializeError(fmt.Errorf("afterAll: %w", err)),
			})
		}
	}
}

// attempt tracks the evolving outcome of one test execution.
type attempt struct {
	ti        *model.TestInfo
	status    model.Status
	err       *model.SerializedError
	timedOut  bool
	abandoned bool
}

// fail records an error, preserving the first one.
func (a *attempt) fail(err error) {
	var skip *model.SkipError
	if errors.As(err, &skip) {
		if a.status == model.StatusPassed {
			a.status = model.StatusSkipped
		}
		return
	}
	if a.err == nil {
		a.err = model.SerializeError(err)
	}
	if a.status == model.StatusPassed || a.status == model.StatusSkipped {
		a.status = model.StatusFailed
	}
}

// markTimedOut transitions the attempt after a deadline elapsed. The
// first timeout re-arms a fresh full-length deadline so teardown cannot
// hang; a second one abandons the rest of the attempt.
func (a *attempt) markTimedOut() {
	if a.timedOut {
		a.abandoned = true
		return
	}
	a.timedOut = true
	a.status = model.StatusTimedOut
	if a.err == nil {
		a.err = &model.SerializedError{Message: fmt.Sprintf("test timed out after %s", a.ti.Timeout())}
	}
	a.ti.ResetDeadline(time.Now())
}

func (r *runner) runSpec(ctx context.Context, spec *model.Spec, entry ipc.TestEntry) {
	id := entry.TestID
	r.executed[id] = true

	annotations := model.InheritedAnnotations(spec)

	// Statically skipped specs never get a TestInfo or hooks.
	if entry.Skipped || hasSkipAnnotation(annotations) {
		r.sendTestBegin(id)
		r.w.conn.Send(ipc.MsgTestEnd, ipc.TestEndPayload{
			TestID:         id,
			Status:         model.StatusSkipped,
			ExpectedStatus: entry.ExpectedStatus,
			Annotations:    annotations,
			TimeoutMs:      entry.TimeoutMs,
		})
		return
	}

	chain := ancestorChain(spec)
	test := &model.Test{
		ID:              id,
		Spec:            spec,
		Project:         r.w.project,
		Variation:       r.payload.Variation,
		VariationString: r.payload.VariationString,
		RepeatEachIndex: r.payload.RepeatEachIndex,
		ExpectedStatus:  entry.ExpectedStatus,
		Timeout:         time.Duration(entry.TimeoutMs) * time.Millisecond,
		Annotations:     annotations,
	}
	ti := model.NewTestInfo(test, entry.Retry, r.w.index, r.w.project.OutputDir, r.w.project.SnapshotDir)

	// A poisoned scope fails the spec without running anything.
	if scopeErr := r.ensureBeforeAll(chain); scopeErr != nil {
		r.sendTestBegin(id)
		r.w.conn.Send(ipc.MsgTestEnd, ipc.TestEndPayload{
			TestID:         id,
			Status:         model.StatusFailed,
			Error:          scopeErr,
			ExpectedStatus: entry.ExpectedStatus,
			Annotations:    annotations,
			TimeoutMs:      entry.TimeoutMs,
		})
		r.noteOutcome(id, model.StatusFailed, entry.ExpectedStatus)
		return
	}

	r.w.capture.setCurrent(id)
	r.sendTestBegin(id)
	started := time.Now()
	ti.StartDeadline(started)

	a := &attempt{ti: ti, status: model.StatusPassed}
	r.executeAttempt(a, spec, chain, ti)

	r.w.capture.setCurrent("")

	status := a.status
	var wireErr *model.SerializedError
	if status != model.StatusPassed && status != model.StatusSkipped {
		wireErr = a.err
	}
	r.w.conn.Send(ipc.MsgTestEnd, ipc.TestEndPayload{
		TestID:         id,
		DurationMs:     time.Since(started).Milliseconds(),
		Status:         status,
		Error:          wireErr,
		Data:           ti.Data,
		ExpectedStatus: ti.ExpectedStatus,
		Annotations:    ti.Annotations(),
		TimeoutMs:      ti.Timeout().Milliseconds(),
	})
	r.noteOutcome(id, status, ti.ExpectedStatus)
}

// executeAttempt drives the per-test phases: environment beforeEach,
// user beforeEach outermost-first, the body, user afterEach
// innermost-first, environment afterEach in reverse. Teardown phases
// run regardless of earlier failures; a deadline elapsing abandons the
// racing callable and re-races teardown under a fresh deadline.
func (r *runner) executeAttempt(a *attempt, spec *model.Spec, chain []*model.Suite, ti *model.TestInfo) {
	args := make(model.Args, len(r.w.workerInfo.Args))
	for k, v := range r.w.workerInfo.Args {
		args[k] = v
	}

	setupOK := true

	// Environment beforeEach, forward order. envsEntered marks how many
	// get a matching afterEach later.
	envsEntered := 0
	for _, env := range r.w.envs {
		if !setupOK || a.timedOut {
			break
		}
		if env.BeforeEach == nil {
			envsEntered++
			continue
		}
		e := env
		var merged model.Args
		err, timedOut := r.race(ti, func() error {
			out, err := e.BeforeEach(ti)
			merged = out
			return err
		})
		envsEntered++
		if timedOut {
			a.markTimedOut()
			break
		}
		if err != nil {
			a.fail(fmt.Errorf("environment %s beforeEach: %w", e.Name, err))
			setupOK = false
			break
		}
		for k, v := range merged {
			args[k] = v
		}
	}

	// User beforeEach, outermost-first. First failure short-circuits
	// the rest and the body.
	if setupOK && !a.timedOut && a.status == model.StatusPassed {
	beforeEach:
		for _, s := range chain {
			for _, hook := range s.BeforeEach {
				h := hook
				err, timedOut := r.race(ti, func() error { return h(ti) })
				if timedOut {
					a.markTimedOut()
					break beforeEach
				}
				if err != nil {
					a.fail(err)
					setupOK = false
					break beforeEach
				}
			}
		}
	}

	// The body runs only when every setup phase succeeded.
	if setupOK && !a.timedOut && a.status == model.StatusPassed {
		body := spec.Body
		err, timedOut := r.race(ti, func() error { return body(args, ti) })
		if timedOut {
			a.markTimedOut()
		} else if err != nil {
			a.fail(err)
		}
	}

	// User afterEach, innermost-first. Every hook runs regardless of
	// prior failures; the first error is preserved.
	for i := len(chain) - 1; i >= 0 && !a.abandoned; i-- {
		s := chain[i]
		for j := len(s.AfterEach) - 1; j >= 0 && !a.abandoned; j-- {
			h := s.AfterEach[j]
			err, timedOut := r.race(ti, func() error { return h(ti) })
			if timedOut {
				a.markTimedOut()
				continue
			}
			if err != nil {
				a.fail(err)
			}
		}
	}

	// Environment afterEach for every environment that was entered, in
	// reverse composition order.
	for i := envsEntered - 1; i >= 0 && !a.abandoned; i-- {
		env := r.w.envs[i]
		if env.AfterEach == nil {
			continue
		}
		e := env
		err, timedOut := r.race(ti, func() error { return e.AfterEach(ti) })
		if timedOut {
			a.markTimedOut()
			continue
		}
		if err != nil {
			a.fail(fmt.Errorf("environment %s afterEach: %w", e.Name, err))
		}
	}

	// Expose the settled status and error on the TestInfo.
	ti.Status = a.status
	ti.Error = a.err
	if a.status == model.StatusSkipped {
		return
	}
}

// noteOutcome records the first unexpected failure so the dispatcher
// can apply retry accounting; the rest of the bucket is handed back.
func (r *runner) noteOutcome(id string, status, expected model.Status) {
	if status == model.StatusPassed || status == model.StatusSkipped {
		return
	}
	if status != expected {
		r.failedTestID = id
		r.stopped = true
	}
}

func (r *runner) sendTestBegin(id string) {
	r.w.conn.Send(ipc.MsgTestBegin, ipc.TestBeginPayload{TestID: id, WorkerIndex: r.w.index})
}

// race runs fn against the attempt deadline. On expiry the callable is
// abandoned and keeps running detached; the caller moves on. A moved
// deadline re-arms the timer.
func (r *runner) race(ti *model.TestInfo, fn func() error) (err error, timedOut bool) {
	done := make(chan error, 1)
	go func() { done <- protect(fn) }()
	for {
		remaining, armed := ti.Remaining(time.Now())
		if !armed {
			return <-done, false
		}
		if remaining <= 0 {
			return nil, true
		}
		timer := time.NewTimer(remaining)
		select {
		case err := <-done:
			timer.Stop()
			return err, false
		case <-ti.ResetCh():
			timer.Stop()
		case <-timer.C:
			return nil, true
		}
	}
}

func hasSkipAnnotation(annotations []model.Annotation) bool {
	for _, a := range annotations {
		if a.Type == model.AnnotationSkip || a.Type == model.AnnotationFixme {
			return true
		}
	}
	return false
}

// protect invokes fn, converting panics into errors. A skip marker
// panic surfaces as a SkipError so callers can classify it.
func protect(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recoveredError(rec)
		}
	}()
	return fn()
}

func callProtected(fn func() (model.Args, error)) (args model.Args, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = recoveredError(rec)
		}
	}()
	return fn()
}

// recoveredError shapes a recovered panic into the wire error form.
// Non-error panic values land in Value.
func recoveredError(rec any) error {
	if skip, ok := rec.(*model.SkipError); ok {
		return skip
	}
	if e, ok := rec.(error); ok {
		return &model.SerializedError{Message: e.Error(), Stack: string(debug.Stack())}
	}
	return &model.SerializedError{Value: fmt.Sprint(rec), Stack: string(debug.Stack())}
}
