package model

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// SkipError is panicked by TestInfo.Skip and recovered by the worker
// runtime, transitioning the attempt to skipped.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	if e.Reason == "" {
		return "test skipped"
	}
	return "test skipped: " + e.Reason
}

// TestInfo is the mutable per-attempt scratch passed into user hooks and
// test bodies. It is created immediately before beforeEach and discarded
// after afterEach and the environment afterEach complete. It is owned
// exclusively by the worker running the attempt and must not be retained.
type TestInfo struct {
	TestID          string
	Title           string
	FullTitle       string
	File            string
	Line            int
	ProjectName     string
	WorkerIndex     int
	Retry           int
	RepeatEachIndex int
	ExpectedStatus  Status

	// Status and Error reflect the attempt so far; afterEach hooks may
	// inspect them.
	Status Status
	Error  *SerializedError

	// Data is carried onto the TestResult verbatim.
	Data map[string]any

	mu          sync.Mutex
	annotations []Annotation
	timeout     time.Duration
	deadline    time.Time
	resetCh     chan struct{}

	outputDir   string
	snapshotDir string
	outputBase  string // computed lazily, created on first OutputPath
	outputOnce  sync.Once
	outputErr   error
}

// NewTestInfo builds the scratch record for one attempt. outputDir and
// snapshotDir are the project-level roots; per-test paths are derived on
// demand.
func NewTestInfo(t *Test, retry, workerIndex int, outputDir, snapshotDir string) *TestInfo {
	ti := &TestInfo{
		TestID:          t.ID,
		Title:           t.Spec.Title,
		FullTitle:       t.Spec.FullTitle(),
		File:            t.Spec.File,
		Line:            t.Spec.Line,
		ProjectName:     t.Project.Name,
		WorkerIndex:     workerIndex,
		Retry:           retry,
		RepeatEachIndex: t.RepeatEachIndex,
		ExpectedStatus:  t.ExpectedStatus,
		Status:          StatusPassed,
		Data:            make(map[string]any),
		annotations:     append([]Annotation(nil), t.Annotations...),
		timeout:         t.Timeout,
		outputDir:       outputDir,
		snapshotDir:     snapshotDir,
		resetCh:         make(chan struct{}, 1),
	}
	return ti
}

// StartDeadline arms the attempt deadline. A zero timeout disables it.
func (ti *TestInfo) StartDeadline(now time.Time) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.timeout > 0 {
		ti.deadline = now.Add(ti.timeout)
	}
}

// Remaining returns the time left before the deadline and whether a
// deadline is armed at all.
func (ti *TestInfo) Remaining(now time.Time) (time.Duration, bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	if ti.deadline.IsZero() {
		return 0, false
	}
	return ti.deadline.Sub(now), true
}

// ResetDeadline re-arms a fresh full-length deadline. The worker uses it
// to race teardown after a timeout so cleanup cannot hang.
func (ti *TestInfo) ResetDeadline(now time.Time) {
	ti.mu.Lock()
	if ti.timeout > 0 {
		ti.deadline = now.Add(ti.timeout)
	}
	ti.mu.Unlock()
	ti.pokeReset()
}

// ResetCh signals that the deadline moved and any in-flight race must
// re-evaluate its timer.
func (ti *TestInfo) ResetCh() <-chan struct{} { return ti.resetCh }

func (ti *TestInfo) pokeReset() {
	select {
	case ti.resetCh <- struct{}{}:
	default:
	}
}

// Timeout returns the effective per-test timeout.
func (ti *TestInfo) Timeout() time.Duration {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.timeout
}

// SetTimeout changes the effective timeout and re-derives the deadline
// from the original start point.
func (ti *TestInfo) SetTimeout(d time.Duration) {
	ti.mu.Lock()
	if !ti.deadline.IsZero() {
		start := ti.deadline.Add(-ti.timeout)
		if d > 0 {
			ti.deadline = start.Add(d)
		} else {
			ti.deadline = time.Time{}
		}
	}
	ti.timeout = d
	ti.mu.Unlock()
	ti.pokeReset()
}

// Slow marks the test slow and triples the effective timeout.
func (ti *TestInfo) Slow() {
	ti.Annotate(Annotation{Type: AnnotationSlow})
	ti.SetTimeout(ti.Timeout() * 3)
}

// Skip aborts the current callable and marks the attempt skipped.
func (ti *TestInfo) Skip(reason string) {
	ti.Annotate(Annotation{Type: AnnotationSkip, Description: reason})
	panic(&SkipError{Reason: reason})
}

// Fixme behaves like Skip with a fixme annotation.
func (ti *TestInfo) Fixme(reason string) {
	ti.Annotate(Annotation{Type: AnnotationFixme, Description: reason})
	panic(&SkipError{Reason: reason})
}

// Fail flips the expected status to failed for the rest of the attempt.
func (ti *TestInfo) Fail() {
	ti.Annotate(Annotation{Type: AnnotationFail})
	ti.ExpectedStatus = StatusFailed
}

// Annotate appends a dynamic annotation.
func (ti *TestInfo) Annotate(a Annotation) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	ti.annotations = append(ti.annotations, a)
}

// Annotations returns a copy of the effective annotations.
func (ti *TestInfo) Annotations() []Annotation {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return append([]Annotation(nil), ti.annotations...)
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeForPath turns a spec title into a filesystem-safe path segment.
func SanitizeForPath(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// attemptDir computes the per-attempt directory name: the sanitized spec
// title plus retry and repeat suffixes so concurrent attempts never share
// a directory.
func (ti *TestInfo) attemptDir() string {
	name := SanitizeForPath(ti.Title)
	if ti.Retry > 0 {
		name += fmt.Sprintf("-retry%d", ti.Retry)
	}
	if ti.RepeatEachIndex > 0 {
		name += fmt.Sprintf("-repeat%d", ti.RepeatEachIndex)
	}
	return name
}

func stripExt(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}

// OutputPath joins the given path parts under the attempt's unique output
// directory, creating it lazily on first use.
func (ti *TestInfo) OutputPath(parts ...string) (string, error) {
	ti.outputOnce.Do(func() {
		ti.outputBase = filepath.Join(ti.outputDir, stripExt(ti.File), ti.attemptDir())
		ti.outputErr = os.MkdirAll(ti.outputBase, 0o755)
	})
	if ti.outputErr != nil {
		return "", fmt.Errorf("create output dir: %w", ti.outputErr)
	}
	return filepath.Join(append([]string{ti.outputBase}, parts...)...), nil
}

// SnapshotPath computes the snapshot location for the given name under
// the project snapshot directory. Snapshots are shared across attempts,
// so retry and repeat suffixes are excluded.
func (ti *TestInfo) SnapshotPath(name string) string {
	return filepath.Join(ti.snapshotDir, stripExt(ti.File), SanitizeForPath(ti.Title), name)
}
