// Package model defines the entities shared between the planner, the
// dispatcher and the worker runtime: projects, suites, specs, tests and
// their results.
package model

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the outcome of one test attempt.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timedOut"
	StatusSkipped  Status = "skipped"
)

// AnnotationType classifies a suite or test annotation.
type AnnotationType string

const (
	AnnotationSkip  AnnotationType = "skip"
	AnnotationFixme AnnotationType = "fixme"
	AnnotationFail  AnnotationType = "fail"
	AnnotationSlow  AnnotationType = "slow"
)

// Annotation is a static or dynamic marker attached to a suite or test.
type Annotation struct {
	Type        AnnotationType `json:"type"`
	Description string         `json:"description,omitempty"`
}

// Variation is the parameter bag a project attaches to every spec so that
// one spec produces multiple tests. Values must be JSON-serializable.
type Variation map[string]string

// String renders the variation deterministically (sorted by key) so it can
// participate in test IDs and bucket keys.
func (v Variation) String() string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v[k]))
	}
	return strings.Join(parts, ",")
}

// Hash returns a short stable hash of the variation string, used in
// worker-affinity bucket keys.
func (v Variation) Hash() string {
	sum := sha1.Sum([]byte(v.String()))
	return hex.EncodeToString(sum[:])[:10]
}

// Project is one named run configuration. Immutable for the run.
type Project struct {
	Name         string
	TestDir      string
	Match        []string
	Ignore       []string
	Retries      int
	RepeatEach   int
	Timeout      time.Duration
	OutputDir    string
	SnapshotDir  string
	Define       []Variation
	Use          map[string]string
	Environments []string
}

// Variations returns the project's configured worker variations. A project
// with an empty define list still produces one (empty) variation.
func (p *Project) Variations() []Variation {
	if len(p.Define) == 0 {
		return []Variation{nil}
	}
	return p.Define
}

// FileSuite is the root suite for one test file under one project,
// produced by the describe pass and consumed read-only afterwards.
type FileSuite struct {
	Project *Project
	File    string
	Root    *Suite
}

// Suite is a titled group of specs and child suites with scoped hooks.
type Suite struct {
	Title       string
	File        string
	Line        int
	Parent      *Suite
	Suites      []*Suite
	Specs       []*Spec
	Order       []Node // declaration order across Suites and Specs
	BeforeAll   []HookAll
	AfterAll    []HookAll
	BeforeEach  []HookEach
	AfterEach   []HookEach
	Annotations []Annotation
	Only        bool
}

// Node is either a *Suite or a *Spec, preserved in declaration order.
type Node interface{ node() }

func (*Suite) node() {}
func (*Spec) node()  {}

// TitlePath returns the ancestor suite titles from outermost to this
// suite, omitting empty root titles.
func (s *Suite) TitlePath() []string {
	var path []string
	for cur := s; cur != nil; cur = cur.Parent {
		if cur.Title != "" {
			path = append([]string{cur.Title}, path...)
		}
	}
	return path
}

// HasOnlyDescendant reports whether this suite or anything below it
// carries an only marker.
func (s *Suite) HasOnlyDescendant() bool {
	if s.Only {
		return true
	}
	for _, sp := range s.Specs {
		if sp.Only {
			return true
		}
	}
	for _, child := range s.Suites {
		if child.HasOnlyDescendant() {
			return true
		}
	}
	return false
}

// Args is the resolved argument bag handed to a test body, assembled by
// shallow-merging environment beforeEach results in composition order.
type Args map[string]any

// TestFunc is a user test body.
type TestFunc func(args Args, ti *TestInfo) error

// HookEach is a user beforeEach/afterEach hook.
type HookEach func(ti *TestInfo) error

// HookAll is a user beforeAll/afterAll hook.
type HookAll func(wi *WorkerInfo) error

// Spec is one declared test case. It owns one Test per
// (variation x repeat-index) combination.
type Spec struct {
	Title       string
	File        string
	Line        int
	Parent      *Suite
	Body        TestFunc
	Only        bool
	Annotations []Annotation
	Timeout     time.Duration // per-spec override, 0 means project default
	Ordinal     int           // position within the file, assigned at load
	Tests       []*Test
}

// FullTitle is the space-joined concatenation of ancestor suite titles and
// the spec title. Grep patterns match against this.
func (s *Spec) FullTitle() string {
	parts := append(s.Parent.TitlePath(), s.Title)
	return strings.Join(parts, " ")
}

// InheritedAnnotations collects the annotations a spec carries from its
// ancestor suites, outermost-first, with the spec's own last.
func InheritedAnnotations(spec *Spec) []Annotation {
	var chain []*Suite
	for s := spec.Parent; s != nil; s = s.Parent {
		chain = append([]*Suite{s}, chain...)
	}
	var out []Annotation
	for _, s := range chain {
		out = append(out, s.Annotations...)
	}
	return append(out, spec.Annotations...)
}

// Test is the unit the dispatcher schedules: one spec under one variation
// and repeat index.
type Test struct {
	ID              string
	Spec            *Spec
	Project         *Project
	Variation       Variation
	VariationString string
	RepeatEachIndex int
	ExpectedStatus  Status
	Timeout         time.Duration
	Annotations     []Annotation
	Retries         int
	Results         []*TestResult
}

// TestID derives the stable test identifier from the file path, the
// spec's ordinal within the file, the project name, the variation string
// and the repeat index. Identical inputs always produce the same ID.
func TestID(project, file string, ordinal int, variation string, repeatIndex int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%s\x00%d", project, file, ordinal, variation, repeatIndex)))
	return hex.EncodeToString(sum[:])[:20]
}

// Outcome classifies the test's aggregate result for reporting: expected,
// unexpected, flaky or skipped.
func (t *Test) Outcome() string {
	if t.ExpectedStatus == StatusSkipped {
		return "skipped"
	}
	var hasPassed, hasFailed bool
	for _, r := range t.Results {
		if r.Status == StatusSkipped {
			continue
		}
		if r.Status == t.ExpectedStatus {
			hasPassed = true
		} else {
			hasFailed = true
		}
	}
	switch {
	case !hasFailed:
		return "expected"
	case hasPassed:
		return "flaky"
	default:
		return "unexpected"
	}
}

// OK reports whether the test counts as successful for exit-code purposes.
func (t *Test) OK() bool {
	o := t.Outcome()
	return o == "expected" || o == "flaky" || o == "skipped"
}

// TestResult records one attempt of a test.
type TestResult struct {
	Retry       int              `json:"retry"`
	WorkerIndex int              `json:"workerIndex"`
	Duration    time.Duration    `json:"duration"`
	Status      Status           `json:"status"`
	Error       *SerializedError `json:"error,omitempty"`
	Stdout      []OutputChunk    `json:"stdout,omitempty"`
	Stderr      []OutputChunk    `json:"stderr,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
}

// OutputChunk is one captured stdout/stderr fragment. Text carries UTF-8
// output; Buffer carries base64-encoded bytes when the fragment was not
// valid text.
type OutputChunk struct {
	Text   string `json:"text,omitempty"`
	Buffer string `json:"buffer,omitempty"`
}

// SerializedError is the canonical cross-process error shape. Value is
// populated when user code panicked with a non-error value.
type SerializedError struct {
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Value   string `json:"value,omitempty"`
}

func (e *SerializedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Value
}

// SerializeError converts any error into the wire shape, preserving an
// existing SerializedError as-is.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	var se *SerializedError
	if ok := asSerialized(err, &se); ok {
		return se
	}
	return &SerializedError{Message: err.Error()}
}

func asSerialized(err error, target **SerializedError) bool {
	if se, ok := err.(*SerializedError); ok {
		*target = se
		return true
	}
	return false
}

// WorkerInfo describes the worker process to worker-scoped hooks.
type WorkerInfo struct {
	WorkerIndex int
	Project     *Project
	Variation   Variation
	Args        Args
}
