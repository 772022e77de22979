// Package testapi is the public surface for declaring test files and
// environments. Declarations run as a pure describe pass: the registered
// function builds a suite tree through the DSL and has no other effects.
// The execute pass happens later inside worker processes.
package testapi

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"testplane/internal/model"
)

// Args is the resolved argument bag passed to test bodies.
type Args = model.Args

// TestInfo is re-exported so user code does not import internal packages.
type TestInfo = model.TestInfo

// WorkerInfo describes the worker process to worker-scoped callbacks.
type WorkerInfo = model.WorkerInfo

// TestFunc is a test body.
type TestFunc = model.TestFunc

// Environment is the user-defined collaborator resolved per worker.
// BeforeAll and BeforeEach may return an argument bag; bags from composed
// environments shallow-merge in composition order, later over earlier.
// After callbacks run in reverse composition order.
type Environment struct {
	Name       string
	BeforeAll  func(wi *WorkerInfo) (Args, error)
	BeforeEach func(ti *TestInfo) (Args, error)
	AfterEach  func(ti *TestInfo) error
	AfterAll   func(wi *WorkerInfo) error
}

type registry struct {
	mu    sync.RWMutex
	files map[string]func(*DSL)
	envs  map[string]Environment
}

var reg = &registry{
	files: make(map[string]func(*DSL)),
	envs:  make(map[string]Environment),
}

// Register declares a test file. The declaration function is invoked once
// per load, against a fresh DSL; it must be deterministic.
func Register(file string, decl func(*DSL)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, dup := reg.files[file]; dup {
		panic(fmt.Sprintf("testapi: file %q registered twice", file))
	}
	reg.files[file] = decl
}

// RegisterEnvironment registers a named environment for projects to
// reference.
func RegisterEnvironment(env Environment) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if env.Name == "" {
		panic("testapi: environment needs a name")
	}
	if _, dup := reg.envs[env.Name]; dup {
		panic(fmt.Sprintf("testapi: environment %q registered twice", env.Name))
	}
	reg.envs[env.Name] = env
}

// Files lists the registered test files in sorted order.
func Files() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]string, 0, len(reg.files))
	for f := range reg.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Environments resolves the named environments in order.
func Environments(names []string) ([]Environment, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Environment, 0, len(names))
	for _, name := range names {
		env, ok := reg.envs[name]
		if !ok {
			return nil, fmt.Errorf("unknown environment %q", name)
		}
		out = append(out, env)
	}
	return out, nil
}

// Load runs the describe pass for one file under one project and returns
// the resulting file suite.
func Load(project *model.Project, file string) (*model.FileSuite, error) {
	reg.mu.RLock()
	decl, ok := reg.files[file]
	reg.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("test file %q is not registered", file)
	}

	root := &model.Suite{File: file}
	fs := &model.FileSuite{Project: project, File: file, Root: root}
	dsl := &DSL{current: root, fileSuite: fs}

	if err := runDecl(decl, dsl); err != nil {
		return nil, fmt.Errorf("load %s: %w", file, err)
	}
	return fs, nil
}

// runDecl executes the declaration function, converting panics into load
// errors so a broken file never takes down the loader.
func runDecl(decl func(*DSL), dsl *DSL) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("declaration panicked: %v", r)
		}
	}()
	decl(dsl)
	return nil
}

// DSL accumulates declarations into a file suite during the describe
// pass. It is valid only for the duration of one declaration call.
type DSL struct {
	current   *model.Suite
	fileSuite *model.FileSuite
	ordinal   int
}

func callerLine() int {
	_, _, line, ok := runtime.Caller(3)
	if !ok {
		return 0
	}
	return line
}

func (d *DSL) describe(title string, only bool, annotations []model.Annotation, body func()) {
	suite := &model.Suite{
		Title:       title,
		File:        d.fileSuite.File,
		Line:        callerLine(),
		Parent:      d.current,
		Only:        only,
		Annotations: annotations,
	}
	d.current.Suites = append(d.current.Suites, suite)
	d.current.Order = append(d.current.Order, suite)

	prev := d.current
	d.current = suite
	body()
	d.current = prev
}

// Describe declares a nested suite.
func (d *DSL) Describe(title string, body func()) { d.describe(title, false, nil, body) }

// DescribeOnly declares a suite that restricts the run to only-marked
// entries.
func (d *DSL) DescribeOnly(title string, body func()) { d.describe(title, true, nil, body) }

// DescribeSkip declares a suite whose descendants are skipped.
func (d *DSL) DescribeSkip(title, reason string, body func()) {
	d.describe(title, false, []model.Annotation{{Type: model.AnnotationSkip, Description: reason}}, body)
}

// DescribeFixme declares a suite whose descendants are skipped as fixme.
func (d *DSL) DescribeFixme(title, reason string, body func()) {
	d.describe(title, false, []model.Annotation{{Type: model.AnnotationFixme, Description: reason}}, body)
}

func (d *DSL) it(title string, only bool, annotations []model.Annotation, body TestFunc) *SpecBuilder {
	spec := &model.Spec{
		Title:       title,
		File:        d.fileSuite.File,
		Line:        callerLine(),
		Parent:      d.current,
		Body:        body,
		Only:        only,
		Annotations: annotations,
		Ordinal:     d.ordinal,
	}
	d.ordinal++
	d.current.Specs = append(d.current.Specs, spec)
	d.current.Order = append(d.current.Order, spec)
	return &SpecBuilder{spec: spec}
}

// It declares a test case.
func (d *DSL) It(title string, body TestFunc) *SpecBuilder {
	return d.it(title, false, nil, body)
}

// ItOnly declares a test case that restricts the run to only-marked
// entries.
func (d *DSL) ItOnly(title string, body TestFunc) *SpecBuilder {
	return d.it(title, true, nil, body)
}

// ItSkip declares a test case that is always skipped.
func (d *DSL) ItSkip(title, reason string, body TestFunc) *SpecBuilder {
	return d.it(title, false, []model.Annotation{{Type: model.AnnotationSkip, Description: reason}}, body)
}

// ItFixme declares a test case skipped as fixme.
func (d *DSL) ItFixme(title, reason string, body TestFunc) *SpecBuilder {
	return d.it(title, false, []model.Annotation{{Type: model.AnnotationFixme, Description: reason}}, body)
}

// ItFail declares a test case expected to fail.
func (d *DSL) ItFail(title string, body TestFunc) *SpecBuilder {
	return d.it(title, false, []model.Annotation{{Type: model.AnnotationFail}}, body)
}

// ItSlow declares a test case with a tripled timeout.
func (d *DSL) ItSlow(title string, body TestFunc) *SpecBuilder {
	return d.it(title, false, []model.Annotation{{Type: model.AnnotationSlow}}, body)
}

// BeforeAll registers a worker-scoped setup hook on the current suite.
func (d *DSL) BeforeAll(fn model.HookAll) { d.current.BeforeAll = append(d.current.BeforeAll, fn) }

// AfterAll registers a worker-scoped teardown hook on the current suite.
func (d *DSL) AfterAll(fn model.HookAll) { d.current.AfterAll = append(d.current.AfterAll, fn) }

// BeforeEach registers a test-scoped setup hook on the current suite.
// It applies to every descendant spec.
func (d *DSL) BeforeEach(fn model.HookEach) { d.current.BeforeEach = append(d.current.BeforeEach, fn) }

// AfterEach registers a test-scoped teardown hook on the current suite.
func (d *DSL) AfterEach(fn model.HookEach) { d.current.AfterEach = append(d.current.AfterEach, fn) }

// SpecBuilder lets a declaration refine a spec in place.
type SpecBuilder struct {
	spec *model.Spec
}

// WithTimeout sets a per-spec timeout override.
func (b *SpecBuilder) WithTimeout(d time.Duration) *SpecBuilder {
	b.spec.Timeout = d
	return b
}

// resetForTest clears the registry. Only tests use this.
func resetForTest() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.files = make(map[string]func(*DSL))
	reg.envs = make(map[string]Environment)
}
