// Package planner converts configuration and discovered file suites into
// an ordered, sharded workload partitioned into worker-affinity buckets.
package planner

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"testplane/internal/config"
	"testplane/internal/model"
	"testplane/pkg/testapi"
)

// LoadFunc produces the file suite for one project and file. The default
// is testapi.Load; tests substitute their own.
type LoadFunc func(p *model.Project, file string) (*model.FileSuite, error)

// ForbidOnlyError is the fail-fast outcome when forbidOnly is set and an
// only marker exists anywhere in the workload.
type ForbidOnlyError struct {
	Locations []string
}

func (e *ForbidOnlyError) Error() string {
	return fmt.Sprintf("focused tests are forbidden (--forbid-only): %s", strings.Join(e.Locations, ", "))
}

// Bucket is the unit of work handed to a worker: tests that share
// project, file, variation and repeat index, and therefore the same
// worker-scoped environment and beforeAll state.
type Bucket struct {
	Project         *model.Project
	File            string
	RepeatEachIndex int
	Variation       model.Variation
	VariationString string
	Tests           []*model.Test
}

// AffinityKey identifies the worker-scoped state a bucket needs. Buckets
// with equal keys can reuse a live worker process. The repeat index is
// part of the key so each repeat of a file gets a fresh worker and runs
// its own beforeAll/afterAll sequence.
func (b *Bucket) AffinityKey() string {
	return fmt.Sprintf("%s\x00%s\x00%d", b.Project.Name, b.Variation.Hash(), b.RepeatEachIndex)
}

// Plan is the planner's output: the flat ordered test list and its
// partition into buckets.
type Plan struct {
	FileSuites []*model.FileSuite
	Tests      []*model.Test
	Buckets    []*Bucket
}

// Planner turns discovered declarations into a Plan. It is pure given
// its inputs and owns no workers.
type Planner struct {
	cfg   *config.Config
	files []string
	load  LoadFunc
}

// New creates a planner over the registered test files.
func New(cfg *config.Config) *Planner {
	return &Planner{
		cfg:   cfg,
		files: testapi.Files(),
		load: func(p *model.Project, file string) (*model.FileSuite, error) {
			return testapi.Load(p, file)
		},
	}
}

// NewWithLoader creates a planner over an explicit file list and loader.
func NewWithLoader(cfg *config.Config, files []string, load LoadFunc) *Planner {
	return &Planner{cfg: cfg, files: files, load: load}
}

// Plan builds the workload.
func (p *Planner) Plan() (*Plan, error) {
	greps, err := compileGreps(p.cfg.Grep)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	for _, project := range p.cfg.Projects {
		for _, file := range p.files {
			if !matchFile(project, file) {
				continue
			}
			fs, err := p.load(project, file)
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", project.Name, err)
			}
			plan.FileSuites = append(plan.FileSuites, fs)

			if p.cfg.ForbidOnly {
				if locs := onlyLocations(fs.Root); len(locs) > 0 {
					return nil, &ForbidOnlyError{Locations: locs}
				}
			}

			specs, _ := selectOnly(fs.Root)
			specs = applyGrep(specs, greps)
			plan.Tests = append(plan.Tests, instantiate(project, file, specs)...)
		}
	}

	if p.cfg.Shard != nil {
		plan.Tests = shardSlice(plan.Tests, p.cfg.Shard.Current, p.cfg.Shard.Total)
	}

	plan.Buckets = bucketize(plan.Tests)
	return plan, nil
}

// matchFile applies the project's test directory prefix, match patterns
// and ignore patterns to a registered file path.
func matchFile(project *model.Project, file string) bool {
	if project.TestDir != "" {
		dir := filepath.ToSlash(filepath.Clean(project.TestDir))
		if file != dir && !strings.HasPrefix(file, dir+"/") {
			return false
		}
	}
	base := path.Base(file)
	for _, pat := range project.Ignore {
		if ok, _ := path.Match(pat, base); ok {
			return false
		}
	}
	for _, pat := range project.Match {
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

func compileGreps(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid grep pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func applyGrep(specs []*model.Spec, greps []*regexp.Regexp) []*model.Spec {
	if len(greps) == 0 {
		return specs
	}
	var kept []*model.Spec
	for _, spec := range specs {
		title := spec.FullTitle()
		for _, re := range greps {
			if re.MatchString(title) {
				kept = append(kept, spec)
				break
			}
		}
	}
	return kept
}

// onlyLocations collects file:line of every only marker under s.
func onlyLocations(s *model.Suite) []string {
	var locs []string
	if s.Only {
		locs = append(locs, fmt.Sprintf("%s:%d", s.File, s.Line))
	}
	for _, node := range s.Order {
		switch n := node.(type) {
		case *model.Suite:
			locs = append(locs, onlyLocations(n)...)
		case *model.Spec:
			if n.Only {
				locs = append(locs, fmt.Sprintf("%s:%d", n.File, n.Line))
			}
		}
	}
	return locs
}

// allSpecs returns every spec under s in declaration order.
func allSpecs(s *model.Suite) []*model.Spec {
	var out []*model.Spec
	for _, node := range s.Order {
		switch n := node.(type) {
		case *model.Suite:
			out = append(out, allSpecs(n)...)
		case *model.Spec:
			out = append(out, n)
		}
	}
	return out
}

// selectOnly applies only-filtering under s: if any descendant carries an
// only marker, each level keeps only the entries that are only-marked or
// contain one, preserving sibling order. The second return reports
// whether a restriction applied.
func selectOnly(s *model.Suite) ([]*model.Spec, bool) {
	restricted := false
	for _, node := range s.Order {
		switch n := node.(type) {
		case *model.Suite:
			if n.HasOnlyDescendant() {
				restricted = true
			}
		case *model.Spec:
			if n.Only {
				restricted = true
			}
		}
	}
	if !restricted {
		return allSpecs(s), false
	}

	var out []*model.Spec
	for _, node := range s.Order {
		switch n := node.(type) {
		case *model.Suite:
			if n.Only {
				out = append(out, allSpecs(n)...)
			} else if specs, r := selectOnly(n); r {
				out = append(out, specs...)
			}
		case *model.Spec:
			if n.Only {
				out = append(out, n)
			}
		}
	}
	return out, true
}

// expectedStatus derives the outcome that counts as success: skipped
// wins over fail, fail over passed.
func expectedStatus(annotations []model.Annotation) model.Status {
	status := model.StatusPassed
	for _, a := range annotations {
		switch a.Type {
		case model.AnnotationSkip, model.AnnotationFixme:
			return model.StatusSkipped
		case model.AnnotationFail:
			status = model.StatusFailed
		}
	}
	return status
}

// instantiate produces the Test objects for the surviving specs of one
// file: one per (variation x repeat-index), ordered variation-major so
// buckets come out contiguous.
func instantiate(project *model.Project, file string, specs []*model.Spec) []*model.Test {
	var tests []*model.Test
	for _, variation := range project.Variations() {
		variationString := variation.String()
		repeatEach := project.RepeatEach
		if repeatEach < 1 {
			repeatEach = 1
		}
		for repeat := 0; repeat < repeatEach; repeat++ {
			for _, spec := range specs {
				annotations := model.InheritedAnnotations(spec)
				timeout := project.Timeout
				if spec.Timeout > 0 {
					timeout = spec.Timeout
				}
				for _, a := range annotations {
					if a.Type == model.AnnotationSlow {
						timeout *= 3
						break
					}
				}
				t := &model.Test{
					ID:              model.TestID(project.Name, file, spec.Ordinal, variationString, repeat),
					Spec:            spec,
					Project:         project,
					Variation:       variation,
					VariationString: variationString,
					RepeatEachIndex: repeat,
					ExpectedStatus:  expectedStatus(annotations),
					Timeout:         timeout,
					Annotations:     annotations,
					Retries:         project.Retries,
				}
				spec.Tests = append(spec.Tests, t)
				tests = append(tests, t)
			}
		}
	}
	return tests
}

// shardSlice cuts the list into total contiguous chunks of
// as-equal-as-possible size and returns chunk current (zero-based).
// Earlier chunks absorb the remainder.
func shardSlice(tests []*model.Test, current, total int) []*model.Test {
	n := len(tests)
	base := n / total
	rem := n % total
	start := 0
	for i := 0; i < total; i++ {
		size := base
		if i < rem {
			size++
		}
		if i == current {
			return tests[start : start+size]
		}
		start += size
	}
	return nil
}

// bucketize partitions tests by (project, file, repeat index, variation
// hash), preserving first-appearance order.
func bucketize(tests []*model.Test) []*Bucket {
	var buckets []*Bucket
	index := make(map[string]*Bucket)
	for _, t := range tests {
		key := fmt.Sprintf("%s\x00%s\x00%d\x00%s", t.Project.Name, t.Spec.File, t.RepeatEachIndex, t.Variation.Hash())
		b, ok := index[key]
		if !ok {
			b = &Bucket{
				Project:         t.Project,
				File:            t.Spec.File,
				RepeatEachIndex: t.RepeatEachIndex,
				Variation:       t.Variation,
				VariationString: t.VariationString,
			}
			index[key] = b
			buckets = append(buckets, b)
		}
		b.Tests = append(b.Tests, t)
	}
	return buckets
}
