package planner

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"testplane/internal/config"
	"testplane/internal/model"
)

// buildSuite assembles a file suite with the given spec titles at the
// root level. Ordinals follow declaration order.
func buildSuite(titles ...string) LoadFunc {
	return func(p *model.Project, f string) (*model.FileSuite, error) {
		root := &model.Suite{File: f}
		for i, title := range titles {
			spec := &model.Spec{Title: title, File: f, Parent: root, Ordinal: i}
			root.Specs = append(root.Specs, spec)
			root.Order = append(root.Order, spec)
		}
		return &model.FileSuite{Project: p, File: f, Root: root}, nil
	}
}

func testConfig(projects ...*model.Project) *config.Config {
	if len(projects) == 0 {
		projects = []*model.Project{{
			Name:    "default",
			Match:   []string{"*.test"},
			Timeout: 30 * time.Second,
		}}
	}
	return &config.Config{Projects: projects}
}

func titles(tests []*model.Test) []string {
	var out []string
	for _, t := range tests {
		out = append(out, t.Spec.Title)
	}
	return out
}

func TestPlan_AllSpecsInOrder(t *testing.T) {
	cfg := testConfig()
	p := NewWithLoader(cfg, []string{"a.test"}, buildSuite("first", "second", "third"))

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := titles(plan.Tests)
	want := []string{"first", "second", "third"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestPlan_FileMatching(t *testing.T) {
	cfg := testConfig(&model.Project{
		Name:    "web",
		TestDir: "tests",
		Match:   []string{"*.test"},
		Ignore:  []string{"skip*"},
		Timeout: time.Second,
	})
	files := []string{"tests/a.test", "tests/skipme.test", "other/b.test", "tests/c.txt"}
	p := NewWithLoader(cfg, files, buildSuite("one"))

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.FileSuites) != 1 {
		t.Fatalf("expected one matching file, got %d", len(plan.FileSuites))
	}
}

func TestPlan_OnlyFiltering(t *testing.T) {
	load := func(p *model.Project, f string) (*model.FileSuite, error) {
		root := &model.Suite{File: f}
		plain := &model.Spec{Title: "plain", File: f, Parent: root, Ordinal: 0}
		focused := &model.Spec{Title: "focused", File: f, Parent: root, Ordinal: 1, Only: true}
		root.Specs = []*model.Spec{plain, focused}
		root.Order = []model.Node{plain, focused}
		return &model.FileSuite{Project: p, File: f, Root: root}, nil
	}
	p := NewWithLoader(testConfig(), []string{"a.test"}, load)

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := titles(plan.Tests)
	if len(got) != 1 || got[0] != "focused" {
		t.Errorf("expected only the focused spec, got %v", got)
	}
}

func TestPlan_OnlySuiteKeepsDescendants(t *testing.T) {
	load := func(p *model.Project, f string) (*model.FileSuite, error) {
		root := &model.Suite{File: f}
		group := &model.Suite{Title: "group", File: f, Parent: root, Only: true}
		inner := &model.Spec{Title: "inner", File: f, Parent: group, Ordinal: 0}
		group.Specs = []*model.Spec{inner}
		group.Order = []model.Node{inner}
		outside := &model.Spec{Title: "outside", File: f, Parent: root, Ordinal: 1}
		root.Suites = []*model.Suite{group}
		root.Specs = []*model.Spec{outside}
		root.Order = []model.Node{group, outside}
		return &model.FileSuite{Project: p, File: f, Root: root}, nil
	}
	p := NewWithLoader(testConfig(), []string{"a.test"}, load)

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := titles(plan.Tests)
	if len(got) != 1 || got[0] != "inner" {
		t.Errorf("expected the focused suite's specs, got %v", got)
	}
}

func TestPlan_ForbidOnly(t *testing.T) {
	load := func(p *model.Project, f string) (*model.FileSuite, error) {
		root := &model.Suite{File: f}
		spec := &model.Spec{Title: "focused", File: f, Line: 12, Parent: root, Only: true}
		root.Specs = []*model.Spec{spec}
		root.Order = []model.Node{spec}
		return &model.FileSuite{Project: p, File: f, Root: root}, nil
	}
	cfg := testConfig()
	cfg.ForbidOnly = true
	p := NewWithLoader(cfg, []string{"a.test"}, load)

	_, err := p.Plan()
	var forbid *ForbidOnlyError
	if !errors.As(err, &forbid) {
		t.Fatalf("expected ForbidOnlyError, got %v", err)
	}
	if len(forbid.Locations) != 1 || forbid.Locations[0] != "a.test:12" {
		t.Errorf("unexpected locations %v", forbid.Locations)
	}
}

func TestPlan_Grep(t *testing.T) {
	cfg := testConfig()
	cfg.Grep = []string{"checkout"}
	p := NewWithLoader(cfg, []string{"a.test"}, buildSuite("checkout works", "login works"))

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := titles(plan.Tests)
	if len(got) != 1 || got[0] != "checkout works" {
		t.Errorf("expected grep to keep only matching titles, got %v", got)
	}
}

func TestPlan_InvalidGrep(t *testing.T) {
	cfg := testConfig()
	cfg.Grep = []string{"("}
	p := NewWithLoader(cfg, []string{"a.test"}, buildSuite("one"))

	if _, err := p.Plan(); err == nil {
		t.Error("expected error for invalid grep pattern")
	}
}

func TestPlan_Shard(t *testing.T) {
	var names []string
	for i := 0; i < 12; i++ {
		names = append(names, fmt.Sprintf("t%02d", i))
	}
	cfg := testConfig()
	cfg.Shard = &config.Shard{Current: 1, Total: 3}
	p := NewWithLoader(cfg, []string{"a.test"}, buildSuite(names...))

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := titles(plan.Tests)
	want := []string{"t04", "t05", "t06", "t07"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected shard 2/3 to select %v, got %v", want, got)
	}
}

func TestShardSlice_UnevenSplit(t *testing.T) {
	tests := make([]*model.Test, 7)
	for i := range tests {
		tests[i] = &model.Test{ID: fmt.Sprint(i)}
	}
	sizes := []int{3, 2, 2}
	start := 0
	for i, want := range sizes {
		chunk := shardSlice(tests, i, 3)
		if len(chunk) != want {
			t.Errorf("shard %d: expected %d tests, got %d", i, want, len(chunk))
		}
		if len(chunk) > 0 && chunk[0].ID != fmt.Sprint(start) {
			t.Errorf("shard %d: expected to start at %d, got %s", i, start, chunk[0].ID)
		}
		start += want
	}
}

func TestPlan_VariationsAndRepeatEach(t *testing.T) {
	cfg := testConfig(&model.Project{
		Name:       "matrix",
		Match:      []string{"*.test"},
		RepeatEach: 2,
		Timeout:    time.Second,
		Define: []model.Variation{
			{"browser": "chromium"},
			{"browser": "firefox"},
		},
	})
	p := NewWithLoader(cfg, []string{"a.test"}, buildSuite("one"))

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Tests) != 4 {
		t.Fatalf("expected 2 variations x 2 repeats = 4 tests, got %d", len(plan.Tests))
	}

	ids := make(map[string]bool)
	for _, test := range plan.Tests {
		if ids[test.ID] {
			t.Errorf("duplicate test id %s", test.ID)
		}
		ids[test.ID] = true
	}

	if len(plan.Buckets) != 4 {
		t.Errorf("expected 4 buckets (per variation x repeat), got %d", len(plan.Buckets))
	}
}

func TestPlan_BucketAffinity(t *testing.T) {
	cfg := testConfig(&model.Project{
		Name:    "web",
		Match:   []string{"*.test"},
		Timeout: time.Second,
		Define:  []model.Variation{{"browser": "chromium"}},
	})
	load := buildSuite("one", "two")
	p := NewWithLoader(cfg, []string{"a.test", "b.test"}, load)

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Buckets) != 2 {
		t.Fatalf("expected one bucket per file, got %d", len(plan.Buckets))
	}
	if plan.Buckets[0].AffinityKey() != plan.Buckets[1].AffinityKey() {
		t.Error("expected buckets of the same project and variation to share an affinity key")
	}
}

func TestPlan_RepeatsGetDistinctAffinityKeys(t *testing.T) {
	cfg := testConfig(&model.Project{
		Name:       "web",
		Match:      []string{"*.test"},
		RepeatEach: 2,
		Timeout:    time.Second,
	})
	p := NewWithLoader(cfg, []string{"a.test"}, buildSuite("one"))

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Buckets) != 2 {
		t.Fatalf("expected one bucket per repeat, got %d", len(plan.Buckets))
	}
	if plan.Buckets[0].File != plan.Buckets[1].File {
		t.Fatalf("expected both repeats to cover the same file")
	}
	if plan.Buckets[0].AffinityKey() == plan.Buckets[1].AffinityKey() {
		t.Error("expected repeats of the same file to have distinct affinity keys")
	}
}

func TestPlan_AnnotationsDeriveExpectedStatus(t *testing.T) {
	load := func(p *model.Project, f string) (*model.FileSuite, error) {
		root := &model.Suite{File: f}
		skip := &model.Spec{Title: "skipped", File: f, Parent: root, Ordinal: 0,
			Annotations: []model.Annotation{{Type: model.AnnotationSkip}}}
		fail := &model.Spec{Title: "failing", File: f, Parent: root, Ordinal: 1,
			Annotations: []model.Annotation{{Type: model.AnnotationFail}}}
		slow := &model.Spec{Title: "slow", File: f, Parent: root, Ordinal: 2,
			Annotations: []model.Annotation{{Type: model.AnnotationSlow}}}
		root.Specs = []*model.Spec{skip, fail, slow}
		root.Order = []model.Node{skip, fail, slow}
		return &model.FileSuite{Project: p, File: f, Root: root}, nil
	}
	p := NewWithLoader(testConfig(), []string{"a.test"}, load)

	plan, err := p.Plan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byTitle := make(map[string]*model.Test)
	for _, test := range plan.Tests {
		byTitle[test.Spec.Title] = test
	}

	if got := byTitle["skipped"].ExpectedStatus; got != model.StatusSkipped {
		t.Errorf("expected skipped, got %s", got)
	}
	if got := byTitle["failing"].ExpectedStatus; got != model.StatusFailed {
		t.Errorf("expected failed, got %s", got)
	}
	if got := byTitle["slow"].Timeout; got != 90*time.Second {
		t.Errorf("expected tripled timeout 90s, got %v", got)
	}
}

func TestPlan_LoadErrorPropagates(t *testing.T) {
	load := func(p *model.Project, f string) (*model.FileSuite, error) {
		return nil, errors.New("syntax error")
	}
	p := NewWithLoader(testConfig(), []string{"a.test"}, load)

	if _, err := p.Plan(); err == nil {
		t.Error("expected load error to propagate")
	}
}
