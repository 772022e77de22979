package report

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"testplane/internal/model"
)

// JSON persists the full run report to <outputDir>/report.json at OnEnd.
type JSON struct {
	mu        sync.Mutex
	outputDir string
	log       *slog.Logger
	run       *Run
	tests     []*jsonTest
	byID      map[string]*jsonTest
	errors    []*model.SerializedError
	timedOut  bool
}

// NewJSON creates the file reporter.
func NewJSON(outputDir string, log *slog.Logger) *JSON {
	return &JSON{outputDir: outputDir, log: log, byID: make(map[string]*jsonTest)}
}

type jsonReport struct {
	RunID    string                   `json:"runId"`
	Started  time.Time                `json:"started"`
	Duration int64                    `json:"durationMs"`
	TimedOut bool                     `json:"timedOut,omitempty"`
	Config   map[string]any           `json:"config"`
	Tests    []*jsonTest              `json:"tests"`
	Errors   []*model.SerializedError `json:"errors,omitempty"`
}

type jsonTest struct {
	TestID     string              `json:"testId"`
	Project    string              `json:"project"`
	File       string              `json:"file"`
	Line       int                 `json:"line"`
	Title      string              `json:"title"`
	FullTitle  string              `json:"fullTitle"`
	Variation  model.Variation     `json:"variation,omitempty"`
	RepeatEach int                 `json:"repeatEachIndex,omitempty"`
	Expected   model.Status        `json:"expectedStatus"`
	Outcome    string              `json:"outcome"`
	Results    []*model.TestResult `json:"results"`
}

func (j *JSON) OnBegin(run *Run) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.run = run
}

func (j *JSON) OnTestBegin(test *model.Test, result *model.TestResult) {}

func (j *JSON) OnStdOut(test *model.Test, chunk model.OutputChunk) {}

func (j *JSON) OnStdErr(test *model.Test, chunk model.OutputChunk) {}

func (j *JSON) OnTestEnd(test *model.Test, result *model.TestResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	jt, ok := j.byID[test.ID]
	if !ok {
		jt = &jsonTest{
			TestID:     test.ID,
			Project:    test.Project.Name,
			File:       test.Spec.File,
			Line:       test.Spec.Line,
			Title:      test.Spec.Title,
			FullTitle:  test.Spec.FullTitle(),
			Variation:  test.Variation,
			RepeatEach: test.RepeatEachIndex,
			Expected:   test.ExpectedStatus,
		}
		j.byID[test.ID] = jt
		j.tests = append(j.tests, jt)
	}
	jt.Results = append(jt.Results, result)
	jt.Outcome = test.Outcome()
}

func (j *JSON) OnError(err *model.SerializedError) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, err)
}

func (j *JSON) OnTimeout() {
	j.mu.Lock()
	j.timedOut = true
	j.mu.Unlock()
	j.OnEnd()
}

func (j *JSON) OnEnd() {
	j.mu.Lock()
	defer j.mu.Unlock()

	report := jsonReport{
		TimedOut: j.timedOut,
		Tests:    j.tests,
		Errors:   j.errors,
	}
	if j.run != nil {
		report.RunID = j.run.RunID
		report.Started = j.run.Started
		report.Duration = time.Since(j.run.Started).Milliseconds()
		report.Config = configSnapshot(j.run)
	}

	if err := os.MkdirAll(j.outputDir, 0o755); err != nil {
		j.log.Error("create report dir", "dir", j.outputDir, "error", err)
		return
	}
	path := filepath.Join(j.outputDir, "report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		j.log.Error("marshal report", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		j.log.Error("write report", "path", path, "error", err)
	}
}

// configSnapshot round-trips the resolved configuration through yaml so
// the embedded snapshot matches the config-file vocabulary rather than
// Go field names.
func configSnapshot(run *Run) map[string]any {
	type projectYAML struct {
		Name       string `yaml:"name"`
		TestDir    string `yaml:"testDir,omitempty"`
		Retries    int    `yaml:"retries"`
		RepeatEach int    `yaml:"repeatEach"`
		Timeout    string `yaml:"timeout"`
		OutputDir  string `yaml:"outputDir"`
	}
	type configYAML struct {
		Workers       int           `yaml:"workers"`
		GlobalTimeout string        `yaml:"globalTimeout,omitempty"`
		Grep          []string      `yaml:"grep,omitempty"`
		Shard         string        `yaml:"shard,omitempty"`
		MaxFailures   int           `yaml:"maxFailures,omitempty"`
		Projects      []projectYAML `yaml:"projects"`
	}

	cfg := run.Config
	y := configYAML{
		Workers:     cfg.Workers,
		Grep:        cfg.Grep,
		MaxFailures: cfg.MaxFailures,
	}
	if cfg.GlobalTimeout > 0 {
		y.GlobalTimeout = cfg.GlobalTimeout.String()
	}
	if cfg.Shard != nil {
		y.Shard = formatShard(cfg.Shard.Current+1, cfg.Shard.Total)
	}
	for _, p := range cfg.Projects {
		y.Projects = append(y.Projects, projectYAML{
			Name:       p.Name,
			TestDir:    p.TestDir,
			Retries:    p.Retries,
			RepeatEach: p.RepeatEach,
			Timeout:    p.Timeout.String(),
			OutputDir:  p.OutputDir,
		})
	}

	data, err := yaml.Marshal(y)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func formatShard(current, total int) string {
	return strconv.Itoa(current) + "/" + strconv.Itoa(total)
}
