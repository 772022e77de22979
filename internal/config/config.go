// Package config resolves the run configuration from the config file,
// environment variables and command-line flags into an immutable Config.
package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"testplane/internal/model"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultOutputDir     = "test-results"
	DefaultSnapshotDir   = "__snapshots__"
	DefaultReporter      = "line"
	DefaultShutdownGrace = 30 * time.Second
)

// Shard is the selected window of the scheduled test list. Current is
// zero-based internally; the --shard flag takes the one-based
// "current/total" form.
type Shard struct {
	Current int
	Total   int
}

// ParseShard parses the external "current/total" form.
func ParseShard(s string) (*Shard, error) {
	cur, total, ok := strings.Cut(s, "/")
	if !ok {
		return nil, fmt.Errorf("invalid shard %q, expected current/total", s)
	}
	c, err := strconv.Atoi(cur)
	if err != nil {
		return nil, fmt.Errorf("invalid shard index %q: %w", cur, err)
	}
	t, err := strconv.Atoi(total)
	if err != nil {
		return nil, fmt.Errorf("invalid shard total %q: %w", total, err)
	}
	if t < 1 || c < 1 || c > t {
		return nil, fmt.Errorf("shard %d/%d out of range", c, t)
	}
	return &Shard{Current: c - 1, Total: t}, nil
}

// ProjectConfig is one project section of the config file. Zero values
// inherit the top-level defaults.
type ProjectConfig struct {
	Name         string              `mapstructure:"name"`
	TestDir      string              `mapstructure:"testDir"`
	Match        []string            `mapstructure:"match"`
	Ignore       []string            `mapstructure:"ignore"`
	Retries      *int                `mapstructure:"retries"`
	RepeatEach   *int                `mapstructure:"repeatEach"`
	Timeout      time.Duration       `mapstructure:"timeout"`
	OutputDir    string              `mapstructure:"outputDir"`
	SnapshotDir  string              `mapstructure:"snapshotDir"`
	Define       []map[string]string `mapstructure:"define"`
	Use          map[string]string   `mapstructure:"use"`
	Environments []string            `mapstructure:"environments"`
}

// Config holds the resolved configuration for one run.
type Config struct {
	Workers         int
	Retries         int
	RepeatEach      int
	Timeout         time.Duration
	GlobalTimeout   time.Duration
	Grep            []string
	Shard           *Shard
	ForbidOnly      bool
	MaxFailures     int
	Reporters       []string
	OutputDir       string
	Quiet           bool
	UpdateSnapshots bool
	MetricsAddr     string
	OTELEndpoint    string
	ShutdownGrace   time.Duration
	ProjectFilter   []string

	Projects []*model.Project
}

// Load resolves the configuration from the given viper instance, which
// the CLI has already primed with the config file, TESTPLANE_* env
// variables and flag bindings.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Workers:         v.GetInt("workers"),
		Retries:         v.GetInt("retries"),
		RepeatEach:      v.GetInt("repeat-each"),
		Timeout:         v.GetDuration("timeout"),
		GlobalTimeout:   v.GetDuration("global-timeout"),
		Grep:            v.GetStringSlice("grep"),
		ForbidOnly:      v.GetBool("forbid-only"),
		MaxFailures:     v.GetInt("max-failures"),
		Reporters:       v.GetStringSlice("reporter"),
		OutputDir:       v.GetString("output"),
		Quiet:           v.GetBool("quiet"),
		UpdateSnapshots: v.GetBool("update-snapshots"),
		MetricsAddr:     v.GetString("metrics-addr"),
		OTELEndpoint:    v.GetString("otel-endpoint"),
		ShutdownGrace:   DefaultShutdownGrace,
		ProjectFilter:   v.GetStringSlice("project"),
	}

	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must not be negative, got %d", cfg.Retries)
	}
	if cfg.RepeatEach < 1 {
		cfg.RepeatEach = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if len(cfg.Reporters) == 0 {
		cfg.Reporters = []string{DefaultReporter}
	}

	if shard := v.GetString("shard"); shard != "" {
		s, err := ParseShard(shard)
		if err != nil {
			return nil, err
		}
		cfg.Shard = s
	}

	var projectSections []ProjectConfig
	if err := v.UnmarshalKey("projects", &projectSections); err != nil {
		return nil, fmt.Errorf("invalid projects section: %w", err)
	}
	if len(projectSections) == 0 {
		projectSections = []ProjectConfig{{Name: "default"}}
	}

	seen := make(map[string]bool, len(projectSections))
	for _, pc := range projectSections {
		if pc.Name == "" {
			return nil, fmt.Errorf("every project needs a name")
		}
		if seen[pc.Name] {
			return nil, fmt.Errorf("duplicate project name %q", pc.Name)
		}
		seen[pc.Name] = true
		cfg.Projects = append(cfg.Projects, cfg.resolveProject(pc))
	}

	if len(cfg.ProjectFilter) > 0 {
		var selected []*model.Project
		for _, name := range cfg.ProjectFilter {
			var found bool
			for _, p := range cfg.Projects {
				if p.Name == name {
					selected = append(selected, p)
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("project %q not found in configuration", name)
			}
		}
		cfg.Projects = selected
	}

	return cfg, nil
}

// resolveProject merges one project section over the top-level defaults.
func (c *Config) resolveProject(pc ProjectConfig) *model.Project {
	p := &model.Project{
		Name:         pc.Name,
		TestDir:      pc.TestDir,
		Match:        pc.Match,
		Ignore:       pc.Ignore,
		Retries:      c.Retries,
		RepeatEach:   c.RepeatEach,
		Timeout:      c.Timeout,
		OutputDir:    pc.OutputDir,
		SnapshotDir:  pc.SnapshotDir,
		Use:          pc.Use,
		Environments: pc.Environments,
	}
	if pc.Retries != nil {
		p.Retries = *pc.Retries
	}
	if pc.RepeatEach != nil {
		p.RepeatEach = *pc.RepeatEach
	}
	if pc.Timeout > 0 {
		p.Timeout = pc.Timeout
	}
	if len(pc.Match) == 0 {
		p.Match = []string{"*_test.*", "*.test.*"}
	}
	if p.OutputDir == "" {
		p.OutputDir = filepath.Join(c.OutputDir, p.Name)
	}
	if p.SnapshotDir == "" {
		p.SnapshotDir = filepath.Join(DefaultSnapshotDir, p.Name)
	}
	for _, def := range pc.Define {
		p.Define = append(p.Define, model.Variation(def))
	}
	return p
}

// ProjectByName looks a resolved project up.
func (c *Config) ProjectByName(name string) *model.Project {
	for _, p := range c.Projects {
		if p.Name == name {
			return p
		}
	}
	return nil
}
