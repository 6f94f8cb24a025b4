// Package config loads gatehouse settings from defaults, an optional
// YAML file, and GATEHOUSE_* environment variables, in that precedence
// order (lowest to highest).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gatehouse/internal/gate"
	"gatehouse/internal/logging"
)

// Config holds every tunable the router and its side handlers read.
type Config struct {
	State      StateConfig      `mapstructure:"state"`
	Log        logging.Config   `mapstructure:"log"`
	Gates      GatesConfig      `mapstructure:"gates"`
	Custodiet  CustodietConfig  `mapstructure:"custodiet"`
	Task       TaskConfig       `mapstructure:"task"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Hydrate    HydrateConfig    `mapstructure:"hydrate"`
	AutoCommit AutoCommitConfig `mapstructure:"autocommit"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Subagent   SubagentConfig   `mapstructure:"subagent"`
}

// StateConfig locates session-state persistence.
type StateConfig struct {
	// Dir overrides the session-status directory. Empty means derive it
	// from the transcript path at runtime.
	Dir string `mapstructure:"dir"`
}

// GatesConfig selects which built-in gates run and how writes are
// classified.
type GatesConfig struct {
	// Custodiet, Hydration, and TaskGate are textual toggles: "off",
	// "false", "0", "no", and "disabled" disable a gate, anything else
	// (including empty) leaves it on.
	Custodiet string `mapstructure:"custodiet"`
	Hydration string `mapstructure:"hydration"`
	TaskGate  string `mapstructure:"task_gate"`

	// ConfigFiles are extra gate definition files (YAML or JSON) merged
	// over the built-in set by gate name. Missing files are skipped.
	ConfigFiles []string `mapstructure:"config_files"`

	SafeWritePaths       []string `mapstructure:"safe_write_paths"`
	StreamlinedWorkflows []string `mapstructure:"streamlined_workflows"`
	ComplianceSubagents  []string `mapstructure:"compliance_subagents"`
}

// CustodietConfig tunes the compliance countdown.
type CustodietConfig struct {
	Threshold   int `mapstructure:"threshold"`
	StartBefore int `mapstructure:"start_before"`
}

// TaskConfig names the external task CLI.
type TaskConfig struct {
	Command string `mapstructure:"command"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// NotifyConfig addresses the push-notification sender. An empty topic
// disables notifications entirely.
type NotifyConfig struct {
	Topic string `mapstructure:"topic"`
	// URL of the messaging server. Empty means the client default.
	URL string `mapstructure:"url"`
}

// HydrateConfig shapes the context payload built on user prompts.
type HydrateConfig struct {
	// SectionPaths are files whose contents become payload sections, in
	// order. Missing files are skipped without error.
	SectionPaths []string `mapstructure:"section_paths"`

	// IgnoreGlobs excludes repository files from relevance ranking.
	IgnoreGlobs []string `mapstructure:"ignore_globs"`

	// MaxFiles caps how many ranked repository files the payload lists.
	MaxFiles int `mapstructure:"max_files"`

	// ContinuationMarkers are words whose presence marks a short prompt
	// as a follow-up to earlier work.
	ContinuationMarkers []string `mapstructure:"continuation_markers"`
}

// AutoCommitConfig points the auto-commit handler at the task data
// repository. An empty dir disables the handler.
type AutoCommitConfig struct {
	Dir     string `mapstructure:"dir"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// TranscriptConfig names the transcript generator run on Stop. An empty
// command disables it.
type TranscriptConfig struct {
	Command string `mapstructure:"command"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// SubagentConfig carries the spawning agent's override for its
// children's hook processes.
type SubagentConfig struct {
	// Type, when set, is authoritative: the event is treated as coming
	// from a sub-agent of this type regardless of payload contents.
	Type string `mapstructure:"type"`
}

// TimeoutDuration returns the task CLI timeout as a time.Duration.
func (t *TaskConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// TimeoutDuration returns the auto-commit timeout as a time.Duration.
func (a *AutoCommitConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// TimeoutDuration returns the transcript timeout as a time.Duration.
func (t *TranscriptConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// ParseToggle interprets a textual on/off setting. Only an explicit
// negative turns a feature off; empty means on.
func ParseToggle(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "off", "false", "0", "no", "disabled":
		return false
	}
	return true
}

// GateOptions maps the loaded settings onto the built-in gate tunables.
func (c *Config) GateOptions() gate.Options {
	return gate.Options{
		CustodietThreshold:   c.Custodiet.Threshold,
		CustodietStartBefore: c.Custodiet.StartBefore,
		HydrationEnabled:     ParseToggle(c.Gates.Hydration),
		CustodietEnabled:     ParseToggle(c.Gates.Custodiet),
		TaskGateEnabled:      ParseToggle(c.Gates.TaskGate),
		SafeWritePaths:       c.Gates.SafeWritePaths,
		StreamlinedWorkflows: c.Gates.StreamlinedWorkflows,
		ComplianceSubagents:  c.Gates.ComplianceSubagents,
		TaskCommand:          c.Task.Command,
	}
}

// setDefaults seeds every key so AutomaticEnv and Unmarshal see the full
// shape. Gate tunables come from the built-in defaults so the two never
// drift apart.
func setDefaults(v *viper.Viper) {
	def := gate.DefaultOptions()

	v.SetDefault("state.dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.debug_file", "")

	v.SetDefault("gates.custodiet", "")
	v.SetDefault("gates.hydration", "")
	v.SetDefault("gates.task_gate", "")
	v.SetDefault("gates.config_files", []string{})
	v.SetDefault("gates.safe_write_paths", def.SafeWritePaths)
	v.SetDefault("gates.streamlined_workflows", def.StreamlinedWorkflows)
	v.SetDefault("gates.compliance_subagents", def.ComplianceSubagents)

	v.SetDefault("custodiet.threshold", def.CustodietThreshold)
	v.SetDefault("custodiet.start_before", def.CustodietStartBefore)

	v.SetDefault("task.command", def.TaskCommand)
	v.SetDefault("task.timeout", 5)

	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.url", "")

	v.SetDefault("hydrate.section_paths", []string{
		"AGENTS.md",
		"CLAUDE.md",
		".gatehouse/context.md",
	})
	v.SetDefault("hydrate.ignore_globs", []string{
		"**/.git/**",
		"**/node_modules/**",
		"**/vendor/**",
		"**/dist/**",
		"**/build/**",
		"**/*.lock",
	})
	v.SetDefault("hydrate.max_files", 20)
	v.SetDefault("hydrate.continuation_markers", []string{
		"continue", "also", "again", "instead", "next", "then", "same",
		"more", "too", "still", "it", "that", "this", "those", "them",
	})

	v.SetDefault("autocommit.dir", "")
	v.SetDefault("autocommit.timeout", 30)

	v.SetDefault("transcript.command", "")
	v.SetDefault("transcript.timeout", 120)

	v.SetDefault("subagent.type", "")
}

// Load reads configuration from defaults, an optional gatehouse.yaml, and
// GATEHOUSE_* environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath first when it is
// non-empty.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GATEHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv derives GATEHOUSE_GATES_CUSTODIET and the like; the
	// documented variables are shorter, so bind those spellings too.
	_ = v.BindEnv("gates.custodiet", "GATEHOUSE_CUSTODIET", "GATEHOUSE_GATES_CUSTODIET")
	_ = v.BindEnv("gates.hydration", "GATEHOUSE_HYDRATION", "GATEHOUSE_GATES_HYDRATION")
	_ = v.BindEnv("gates.task_gate", "GATEHOUSE_TASK_GATE", "GATEHOUSE_GATES_TASK_GATE")
	_ = v.BindEnv("log.debug_file", "GATEHOUSE_DEBUG_LOG", "GATEHOUSE_LOG_DEBUG_FILE")

	v.SetConfigName("gatehouse")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "gatehouse"))
		v.AddConfigPath(filepath.Join(home, ".gatehouse"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate rejects settings the rest of the system cannot act on.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Custodiet.Threshold <= 0 {
		errs = append(errs, "custodiet.threshold must be positive")
	}
	if cfg.Custodiet.StartBefore < 0 || cfg.Custodiet.StartBefore >= cfg.Custodiet.Threshold {
		errs = append(errs, "custodiet.start_before must be in [0, threshold)")
	}
	if cfg.Task.Command == "" {
		errs = append(errs, "task.command must not be empty")
	}
	if cfg.Task.Timeout <= 0 {
		errs = append(errs, "task.timeout must be positive")
	}
	if cfg.AutoCommit.Timeout <= 0 {
		errs = append(errs, "autocommit.timeout must be positive")
	}
	if cfg.Transcript.Timeout <= 0 {
		errs = append(errs, "transcript.timeout must be positive")
	}
	if cfg.Hydrate.MaxFiles <= 0 {
		errs = append(errs, "hydrate.max_files must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
