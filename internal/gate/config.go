// Package gate implements the declarative gate engine: configuration
// records, condition evaluation, template rendering, the registry that
// fixes evaluation order, and the built-in gate set.
//
// A gate is a row of data, not a subclass. New policies are new
// configuration, not new code paths; only custom checks and actions are
// registered Go functions.
package gate

import (
	"fmt"
	"regexp"
	"strings"

	"gatehouse/hook"
)

// Countdown warns in the last StartBefore operations before a metric
// reaches its threshold.
type Countdown struct {
	Metric          string `json:"metric" yaml:"metric"`
	Threshold       int    `json:"threshold" yaml:"threshold"`
	StartBefore     int    `json:"start_before" yaml:"start_before"`
	MessageTemplate string `json:"message_template" yaml:"message_template"`
}

// MetricThreshold is a minimum-value clause over one gate metric.
type MetricThreshold struct {
	Metric string `json:"metric" yaml:"metric"`
	Value  int    `json:"value" yaml:"value"`
}

// Condition is a total conjunction: every set clause must hold, and a
// clause whose context field is absent is false, never an error.
type Condition struct {
	CurrentStatus          string           `json:"current_status,omitempty" yaml:"current_status,omitempty" jsonschema:"enum=,enum=open,enum=closed"`
	HookEvent              string           `json:"hook_event,omitempty" yaml:"hook_event,omitempty"`
	ToolNamePattern        string           `json:"tool_name_pattern,omitempty" yaml:"tool_name_pattern,omitempty"`
	ExcludedToolCategories []string         `json:"excluded_tool_categories,omitempty" yaml:"excluded_tool_categories,omitempty"`
	ToolInputPattern       string           `json:"tool_input_pattern,omitempty" yaml:"tool_input_pattern,omitempty"`
	SubagentTypePattern    string           `json:"subagent_type_pattern,omitempty" yaml:"subagent_type_pattern,omitempty"`
	MinOpsSinceOpen        int              `json:"min_ops_since_open,omitempty" yaml:"min_ops_since_open,omitempty"`
	MinOpsSinceClose       int              `json:"min_ops_since_close,omitempty" yaml:"min_ops_since_close,omitempty"`
	MinMetric              *MetricThreshold `json:"min_metric,omitempty" yaml:"min_metric,omitempty"`
	CustomCheck            string           `json:"custom_check,omitempty" yaml:"custom_check,omitempty"`
}

// Transition is a trigger's effect on gate and session state.
type Transition struct {
	SetStatus             string         `json:"set_status,omitempty" yaml:"set_status,omitempty" jsonschema:"enum=,enum=open,enum=closed"`
	ResetOpsOpen          bool           `json:"reset_ops_open,omitempty" yaml:"reset_ops_open,omitempty"`
	ResetOpsClose         bool           `json:"reset_ops_close,omitempty" yaml:"reset_ops_close,omitempty"`
	SetMetrics            map[string]any `json:"set_metrics,omitempty" yaml:"set_metrics,omitempty"`
	IncMetrics            map[string]int `json:"inc_metrics,omitempty" yaml:"inc_metrics,omitempty"`
	CustomAction          string         `json:"custom_action,omitempty" yaml:"custom_action,omitempty"`
	SystemMessageTemplate string         `json:"system_message_template,omitempty" yaml:"system_message_template,omitempty"`
	ContextTemplate       string         `json:"context_template,omitempty" yaml:"context_template,omitempty"`
}

// Trigger fires a transition when its condition matches. Within one gate
// the first matching trigger wins.
type Trigger struct {
	Condition  Condition  `json:"condition" yaml:"condition"`
	Transition Transition `json:"transition" yaml:"transition"`
}

// Policy emits a verdict when its condition matches. Within one gate the
// first matching policy wins.
type Policy struct {
	Condition       Condition `json:"condition" yaml:"condition"`
	Verdict         string    `json:"verdict" yaml:"verdict" jsonschema:"enum=allow,enum=warn,enum=ask,enum=deny"`
	MessageTemplate string    `json:"message_template,omitempty" yaml:"message_template,omitempty"`
	ContextTemplate string    `json:"context_template,omitempty" yaml:"context_template,omitempty"`
}

// Config is one gate's full static definition.
type Config struct {
	Name          string     `json:"name" yaml:"name"`
	InitialStatus string     `json:"initial_status" yaml:"initial_status" jsonschema:"enum=open,enum=closed"`
	Countdown     *Countdown `json:"countdown,omitempty" yaml:"countdown,omitempty"`
	Triggers      []Trigger  `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Policies      []Policy   `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// Validate rejects malformed gate definitions at load time so evaluation
// never meets an unparsable verdict or pattern.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("gate config missing name")
	}
	if c.InitialStatus != "open" && c.InitialStatus != "closed" {
		return fmt.Errorf("gate %s: initial_status must be open or closed, got %q", c.Name, c.InitialStatus)
	}
	if cd := c.Countdown; cd != nil {
		if cd.Metric == "" {
			return fmt.Errorf("gate %s: countdown missing metric", c.Name)
		}
		if cd.Threshold <= 0 || cd.StartBefore <= 0 || cd.StartBefore > cd.Threshold {
			return fmt.Errorf("gate %s: countdown needs 0 < start_before <= threshold", c.Name)
		}
	}
	for i, tr := range c.Triggers {
		if err := tr.Condition.validate(); err != nil {
			return fmt.Errorf("gate %s trigger %d: %w", c.Name, i, err)
		}
		if s := tr.Transition.SetStatus; s != "" && s != "open" && s != "closed" {
			return fmt.Errorf("gate %s trigger %d: set_status must be open or closed, got %q", c.Name, i, s)
		}
	}
	for i, p := range c.Policies {
		if err := p.Condition.validate(); err != nil {
			return fmt.Errorf("gate %s policy %d: %w", c.Name, i, err)
		}
		if _, err := hook.ParseVerdict(p.Verdict); err != nil {
			return fmt.Errorf("gate %s policy %d: %w", c.Name, i, err)
		}
	}
	return nil
}

func (c *Condition) validate() error {
	for _, pattern := range []string{c.HookEvent, c.ToolNamePattern, c.ToolInputPattern, c.SubagentTypePattern} {
		if !patternIsRegex(pattern) {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
	}
	if c.MinMetric != nil && c.MinMetric.Metric == "" {
		return fmt.Errorf("min_metric missing metric name")
	}
	return nil
}

// patternIsRegex reports whether a pattern should match as a regular
// expression rather than by equality: any regex metacharacter flips it.
func patternIsRegex(pattern string) bool {
	return strings.ContainsAny(pattern, `\.+*?()|[]{}^$`)
}
