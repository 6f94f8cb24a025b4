package gate

import (
	"context"
	"encoding/json"
	"regexp"

	"gatehouse/hook"
	"gatehouse/internal/state"
)

// Matches evaluates the condition against one event. Evaluation is total:
// a clause whose context field is missing is false, and unknown custom
// checks are false.
func (c *Condition) Matches(ctx context.Context, env *Env, ev *hook.Context, st *state.State, g *state.GateState) bool {
	if c.CurrentStatus != "" {
		if g == nil || string(g.Status) != c.CurrentStatus {
			return false
		}
	}
	if c.HookEvent != "" && !matchPattern(c.HookEvent, string(ev.Event)) {
		return false
	}
	if c.ToolNamePattern != "" {
		if ev.ToolName == "" || !matchToolPattern(c.ToolNamePattern, ev.ToolName) {
			return false
		}
	}
	if len(c.ExcludedToolCategories) > 0 {
		if ev.ToolName == "" {
			return false
		}
		category := string(hook.Classify(ev.ToolName))
		for _, excluded := range c.ExcludedToolCategories {
			if category == excluded {
				return false
			}
		}
	}
	if c.ToolInputPattern != "" {
		if ev.ToolInput == nil || !matchPattern(c.ToolInputPattern, encodeInput(ev.ToolInput)) {
			return false
		}
	}
	if c.SubagentTypePattern != "" {
		if ev.SubagentType == "" || !matchPattern(c.SubagentTypePattern, ev.SubagentType) {
			return false
		}
	}
	if c.MinOpsSinceOpen > 0 {
		if g == nil || g.OpsSinceOpen < c.MinOpsSinceOpen {
			return false
		}
	}
	if c.MinOpsSinceClose > 0 {
		if g == nil || g.OpsSinceClose < c.MinOpsSinceClose {
			return false
		}
	}
	if c.MinMetric != nil {
		if g == nil || g.MetricInt(c.MinMetric.Metric) < c.MinMetric.Value {
			return false
		}
	}
	if c.CustomCheck != "" {
		check, ok := env.registry.checks[c.CustomCheck]
		if !ok {
			return false
		}
		if !check(ctx, env, ev, st, g) {
			return false
		}
	}
	return true
}

// matchPattern matches as regex when the pattern carries metacharacters,
// else by equality.
func matchPattern(pattern, value string) bool {
	if !patternIsRegex(pattern) {
		return pattern == value
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// matchToolPattern matches tool names: regex when the pattern carries
// metacharacters, else suffix-equality so runtime-prefixed spellings
// resolve to canonical names.
func matchToolPattern(pattern, toolName string) bool {
	if patternIsRegex(pattern) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(toolName)
	}
	return hook.MatchesTool(toolName, pattern)
}

// encodeInput renders tool input as compact JSON for pattern clauses.
func encodeInput(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(b)
}
