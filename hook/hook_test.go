package hook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gatehouse/hook"
)

func TestEventConstants(t *testing.T) {
	events := []hook.Event{
		hook.SessionStart,
		hook.UserPromptSubmit,
		hook.PreToolUse,
		hook.PostToolUse,
		hook.AfterAgent,
		hook.SubagentStart,
		hook.SubagentStop,
		hook.Stop,
		hook.SessionEnd,
		hook.Notification,
	}
	seen := make(map[hook.Event]bool, len(events))
	for _, e := range events {
		assert.NotEmpty(t, string(e), "event constant must not be empty")
		assert.False(t, seen[e], "duplicate event constant: %s", e)
		assert.True(t, e.Known(), "%s should be a known event", e)
		seen[e] = true
	}
}

func TestEventKnown_Unknown(t *testing.T) {
	assert.False(t, hook.Event("PreCompact").Known())
	assert.False(t, hook.Event("").Known())
}

func TestEventStopClass(t *testing.T) {
	assert.True(t, hook.Stop.StopClass())
	assert.True(t, hook.SessionEnd.StopClass())
	assert.False(t, hook.PreToolUse.StopClass())
	assert.False(t, hook.UserPromptSubmit.StopClass())
}

func TestContextTool(t *testing.T) {
	ctx := &hook.Context{Event: hook.PreToolUse, ToolName: "Edit"}
	assert.True(t, ctx.Tool())

	ctx.Event = hook.PostToolUse
	assert.True(t, ctx.Tool())

	ctx.Event = hook.UserPromptSubmit
	assert.False(t, ctx.Tool())
}

func TestContextInputString(t *testing.T) {
	ctx := &hook.Context{
		ToolInput: map[string]any{"command": "git status", "timeout": 5},
	}
	assert.Equal(t, "git status", ctx.InputString("command"))
	assert.Empty(t, ctx.InputString("timeout"), "non-string values read as empty")
	assert.Empty(t, ctx.InputString("missing"))

	var empty hook.Context
	assert.Empty(t, empty.InputString("command"), "nil ToolInput must not panic")
}
