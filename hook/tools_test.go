package hook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gatehouse/hook"
)

func TestClassifyCanonicalNames(t *testing.T) {
	assert.Equal(t, hook.CategoryRead, hook.Classify("Read"))
	assert.Equal(t, hook.CategoryRead, hook.Classify("Grep"))
	assert.Equal(t, hook.CategoryEdit, hook.Classify("Write"))
	assert.Equal(t, hook.CategoryEdit, hook.Classify("MultiEdit"))
	assert.Equal(t, hook.CategoryExec, hook.Classify("Bash"))
	assert.Equal(t, hook.CategorySpawn, hook.Classify("Task"))
	assert.Equal(t, hook.CategoryOther, hook.Classify("Telemetry"))
}

func TestClassifySuffixSpellings(t *testing.T) {
	assert.Equal(t, hook.CategoryEdit, hook.Classify("mcp__fs__Write"))
	assert.Equal(t, hook.CategoryEdit, hook.Classify("functions.Edit"))
	assert.Equal(t, hook.CategoryRead, hook.Classify("tools:Read"))
	assert.Equal(t, hook.CategoryExec, hook.Classify("runtime-Bash"))
}

func TestClassifyLongestSuffixWins(t *testing.T) {
	// NotebookEdit must not resolve through the shorter Edit suffix.
	assert.Equal(t, hook.CategoryEdit, hook.Classify("mcp__jupyter__NotebookEdit"))
	// NotebookRead ends in Read; the full name decides the category.
	assert.Equal(t, hook.CategoryRead, hook.Classify("mcp__jupyter__NotebookRead"))
}

func TestClassifyRequiresSeparator(t *testing.T) {
	// "Rewrite" ends in "Write" with no separator; that is not a match.
	assert.Equal(t, hook.CategoryOther, hook.Classify("Rewrite"))
	assert.Equal(t, hook.CategoryOther, hook.Classify("BashX"))
}

func TestMatchesTool(t *testing.T) {
	assert.True(t, hook.MatchesTool("Write", "Write"))
	assert.True(t, hook.MatchesTool("mcp__fs__Write", "Write"))
	assert.False(t, hook.MatchesTool("Rewrite", "Write"))
	assert.False(t, hook.MatchesTool("Write", "Edit"))
}

func TestReadOnlyShell(t *testing.T) {
	assert.True(t, hook.ReadOnlyShell("git status"))
	assert.True(t, hook.ReadOnlyShell("  git diff HEAD~1"))
	assert.True(t, hook.ReadOnlyShell("ls -la /tmp"))
	assert.True(t, hook.ReadOnlyShell("rg pattern src/"))
	assert.True(t, hook.ReadOnlyShell("bd list --status=active"))
	assert.True(t, hook.ReadOnlyShell(""), "empty command mutates nothing")

	assert.False(t, hook.ReadOnlyShell("git commit -m x"))
	assert.False(t, hook.ReadOnlyShell("rm -rf /tmp/x"))
	assert.False(t, hook.ReadOnlyShell("lsof"), "prefix must end at a word boundary")
	assert.False(t, hook.ReadOnlyShell("catalog build"))
}

func TestMutating(t *testing.T) {
	assert.True(t, hook.Mutating("Edit", nil))
	assert.True(t, hook.Mutating("mcp__fs__Write", nil))
	assert.True(t, hook.Mutating("Bash", map[string]any{"command": "rm -f x"}))

	assert.False(t, hook.Mutating("Read", nil))
	assert.False(t, hook.Mutating("Bash", map[string]any{"command": "git log -5"}))
	assert.False(t, hook.Mutating("Task", map[string]any{"subagent_type": "critic"}))
}
