package hook

import "strings"

// Category groups tools by the kind of effect they have. Gate conditions
// exclude categories rather than enumerating every runtime spelling.
type Category string

const (
	CategoryRead  Category = "read"  // Inspection only.
	CategoryEdit  Category = "edit"  // Mutates files.
	CategoryExec  Category = "exec"  // Runs shell commands.
	CategorySpawn Category = "spawn" // Spawns a sub-agent.
	CategoryOther Category = "other"
)

// categoryByTool maps canonical tool names to categories. Runtime-specific
// spellings (mcp__server__Write, functions.Edit) resolve through suffix
// matching in Classify.
var categoryByTool = map[string]Category{
	"Read":         CategoryRead,
	"Glob":         CategoryRead,
	"Grep":         CategoryRead,
	"WebFetch":     CategoryRead,
	"WebSearch":    CategoryRead,
	"NotebookRead": CategoryRead,
	"TodoRead":     CategoryRead,

	"Write":        CategoryEdit,
	"Edit":         CategoryEdit,
	"MultiEdit":    CategoryEdit,
	"NotebookEdit": CategoryEdit,
	"TodoWrite":    CategoryEdit,

	"Bash":      CategoryExec,
	"KillShell": CategoryExec,

	"Task":  CategorySpawn,
	"Agent": CategorySpawn,
}

// toolSeparators are the characters runtimes use to join a namespace onto
// a canonical tool name.
const toolSeparators = "_.-:"

// Classify resolves a runtime tool name to a category. An exact table hit
// wins; otherwise the longest canonical name that is a suffix of toolName,
// preceded by a separator, wins. Unmatched names classify as other.
func Classify(toolName string) Category {
	if c, ok := categoryByTool[toolName]; ok {
		return c
	}
	best := ""
	for canonical := range categoryByTool {
		if len(canonical) >= len(toolName) || len(canonical) <= len(best) {
			continue
		}
		if !strings.HasSuffix(toolName, canonical) {
			continue
		}
		sep := toolName[len(toolName)-len(canonical)-1]
		if strings.IndexByte(toolSeparators, sep) >= 0 {
			best = canonical
		}
	}
	if best != "" {
		return categoryByTool[best]
	}
	return CategoryOther
}

// MatchesTool reports whether a runtime tool name matches a canonical name
// under the same suffix rule Classify uses.
func MatchesTool(toolName, canonical string) bool {
	if toolName == canonical {
		return true
	}
	if len(toolName) <= len(canonical) || !strings.HasSuffix(toolName, canonical) {
		return false
	}
	sep := toolName[len(toolName)-len(canonical)-1]
	return strings.IndexByte(toolSeparators, sep) >= 0
}

// readOnlyShellPrefixes lists shell command prefixes that never mutate
// state. A Bash invocation whose command starts with one of these counts
// as read-only for gate purposes.
var readOnlyShellPrefixes = []string{
	"ls", "cat", "head", "tail", "wc", "pwd", "echo", "which", "file",
	"stat", "du", "df", "env", "printenv", "date", "whoami",
	"grep", "rg", "find", "fd", "tree",
	"git status", "git diff", "git log", "git show", "git branch",
	"git remote", "git stash list",
	"bd list", "bd show", "bd stats",
}

// ReadOnlyShell reports whether a shell command string is on the read-only
// allow-list. Matching is word-boundary prefix matching after trimming
// leading whitespace.
func ReadOnlyShell(command string) bool {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return true
	}
	for _, prefix := range readOnlyShellPrefixes {
		if cmd == prefix {
			return true
		}
		if strings.HasPrefix(cmd, prefix) {
			rest := cmd[len(prefix)]
			if rest == ' ' || rest == '\t' {
				return true
			}
		}
	}
	return false
}

// Mutating reports whether the tool invocation can modify state: any edit
// tool, or an exec tool whose command is not on the read-only allow-list.
func Mutating(toolName string, toolInput map[string]any) bool {
	switch Classify(toolName) {
	case CategoryEdit:
		return true
	case CategoryExec:
		cmd, _ := toolInput["command"].(string)
		return !ReadOnlyShell(cmd)
	}
	return false
}
