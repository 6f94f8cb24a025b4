package gate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"gatehouse/hook"
	"gatehouse/internal/state"
)

// MissingPlaceholderError marks a malformed gate config: a template names
// a variable evaluation cannot resolve. The engine converts it into a
// deny naming the gate and the variable rather than emitting a broken
// instruction.
type MissingPlaceholderError struct {
	Gate        string
	Placeholder string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("gate %s: template references undefined placeholder {%s}", e.Gate, e.Placeholder)
}

var placeholderRe = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

// Render substitutes {name} placeholders from vars. Unresolvable
// placeholders fail fast.
func Render(gateName, template string, vars map[string]string) (string, error) {
	var missing *MissingPlaceholderError
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		if missing == nil {
			missing = &MissingPlaceholderError{Gate: gateName, Placeholder: name}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// DeriveTempPath computes the deterministic per-gate note path used when a
// template references temp_path before the metric is set.
func DeriveTempPath(gateName, sessionID string) string {
	dir := filepath.Join(os.TempDir(), "gatehouse-"+state.SessionHash(sessionID))
	return filepath.Join(dir, gateName+"_note.md")
}

// templateVars assembles the resolution set for one gate and event:
// session and tool identity, gate position, counters, and every metric.
func templateVars(ev *hook.Context, g *state.GateState, gateName string) map[string]string {
	vars := map[string]string{
		"gate":       gateName,
		"session_id": ev.SessionID,
		"tool_name":  ev.ToolName,
	}
	if g != nil {
		vars["status"] = string(g.Status)
		vars["ops_since_open"] = strconv.Itoa(g.OpsSinceOpen)
		vars["ops_since_close"] = strconv.Itoa(g.OpsSinceClose)
		vars["blocked"] = strconv.FormatBool(g.Blocked)
		vars["block_reason"] = g.BlockReason
		for name, value := range g.Metrics {
			vars[name] = fmt.Sprintf("%v", value)
		}
	}
	if _, ok := vars["temp_path"]; !ok {
		vars["temp_path"] = DeriveTempPath(gateName, ev.SessionID)
	}
	return vars
}
