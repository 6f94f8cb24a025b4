package hook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Verdict is a gate's judgement on one event. Values are ordered by
// severity so that merging can take the maximum.
type Verdict int

const (
	Allow Verdict = iota // Event proceeds unchanged.
	Warn                 // Event proceeds; the message is surfaced to the user.
	Ask                  // Runtime should confirm with the user where supported.
	Deny                 // Event is blocked.
)

var verdictNames = map[Verdict]string{
	Allow: "allow",
	Warn:  "warn",
	Ask:   "ask",
	Deny:  "deny",
}

// String returns the lowercase wire name of the verdict.
func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// ParseVerdict converts a wire name back to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(s) {
	case "allow":
		return Allow, nil
	case "warn":
		return Warn, nil
	case "ask":
		return Ask, nil
	case "deny":
		return Deny, nil
	}
	return Allow, fmt.Errorf("unknown verdict %q", s)
}

// MarshalJSON encodes the verdict as its wire name.
func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// UnmarshalJSON decodes a wire name into the verdict.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVerdict(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Result is one gate's contribution to the reply. The zero value is a
// silent allow.
type Result struct {
	Verdict          Verdict
	SystemMessage    string         // User-visible note.
	ContextInjection string         // Re-inserted into the agent's prompt stream.
	UpdatedInput     map[string]any // Replaces the tool input when non-nil (PreToolUse).
	Metadata         map[string]any
}

// Merge folds gate results into one reply under the precedence
// deny > ask > warn > allow. System messages join with newlines, context
// injections with blank lines, the last non-nil UpdatedInput wins, and
// metadata merges left to right.
func Merge(results ...Result) Result {
	var merged Result
	var messages, injections []string
	for _, r := range results {
		if r.Verdict > merged.Verdict {
			merged.Verdict = r.Verdict
		}
		if r.SystemMessage != "" {
			messages = append(messages, r.SystemMessage)
		}
		if r.ContextInjection != "" {
			injections = append(injections, r.ContextInjection)
		}
		if r.UpdatedInput != nil {
			merged.UpdatedInput = r.UpdatedInput
		}
		for k, val := range r.Metadata {
			if merged.Metadata == nil {
				merged.Metadata = make(map[string]any)
			}
			merged.Metadata[k] = val
		}
	}
	merged.SystemMessage = strings.Join(messages, "\n")
	merged.ContextInjection = strings.Join(injections, "\n\n")
	return merged
}
