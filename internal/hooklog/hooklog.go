// Package hooklog appends one JSONL record per hook invocation to a
// per-session log. The log is append-only and best-effort: a full disk
// or bad permissions cost the record, never the reply.
package hooklog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"gatehouse/hook"
	"gatehouse/internal/logging"
	"gatehouse/internal/state"
)

// maxFieldBytes bounds any one input value in the logged payload.
// Transcript blobs and tool outputs routinely run to megabytes.
const maxFieldBytes = 2048

// Contribution is one gate's share of the verdict.
type Contribution struct {
	Gate    string       `json:"gate"`
	Source  string       `json:"source"` // trigger, policy, countdown, or error
	Verdict hook.Verdict `json:"verdict"`
	Reason  string       `json:"reason,omitempty"`
}

// Record is one line of the per-session log.
type Record struct {
	TS          time.Time      `json:"ts"`
	SessionID   string         `json:"session_id"`
	Event       hook.Event     `json:"event"`
	Tool        string         `json:"tool,omitempty"`
	Verdict     hook.Verdict   `json:"verdict"`
	Reason      string         `json:"reason,omitempty"`
	TriggerOnly bool           `json:"trigger_only,omitempty"`
	ForcedAllow bool           `json:"forced_allow,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	Gates       []Contribution `json:"gates,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// Writer appends records under <stateDir>/logs.
type Writer struct {
	dir string
	log *logging.Logger
}

// NewWriter builds a Writer rooted at the session-status directory.
func NewWriter(stateDir string, log *logging.Logger) *Writer {
	if log == nil {
		log = logging.Nop()
	}
	return &Writer{dir: filepath.Join(stateDir, "logs"), log: log}
}

// Dir returns the log directory.
func (w *Writer) Dir() string { return w.dir }

// Append writes one record. I/O failures are logged and swallowed.
func (w *Writer) Append(rec Record) {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	rec.Input = ScrubInput(rec.Input)

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.log.Warn("hook log directory unavailable", zap.String("dir", w.dir), zap.Error(err))
		return
	}

	name := fmt.Sprintf("%s-%s.jsonl", rec.TS.UTC().Format("20060102"), state.SessionHash(rec.SessionID))
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.log.Warn("hook log open failed", zap.String("file", name), zap.Error(err))
		return
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		w.log.Warn("hook log marshal failed", zap.Error(err))
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		w.log.Warn("hook log write failed", zap.String("file", name), zap.Error(err))
	}
}

// ScrubInput copies an event payload with oversized values elided so one
// record stays a readable line.
func ScrubInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxFieldBytes {
			return t[:maxFieldBytes] + fmt.Sprintf("... [%d bytes trimmed]", len(t)-maxFieldBytes)
		}
		return t
	case map[string]any:
		if encoded, err := json.Marshal(t); err == nil && len(encoded) > maxFieldBytes {
			return fmt.Sprintf("<%d bytes elided>", len(encoded))
		}
		return t
	case []any:
		if encoded, err := json.Marshal(t); err == nil && len(encoded) > maxFieldBytes {
			return fmt.Sprintf("<%d bytes elided>", len(encoded))
		}
		return t
	default:
		return v
	}
}
