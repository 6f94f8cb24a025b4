// Package normalize reduces runtime payload variance to the canonical
// hook.Context. All spelling differences between runtimes end here; the
// rest of the system never sees a raw payload.
package normalize

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatehouse/hook"
)

// Runtime tags accepted by the --client flag.
const (
	ClientClaude  = "claude"
	ClientGeneric = "generic"
)

// genericEvents maps the generic runtime's event names onto the canonical
// set. The generic runtime reports no distinct post-stop event, so its
// SessionEnd is the session's Stop.
var genericEvents = map[string]hook.Event{
	"BeforeTool":    hook.PreToolUse,
	"AfterTool":     hook.PostToolUse,
	"UserPrompt":    hook.UserPromptSubmit,
	"AgentResponse": hook.AfterAgent,
	"SessionEnd":    hook.Stop,
}

// SessionResolver recovers the session id recorded for a parent process,
// for events that arrive without one.
type SessionResolver interface {
	LastKnownSession(ppid int) string
}

// Normalizer turns one raw payload into a hook.Context.
type Normalizer struct {
	client       string
	resolver     SessionResolver
	subagentType string // env override; authoritative when set
	now          func() time.Time
	ppid         func() int
}

// Option adjusts a Normalizer.
type Option func(*Normalizer)

// WithSessionResolver enables ppid-based session recovery.
func WithSessionResolver(r SessionResolver) Option {
	return func(n *Normalizer) { n.resolver = r }
}

// WithSubagentType forces the sub-agent type, as the spawning agent does
// through the environment for its children's hook processes.
func WithSubagentType(t string) Option {
	return func(n *Normalizer) { n.subagentType = t }
}

// WithClock fixes the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// WithParentPID fixes the parent-process probe.
func WithParentPID(fn func() int) Option {
	return func(n *Normalizer) { n.ppid = fn }
}

// New builds a Normalizer for one runtime client.
func New(client string, opts ...Option) *Normalizer {
	n := &Normalizer{
		client: client,
		now:    time.Now,
		ppid:   os.Getppid,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize parses one payload. eventOverride, when non-empty, wins over
// any event name in the payload. The returned error means the payload was
// not a JSON object; the caller replies with an empty object in that case.
func (n *Normalizer) Normalize(data []byte, eventOverride string) (*hook.Context, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse hook payload: %w", err)
	}
	if p == nil {
		p = payload{}
	}

	name := p.takeString("hook_event_name", "hookEventName", "event_name", "event")
	if eventOverride != "" {
		name = eventOverride
	}
	ev := n.resolveEvent(name)

	ctx := &hook.Context{
		Event:          ev,
		ToolName:       p.takeString("tool_name", "toolName"),
		Prompt:         p.takeString("prompt", "user_prompt", "userPrompt"),
		ResponseText:   p.takeString("response", "agent_response", "last_message", "final_response"),
		TranscriptPath: p.takeString("transcript_path", "transcriptPath"),
		CWD:            p.takeString("cwd", "working_dir"),
		AgentID:        p.takeString("agent_id", "agentId"),
		SubagentType:   p.takeString("subagent_type", "subagentType", "agent_type", "agentType"),
		TraceID:        p.takeString("trace_id", "traceId"),
		ReceivedAt:     n.now().UTC(),
	}
	if ctx.TraceID == "" {
		ctx.TraceID = uuid.NewString()
	}
	if n.subagentType != "" {
		ctx.SubagentType = n.subagentType
	}

	ctx.ToolInput = p.takeMapping("tool_input", "toolInput")
	ctx.ToolOutput, ctx.ResponseText = p.takeOutput(ctx.ResponseText,
		"tool_output", "toolOutput", "tool_result", "toolResult", "tool_response", "subagent_result")

	slug := p.takeString("slug")
	ctx.SessionID = n.resolveSession(p, ev, slug)
	ctx.IsSubagent = n.resolveSubagent(p, ctx)

	if len(p) > 0 {
		ctx.Raw = map[string]any(p)
	}
	return ctx, nil
}

// resolveEvent applies the generic runtime's mapping and passes unknown
// names through untouched; the router treats those as no-ops.
func (n *Normalizer) resolveEvent(name string) hook.Event {
	if n.client == ClientGeneric {
		if mapped, ok := genericEvents[name]; ok {
			return mapped
		}
	}
	return hook.Event(name)
}

// resolveSession extracts or synthesizes the session id. SessionStart
// without one mints an id tagged with the payload slug or the runtime
// name; other events recover the parent process's last known session
// before falling back to an unknown tag.
func (n *Normalizer) resolveSession(p payload, ev hook.Event, slug string) string {
	if sid := p.takeString("session_id", "sessionId"); sid != "" {
		return sid
	}
	if ev == hook.SessionStart {
		tag := n.client
		if slug != "" {
			tag = slug
		}
		return n.syntheticID(tag)
	}
	if n.resolver != nil {
		if sid := n.resolver.LastKnownSession(n.ppid()); sid != "" {
			return sid
		}
	}
	return n.syntheticID("unknown")
}

// resolveSubagent applies the sidechain rules. SubagentStart and
// SubagentStop describe a sub-agent but arrive in the parent's stream, so
// they are never themselves sub-agent events.
func (n *Normalizer) resolveSubagent(p payload, ctx *hook.Context) bool {
	sub := p.takeBool("is_sidechain") || p.takeBool("isSidechain") ||
		p.takeBool("is_subagent") || p.takeBool("isSubagent")

	if !sub && n.subagentType != "" {
		sub = true
	}
	if !sub && ctx.SubagentType != "" && hook.Classify(ctx.ToolName) == hook.CategorySpawn {
		sub = true
	}
	if ctx.Event == hook.SubagentStart || ctx.Event == hook.SubagentStop {
		return false
	}
	return sub
}

func (n *Normalizer) syntheticID(tag string) string {
	stamp := n.now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s-%s", tag, stamp, randomTag())
}

// randomTag returns 8 hex characters of fresh randomness.
func randomTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Denormalize renders a canonical payload for a context, the inverse of
// Normalize up to raw remainder and synthesized fields.
func Denormalize(ctx *hook.Context) map[string]any {
	m := map[string]any{
		"hook_event_name": string(ctx.Event),
		"session_id":      ctx.SessionID,
	}
	if ctx.ToolName != "" {
		m["tool_name"] = ctx.ToolName
	}
	if ctx.ToolInput != nil {
		m["tool_input"] = ctx.ToolInput
	}
	if ctx.ToolOutput != nil {
		m["tool_output"] = ctx.ToolOutput
	}
	if ctx.Prompt != "" {
		m["prompt"] = ctx.Prompt
	}
	if ctx.ResponseText != "" {
		m["response"] = ctx.ResponseText
	}
	if ctx.TranscriptPath != "" {
		m["transcript_path"] = ctx.TranscriptPath
	}
	if ctx.CWD != "" {
		m["cwd"] = ctx.CWD
	}
	if ctx.AgentID != "" {
		m["agent_id"] = ctx.AgentID
	}
	if ctx.SubagentType != "" {
		m["subagent_type"] = ctx.SubagentType
	}
	if ctx.IsSubagent {
		m["is_sidechain"] = true
	}
	return m
}

// payload is the mutable raw object; take* methods consume recognized
// fields so the remainder lands on Context.Raw.
type payload map[string]any

// takeString consumes the first listed key holding a string. Keys holding
// other types are left for the raw remainder.
func (p payload) takeString(keys ...string) string {
	for _, k := range keys {
		v, ok := p[k]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			delete(p, k)
			return s
		}
	}
	return ""
}

// takeBool consumes a bool under the given key.
func (p payload) takeBool(key string) bool {
	v, ok := p[key]
	if !ok {
		return false
	}
	if b, ok := v.(bool); ok {
		delete(p, key)
		return b
	}
	return false
}

// takeMapping consumes a JSON object, accepting either a real object or a
// JSON-encoded string. A string that does not parse stays in place.
func (p payload) takeMapping(keys ...string) map[string]any {
	for _, k := range keys {
		v, ok := p[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			delete(p, k)
			return t
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(t), &m); err == nil && m != nil {
				delete(p, k)
				return m
			}
		}
	}
	return nil
}

// takeOutput consumes the tool-output family: objects (or JSON-encoded
// objects) become the output mapping, while plain text becomes the
// response text when none was extracted yet.
func (p payload) takeOutput(responseText string, keys ...string) (map[string]any, string) {
	for _, k := range keys {
		v, ok := p[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			delete(p, k)
			return t, responseText
		case string:
			var m map[string]any
			if err := json.Unmarshal([]byte(t), &m); err == nil && m != nil {
				delete(p, k)
				return m, responseText
			}
			if responseText == "" && t != "" {
				delete(p, k)
				return nil, t
			}
		}
	}
	return nil, responseText
}
