// Package hook defines the canonical event model shared by the router,
// the gate engine, and the response encoders.
//
// Agent runtimes invoke the gatehouse binary at lifecycle points and hand it
// a JSON payload on stdin. The normalizer reduces every runtime's payload to
// a [Context]; gates consume the Context and produce [Result] values whose
// verdicts merge under a fixed precedence ([Merge]).
package hook

import "time"

// Event identifies the lifecycle point at which the router was invoked.
type Event string

const (
	SessionStart     Event = "SessionStart"
	UserPromptSubmit Event = "UserPromptSubmit"
	PreToolUse       Event = "PreToolUse"
	PostToolUse      Event = "PostToolUse"
	AfterAgent       Event = "AfterAgent"
	SubagentStart    Event = "SubagentStart"
	SubagentStop     Event = "SubagentStop"
	Stop             Event = "Stop"
	SessionEnd       Event = "SessionEnd"
	Notification     Event = "Notification"
)

// Known reports whether e is one of the canonical events. Unknown events
// pass through the router with side handlers only.
func (e Event) Known() bool {
	switch e {
	case SessionStart, UserPromptSubmit, PreToolUse, PostToolUse, AfterAgent,
		SubagentStart, SubagentStop, Stop, SessionEnd, Notification:
		return true
	}
	return false
}

// StopClass reports whether e ends the session's work (Stop or SessionEnd).
// Stop-class events run gate policies before cleanup triggers and feed the
// crash-loop circuit breaker.
func (e Event) StopClass() bool {
	return e == Stop || e == SessionEnd
}

// Context is the canonical form of one hook invocation. The normalizer fills
// it from a runtime payload; everything downstream reads only this.
type Context struct {
	SessionID  string
	Event      Event
	ToolName   string         // Tool events.
	ToolInput  map[string]any // PreToolUse, PostToolUse.
	ToolOutput map[string]any // PostToolUse, SubagentStop.

	Prompt       string // UserPromptSubmit.
	ResponseText string // AfterAgent (the agent's reply text).

	TranscriptPath string
	CWD            string
	AgentID        string
	SubagentType   string // Sub-agent events; env override is authoritative.
	IsSubagent     bool   // Event originated inside a spawned sub-agent.
	TraceID        string

	ReceivedAt time.Time // When the router read the payload.

	// Raw holds the payload remainder after recognized fields are stripped.
	Raw map[string]any
}

// Tool reports whether the event carries a tool invocation.
func (c *Context) Tool() bool {
	return c.Event == PreToolUse || c.Event == PostToolUse
}

// InputString returns a string field from ToolInput, or "" when absent.
func (c *Context) InputString(key string) string {
	if c.ToolInput == nil {
		return ""
	}
	s, _ := c.ToolInput[key].(string)
	return s
}
