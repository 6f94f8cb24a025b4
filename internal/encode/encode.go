// Package encode renders a merged gate result as the reply JSON each
// runtime dialect expects, and parses such replies back into results.
//
// The claude dialect distinguishes stop-class events, which answer with a
// decision/stopReason object, from tool and prompt events, which answer
// through hookSpecificOutput and a permission decision. The generic
// dialect uses one object shape for every event. Verdicts a shape cannot
// express are downgraded: warn becomes an allow with a visible
// systemMessage, ask becomes an allow whose prompt rides in
// additionalContext, or in systemMessage on stop-class events where no
// context slot exists.
package encode

import (
	"encoding/json"
	"fmt"
	"strings"

	"gatehouse/hook"
	"gatehouse/internal/normalize"
)

// claudeToolOutput is the hookSpecificOutput object the claude runtime
// reads on tool, prompt, and session events.
type claudeToolOutput struct {
	HookEventName            string         `json:"hookEventName"`
	PermissionDecision       string         `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string         `json:"permissionDecisionReason,omitempty"`
	AdditionalContext        string         `json:"additionalContext,omitempty"`
	UpdatedInput             map[string]any `json:"updatedInput,omitempty"`
}

// claudeReply is the claude runtime's reply envelope. Stop-class events
// use the decision fields; everything else rides in HookSpecificOutput.
type claudeReply struct {
	Decision           string            `json:"decision,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	StopReason         string            `json:"stopReason,omitempty"`
	SystemMessage      string            `json:"systemMessage,omitempty"`
	HookSpecificOutput *claudeToolOutput `json:"hookSpecificOutput,omitempty"`
}

// genericHookOutput mirrors claudeToolOutput for the generic runtime,
// which has no permission-decision channel.
type genericHookOutput struct {
	HookEventName     string         `json:"hookEventName"`
	AdditionalContext string         `json:"additionalContext,omitempty"`
	UpdatedInput      map[string]any `json:"updatedInput,omitempty"`
}

// genericReply is the generic runtime's single reply shape. Decision is
// always present and is only ever "allow" or "deny".
type genericReply struct {
	Decision           string             `json:"decision"`
	Reason             string             `json:"reason,omitempty"`
	SystemMessage      string             `json:"systemMessage,omitempty"`
	HookSpecificOutput *genericHookOutput `json:"hookSpecificOutput,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
}

// Reply encodes the merged result for one event in the client's dialect.
func Reply(client string, ev hook.Event, res hook.Result) ([]byte, error) {
	switch client {
	case normalize.ClientClaude:
		if ev.StopClass() {
			return json.Marshal(claudeStop(res))
		}
		return json.Marshal(claudeEvent(ev, res))
	case normalize.ClientGeneric:
		return json.Marshal(generic(ev, res))
	}
	return nil, fmt.Errorf("encode: unknown client %q", client)
}

// DecodeReply parses a reply produced by Reply back into a result. Warn
// and allow collapse on the wire, so an allow carrying a systemMessage
// decodes as warn. Downgraded asks decode as the allow they became.
func DecodeReply(client string, ev hook.Event, data []byte) (hook.Result, error) {
	switch client {
	case normalize.ClientClaude:
		if ev.StopClass() {
			return decodeClaudeStop(data)
		}
		return decodeClaudeEvent(data)
	case normalize.ClientGeneric:
		return decodeGeneric(data)
	}
	return hook.Result{}, fmt.Errorf("encode: unknown client %q", client)
}

// claudeStop builds the Stop/SessionEnd reply. The runtime shows
// systemMessage to the user and feeds reason back to the agent when the
// stop is blocked, so both carry the full joined text.
func claudeStop(res hook.Result) claudeReply {
	visible := joinBlocks(res.SystemMessage, res.ContextInjection)
	if res.Verdict == hook.Deny {
		return claudeReply{
			Decision:      "block",
			Reason:        visible,
			StopReason:    firstLine(visible),
			SystemMessage: visible,
		}
	}
	return claudeReply{Decision: "approve", SystemMessage: visible}
}

func claudeEvent(ev hook.Event, res hook.Result) claudeReply {
	reply := claudeReply{SystemMessage: res.SystemMessage}
	needsOutput := res.Verdict == hook.Deny || res.Verdict == hook.Ask ||
		res.ContextInjection != "" || len(res.UpdatedInput) > 0
	if !needsOutput {
		return reply
	}
	out := &claudeToolOutput{
		HookEventName:     string(ev),
		AdditionalContext: res.ContextInjection,
		UpdatedInput:      res.UpdatedInput,
	}
	switch res.Verdict {
	case hook.Deny:
		out.PermissionDecision = "deny"
		out.PermissionDecisionReason = res.SystemMessage
	case hook.Ask:
		out.PermissionDecision = "ask"
		out.PermissionDecisionReason = res.SystemMessage
	default:
		out.PermissionDecision = "allow"
	}
	reply.HookSpecificOutput = out
	return reply
}

func generic(ev hook.Event, res hook.Result) genericReply {
	reply := genericReply{
		Decision:      "allow",
		SystemMessage: res.SystemMessage,
		Metadata:      res.Metadata,
	}
	context := res.ContextInjection
	switch res.Verdict {
	case hook.Deny:
		reply.Decision = "deny"
		reply.Reason = res.SystemMessage
	case hook.Ask:
		// No ask channel here: surface the prompt where the agent will
		// read it and proceed as an allow.
		context = joinBlocks(res.SystemMessage, res.ContextInjection)
	}
	if context != "" || len(res.UpdatedInput) > 0 {
		reply.HookSpecificOutput = &genericHookOutput{
			HookEventName:     string(ev),
			AdditionalContext: context,
			UpdatedInput:      res.UpdatedInput,
		}
	}
	return reply
}

func decodeClaudeStop(data []byte) (hook.Result, error) {
	var reply claudeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return hook.Result{}, fmt.Errorf("encode: parse stop reply: %w", err)
	}
	res := hook.Result{SystemMessage: reply.SystemMessage}
	if res.SystemMessage == "" {
		res.SystemMessage = reply.Reason
	}
	switch {
	case reply.Decision == "block":
		res.Verdict = hook.Deny
	case res.SystemMessage != "":
		res.Verdict = hook.Warn
	}
	return res, nil
}

func decodeClaudeEvent(data []byte) (hook.Result, error) {
	var reply claudeReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return hook.Result{}, fmt.Errorf("encode: parse reply: %w", err)
	}
	res := hook.Result{SystemMessage: reply.SystemMessage}
	if out := reply.HookSpecificOutput; out != nil {
		res.ContextInjection = out.AdditionalContext
		res.UpdatedInput = out.UpdatedInput
		if res.SystemMessage == "" {
			res.SystemMessage = out.PermissionDecisionReason
		}
		switch out.PermissionDecision {
		case "deny":
			res.Verdict = hook.Deny
			return res, nil
		case "ask":
			res.Verdict = hook.Ask
			return res, nil
		}
	}
	if res.SystemMessage != "" {
		res.Verdict = hook.Warn
	}
	return res, nil
}

func decodeGeneric(data []byte) (hook.Result, error) {
	var reply genericReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return hook.Result{}, fmt.Errorf("encode: parse reply: %w", err)
	}
	res := hook.Result{
		SystemMessage: reply.SystemMessage,
		Metadata:      reply.Metadata,
	}
	if out := reply.HookSpecificOutput; out != nil {
		res.ContextInjection = out.AdditionalContext
		res.UpdatedInput = out.UpdatedInput
	}
	switch {
	case reply.Decision == "deny":
		res.Verdict = hook.Deny
		if res.SystemMessage == "" {
			res.SystemMessage = reply.Reason
		}
	case res.SystemMessage != "":
		res.Verdict = hook.Warn
	}
	return res, nil
}

func joinBlocks(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
