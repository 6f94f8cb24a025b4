// Package state holds the durable per-session document and its stores.
//
// One document exists per session id. The router loads it under an advisory
// file lock, gates read and mutate it during evaluation, and the router
// saves it atomically before replying. The document is the only
// synchronization point between concurrent hook processes.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion tags the on-disk document layout.
const SchemaVersion = 3

// GateStatus is a gate's coarse position.
type GateStatus string

const (
	GateOpen   GateStatus = "open"
	GateClosed GateStatus = "closed"
)

// GateState is the per-gate slice of the session document.
type GateState struct {
	Status      GateStatus `json:"status"`
	Blocked     bool       `json:"blocked"`
	BlockReason string     `json:"block_reason,omitempty"`

	OpsSinceOpen  int `json:"ops_since_open"`
	OpsSinceClose int `json:"ops_since_close"`

	LastOpenTS    time.Time `json:"last_open_ts"`
	LastCloseTS   time.Time `json:"last_close_ts"`
	LastOpenTurn  int       `json:"last_open_turn"`
	LastCloseTurn int       `json:"last_close_turn"`

	// Metrics holds gate-defined keys, e.g. temp_path or
	// mutations_since_audit. Values are strings or numbers.
	Metrics map[string]any `json:"metrics,omitempty"`
}

// BumpOps increments the counter matching the gate's current status.
// Called once per PostToolUse.
func (g *GateState) BumpOps() {
	if g.Status == GateOpen {
		g.OpsSinceOpen++
	} else {
		g.OpsSinceClose++
	}
}

// SetMetric stores a metric value, allocating the map on first use.
func (g *GateState) SetMetric(name string, value any) {
	if g.Metrics == nil {
		g.Metrics = make(map[string]any)
	}
	g.Metrics[name] = value
}

// MetricInt reads a metric as an int. JSON round-trips store numbers as
// float64; both forms are accepted. Missing metrics read as 0.
func (g *GateState) MetricInt(name string) int {
	if g.Metrics == nil {
		return 0
	}
	switch v := g.Metrics[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// MetricString reads a metric as a string, or "" when absent.
func (g *GateState) MetricString(name string) string {
	if g.Metrics == nil {
		return ""
	}
	s, _ := g.Metrics[name].(string)
	return s
}

// IncMetric adds delta to a numeric metric, treating absent as 0.
func (g *GateState) IncMetric(name string, delta int) {
	g.SetMetric(name, g.MetricInt(name)+delta)
}

// MainAgent tracks the top-level agent's task binding and prompt intent.
type MainAgent struct {
	CurrentTask    string    `json:"current_task,omitempty"`
	TaskBindingTS  time.Time `json:"task_binding_ts"`
	OriginalPrompt string    `json:"original_prompt,omitempty"`
	HydratedIntent string    `json:"hydrated_intent,omitempty"`
}

// Flags is the flat scratchpad for cross-cutting session flags.
type Flags struct {
	GatesBypassed        bool        `json:"gates_bypassed,omitempty"`
	HydrationPending     bool        `json:"hydration_pending,omitempty"`
	HydratorActive       bool        `json:"hydrator_active,omitempty"`
	HandoverSkillInvoked bool        `json:"handover_skill_invoked,omitempty"`
	PlanModeInvoked      bool        `json:"plan_mode_invoked,omitempty"`
	QAInvoked            bool        `json:"qa_invoked,omitempty"`
	CurrentWorkflow      string      `json:"current_workflow,omitempty"`
	StopBlockTimestamps  []time.Time `json:"stop_block_timestamps,omitempty"`
}

// SubagentRecord accumulates invocation counts and reported cost for one
// sub-agent type.
type SubagentRecord struct {
	Count           int             `json:"count"`
	LastResult      string          `json:"last_result,omitempty"`
	TotalCostUSD    decimal.Decimal `json:"total_cost_usd"`
	TotalTokens     int             `json:"total_tokens"`
	LastCompletedTS time.Time       `json:"last_completed_ts"`
}

// Hydration tracks the preflight-context lifecycle.
type Hydration struct {
	// TurnsSinceHydration is 0 until the first hydrator completion, set to
	// 1 on completion, and incremented on later non-follow-up prompts.
	TurnsSinceHydration int      `json:"turns_since_hydration"`
	CriticVerdict       string   `json:"critic_verdict,omitempty"`
	AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`

	// SubagentBaseline snapshots the total sub-agent run count at the last
	// hydration completion, for the critic-at-stop check.
	SubagentBaseline int `json:"subagent_baseline,omitempty"`
}

// State is the whole per-session document.
type State struct {
	Version         int                        `json:"version"`
	SessionID       string                     `json:"session_id"`
	GlobalTurnCount int                        `json:"global_turn_count"`
	MainAgent       MainAgent                  `json:"main_agent"`
	Gates           map[string]*GateState      `json:"gates"`
	Flags           Flags                      `json:"state"`
	Subagents       map[string]*SubagentRecord `json:"subagents"`
	Hydration       Hydration                  `json:"hydration"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// New returns a fresh document for a session.
func New(sessionID string) *State {
	now := time.Now().UTC()
	return &State{
		Version:   SchemaVersion,
		SessionID: sessionID,
		Gates:     make(map[string]*GateState),
		Subagents: make(map[string]*SubagentRecord),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Gate returns the named gate's state, or nil when the gate has never been
// touched in this session.
func (s *State) Gate(name string) *GateState {
	return s.Gates[name]
}

// EnsureGate returns the named gate's state, creating it at the given
// initial status on first touch.
func (s *State) EnsureGate(name string, initial GateStatus) *GateState {
	if g, ok := s.Gates[name]; ok {
		return g
	}
	g := &GateState{Status: initial}
	s.Gates[name] = g
	return g
}

// OpenGate transitions a gate to open. The ops_since_open counter resets
// only on an actual closed-to-open transition.
func (s *State) OpenGate(name string) {
	g := s.EnsureGate(name, GateClosed)
	if g.Status == GateOpen {
		return
	}
	g.Status = GateOpen
	g.OpsSinceOpen = 0
	g.Blocked = false
	g.BlockReason = ""
	g.LastOpenTS = time.Now().UTC()
	g.LastOpenTurn = s.GlobalTurnCount
}

// CloseGate transitions a gate to closed, resetting ops_since_close on an
// actual transition.
func (s *State) CloseGate(name string) {
	g := s.EnsureGate(name, GateOpen)
	if g.Status == GateClosed {
		return
	}
	g.Status = GateClosed
	g.OpsSinceClose = 0
	g.LastCloseTS = time.Now().UTC()
	g.LastCloseTurn = s.GlobalTurnCount
}

// NextTurn advances the monotonic prompt counter.
func (s *State) NextTurn() {
	s.GlobalTurnCount++
}

// BindTask binds a task id to the main agent. Only task-binding events call
// this.
func (s *State) BindTask(id string) {
	s.MainAgent.CurrentTask = id
	s.MainAgent.TaskBindingTS = time.Now().UTC()
}

// UnbindTask clears the bound task.
func (s *State) UnbindTask() {
	s.MainAgent.CurrentTask = ""
}

// RecordSubagentRun accumulates one completed sub-agent invocation. Cost
// arrives as the runtime reported it, in USD.
func (s *State) RecordSubagentRun(subagentType, result string, costUSD decimal.Decimal, tokens int) {
	if s.Subagents == nil {
		s.Subagents = make(map[string]*SubagentRecord)
	}
	rec, ok := s.Subagents[subagentType]
	if !ok {
		rec = &SubagentRecord{}
		s.Subagents[subagentType] = rec
	}
	rec.Count++
	rec.LastResult = result
	rec.TotalCostUSD = rec.TotalCostUSD.Add(costUSD)
	rec.TotalTokens += tokens
	rec.LastCompletedTS = time.Now().UTC()
}

// TotalSubagentRuns sums invocation counts across all sub-agent types.
func (s *State) TotalSubagentRuns() int {
	total := 0
	for _, rec := range s.Subagents {
		total += rec.Count
	}
	return total
}

// TotalSubagentCost sums reported cost across all sub-agent types.
func (s *State) TotalSubagentCost() decimal.Decimal {
	total := decimal.Zero
	for _, rec := range s.Subagents {
		total = total.Add(rec.TotalCostUSD)
	}
	return total
}

// Clone returns a deep copy of the document.
func (s *State) Clone() *State {
	out := *s
	out.Gates = make(map[string]*GateState, len(s.Gates))
	for name, g := range s.Gates {
		gc := *g
		if g.Metrics != nil {
			gc.Metrics = make(map[string]any, len(g.Metrics))
			for k, v := range g.Metrics {
				gc.Metrics[k] = v
			}
		}
		out.Gates[name] = &gc
	}
	out.Subagents = make(map[string]*SubagentRecord, len(s.Subagents))
	for name, rec := range s.Subagents {
		rc := *rec
		out.Subagents[name] = &rc
	}
	if s.Flags.StopBlockTimestamps != nil {
		out.Flags.StopBlockTimestamps = append([]time.Time(nil), s.Flags.StopBlockTimestamps...)
	}
	if s.Hydration.AcceptanceCriteria != nil {
		out.Hydration.AcceptanceCriteria = append([]string(nil), s.Hydration.AcceptanceCriteria...)
	}
	return &out
}

// SessionHash returns the stable 8-character hex tag used in state and log
// file names, letting an external grep tie files to a session id.
func SessionHash(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:8]
}
