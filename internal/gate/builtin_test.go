package gate_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/hook"
	"gatehouse/internal/gate"
	"gatehouse/internal/logging"
	"gatehouse/internal/state"
)

func builtinEngine(t *testing.T, opts gate.Options) *gate.Engine {
	t.Helper()
	reg, err := gate.NewBuiltinRegistry(opts)
	require.NoError(t, err)
	return gate.NewEngine(reg.NewEnv(opts, nil), logging.Nop())
}

func denials(outcomes []gate.Outcome) []string {
	var gates []string
	for _, o := range outcomes {
		if o.Result.Verdict == hook.Deny {
			gates = append(gates, o.Gate)
		}
	}
	return gates
}

func TestDefaultGateOrder(t *testing.T) {
	gates := gate.DefaultGates(gate.DefaultOptions())
	var names []string
	for _, g := range gates {
		names = append(names, g.Name)
	}
	assert.Equal(t, []string{
		gate.GateHydration, gate.GateTaskRequired, gate.GateCustodiet,
		gate.GateHandover, gate.GateQA, gate.GateCritic, gate.GateSessionCleanup,
	}, names)
}

func TestDisabledGatesAreOmitted(t *testing.T) {
	opts := gate.DefaultOptions()
	opts.HydrationEnabled = false
	opts.CustodietEnabled = false
	opts.TaskGateEnabled = false

	for _, g := range gate.DefaultGates(opts) {
		assert.NotEqual(t, gate.GateHydration, g.Name)
		assert.NotEqual(t, gate.GateCustodiet, g.Name)
		assert.NotEqual(t, gate.GateTaskRequired, g.Name)
	}
}

func TestHydrationDeniesMutationWhilePending(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")

	g := st.EnsureGate(gate.GateHydration, state.GateClosed)
	g.SetMetric("temp_path", "/tmp/gatehouse-abc/hydrate_1.md")
	g.SetMetric("original_prompt", "refactor the session store")
	st.Flags.HydrationPending = true

	ev := &hook.Context{
		Event:     hook.PreToolUse,
		SessionID: "sess",
		ToolName:  "Edit",
		ToolInput: map[string]any{"file_path": "/home/dev/project/store.go"},
	}
	outcomes := eng.Check(context.Background(), ev, st, gate.ModeFull)

	o, ok := outcomeFor(outcomes, gate.GateHydration)
	require.True(t, ok, "hydration gate must contribute a verdict")
	assert.Equal(t, hook.Deny, o.Result.Verdict)
	assert.Contains(t, o.Result.ContextInjection, "/tmp/gatehouse-abc/hydrate_1.md")
	assert.Contains(t, o.Result.ContextInjection, "refactor the session store")
}

func TestHydrationAllowsReadsAndSpawnsWhilePending(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.EnsureGate(gate.GateHydration, state.GateClosed)
	st.Flags.HydrationPending = true
	st.BindTask("T-1")

	for _, tool := range []string{"Read", "Grep", "Task"} {
		ev := &hook.Context{Event: hook.PreToolUse, SessionID: "sess", ToolName: tool}
		outcomes := eng.Check(context.Background(), ev, st, gate.ModeFull)
		assert.Empty(t, denials(outcomes), "tool %s must stay usable for the hydrator handshake", tool)
	}
}

func TestHydrationOpensOnHydratorCompletion(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.EnsureGate(gate.GateHydration, state.GateClosed)
	st.Flags.HydrationPending = true
	st.Flags.HydratorActive = true

	ev := &hook.Context{Event: hook.SubagentStop, SessionID: "sess", SubagentType: "hydrator"}
	eng.Dispatch(context.Background(), ev, st, gate.ModeFull)

	assert.Equal(t, state.GateOpen, st.Gate(gate.GateHydration).Status)
	assert.False(t, st.Flags.HydrationPending)
	assert.False(t, st.Flags.HydratorActive)
	assert.Equal(t, 1, st.Hydration.TurnsSinceHydration)
}

func TestHydrationOpensOnResultHeader(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.EnsureGate(gate.GateHydration, state.GateClosed)
	st.Flags.HydrationPending = true

	ev := &hook.Context{
		Event:        hook.AfterAgent,
		SessionID:    "sess",
		ResponseText: "plan ready\n\n## Hydration Result\n- intent: refactor\n",
	}
	eng.Dispatch(context.Background(), ev, st, gate.ModeFull)

	assert.Equal(t, state.GateOpen, st.Gate(gate.GateHydration).Status)
	assert.False(t, st.Flags.HydrationPending)
}

func TestTaskBindAndReleaseFromShell(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")

	bind := &hook.Context{
		Event:     hook.PostToolUse,
		SessionID: "sess",
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "bd start TASK-42"},
	}
	outcomes := eng.OnToolUse(context.Background(), bind, st)
	assert.Equal(t, "TASK-42", st.MainAgent.CurrentTask)

	o, ok := outcomeFor(outcomes, gate.GateTaskRequired)
	require.True(t, ok)
	assert.Contains(t, o.Result.SystemMessage, "TASK-42")

	release := &hook.Context{
		Event:     hook.PostToolUse,
		SessionID: "sess",
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "bd done TASK-42"},
	}
	eng.OnToolUse(context.Background(), release, st)
	assert.Empty(t, st.MainAgent.CurrentTask)
}

func TestTaskGateDeniesUnsafeWriteWithoutTask(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")

	ev := &hook.Context{
		Event:     hook.PreToolUse,
		SessionID: "sess",
		ToolName:  "Write",
		ToolInput: map[string]any{"file_path": "/home/dev/project/main.go"},
	}
	outcomes := eng.Check(context.Background(), ev, st, gate.ModeFull)
	assert.Contains(t, denials(outcomes), gate.GateTaskRequired)
}

func TestTaskGateAllowsSafePathsAndReadOnlyShell(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")

	safeWrite := &hook.Context{
		Event:     hook.PreToolUse,
		SessionID: "sess",
		ToolName:  "Write",
		ToolInput: map[string]any{"file_path": "/tmp/scratch/notes.md"},
	}
	assert.Empty(t, denials(eng.Check(context.Background(), safeWrite, st, gate.ModeFull)))

	readShell := &hook.Context{
		Event:     hook.PreToolUse,
		SessionID: "sess",
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "git status"},
	}
	assert.Empty(t, denials(eng.Check(context.Background(), readShell, st, gate.ModeFull)))
}

func TestCustodietCountsOnlyMutatingTools(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")

	mutate := &hook.Context{
		Event:     hook.PostToolUse,
		SessionID: "sess",
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "rm -rf build"},
	}
	eng.OnToolUse(context.Background(), mutate, st)
	assert.Equal(t, 1, st.Gate(gate.GateCustodiet).MetricInt("mutations_since_audit"))

	read := &hook.Context{
		Event:     hook.PostToolUse,
		SessionID: "sess",
		ToolName:  "Bash",
		ToolInput: map[string]any{"command": "git log --oneline"},
	}
	eng.OnToolUse(context.Background(), read, st)
	assert.Equal(t, 1, st.Gate(gate.GateCustodiet).MetricInt("mutations_since_audit"),
		"read-only shell commands do not count toward the audit")
}

func TestCustodietWarnsThenDenies(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.BindTask("T-1")

	ev := &hook.Context{
		Event:     hook.PreToolUse,
		SessionID: "sess",
		ToolName:  "Edit",
		ToolInput: map[string]any{"file_path": "/home/dev/project/x.go"},
	}

	st.EnsureGate(gate.GateCustodiet, state.GateOpen).SetMetric("mutations_since_audit", 9)
	outcomes := eng.Check(context.Background(), ev, st, gate.ModeFull)
	o, ok := outcomeFor(outcomes, gate.GateCustodiet)
	require.True(t, ok)
	assert.Equal(t, hook.Warn, o.Result.Verdict)
	assert.Contains(t, o.Result.SystemMessage, "9/10")

	st.Gate(gate.GateCustodiet).SetMetric("mutations_since_audit", 10)
	outcomes = eng.Check(context.Background(), ev, st, gate.ModeFull)
	o, ok = outcomeFor(outcomes, gate.GateCustodiet)
	require.True(t, ok)
	assert.Equal(t, hook.Deny, o.Result.Verdict)
}

func TestCustodietResetsOnComplianceRun(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	g := st.EnsureGate(gate.GateCustodiet, state.GateOpen)
	g.SetMetric("mutations_since_audit", 10)
	g.Blocked = true
	g.BlockReason = "audit required"

	ev := &hook.Context{Event: hook.SubagentStop, SessionID: "sess", SubagentType: "custodiet"}
	eng.Dispatch(context.Background(), ev, st, gate.ModeTriggerOnly)

	assert.Equal(t, 0, g.MetricInt("mutations_since_audit"))
	assert.False(t, g.Blocked)
	assert.Empty(t, g.BlockReason)
}

func TestCustodietResetsOnSlashCommand(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.EnsureGate(gate.GateCustodiet, state.GateOpen).SetMetric("mutations_since_audit", 8)

	ev := &hook.Context{Event: hook.UserPromptSubmit, SessionID: "sess", Prompt: "/custodiet"}
	eng.Dispatch(context.Background(), ev, st, gate.ModeFull)

	assert.Equal(t, 0, st.Gate(gate.GateCustodiet).MetricInt("mutations_since_audit"))
}

func TestHandoverClosesOnMutationAndReopensOnReflection(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.Flags.HandoverSkillInvoked = true

	mutate := &hook.Context{
		Event:     hook.PostToolUse,
		SessionID: "sess",
		ToolName:  "Edit",
		ToolInput: map[string]any{"file_path": "/home/dev/project/x.go"},
	}
	eng.OnToolUse(context.Background(), mutate, st)
	assert.Equal(t, state.GateClosed, st.Gate(gate.GateHandover).Status)
	assert.False(t, st.Flags.HandoverSkillInvoked)

	reflect := &hook.Context{
		Event:        hook.AfterAgent,
		SessionID:    "sess",
		ResponseText: "done\n\n## Handover\n- state saved\n",
	}
	eng.Dispatch(context.Background(), reflect, st, gate.ModeFull)
	assert.Equal(t, state.GateOpen, st.Gate(gate.GateHandover).Status)
	assert.True(t, st.Flags.HandoverSkillInvoked)
}

func TestHandoverStopDeniedWhenTaskBound(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.CloseGate(gate.GateHandover)
	st.BindTask("T-9")

	ev := &hook.Context{Event: hook.Stop, SessionID: "sess", CWD: t.TempDir()}
	outcomes := eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.Contains(t, denials(outcomes), gate.GateHandover)
}

func TestHandoverStopAllowedWhenNothingAtRisk(t *testing.T) {
	// Closed gate, no bound task, clean directory: stopping is fine.
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.CloseGate(gate.GateHandover)

	ev := &hook.Context{Event: hook.Stop, SessionID: "sess", CWD: t.TempDir()}
	outcomes := eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.NotContains(t, denials(outcomes), gate.GateHandover)
}

func TestQARequiredAfterHydratedWork(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.Hydration.TurnsSinceHydration = 1
	st.Flags.CurrentWorkflow = "full-development"

	ev := &hook.Context{Event: hook.Stop, SessionID: "sess", CWD: t.TempDir()}
	outcomes := eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.Contains(t, denials(outcomes), gate.GateQA)

	qaDone := &hook.Context{Event: hook.SubagentStop, SessionID: "sess", SubagentType: "qa"}
	eng.Dispatch(context.Background(), qaDone, st, gate.ModeTriggerOnly)
	assert.True(t, st.Flags.QAInvoked)

	outcomes = eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.NotContains(t, denials(outcomes), gate.GateQA)
}

func TestStreamlinedWorkflowSkipsQAAndCritic(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.Hydration.TurnsSinceHydration = 1
	st.Flags.CurrentWorkflow = "interactive-followup"

	ev := &hook.Context{Event: hook.Stop, SessionID: "sess", CWD: t.TempDir()}
	outcomes := eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.Empty(t, denials(outcomes))
}

func TestCriticRequiredWhenNoSubagentsSinceHydration(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")
	st.Hydration.TurnsSinceHydration = 1
	st.Hydration.SubagentBaseline = 0
	st.Flags.CurrentWorkflow = "full-development"
	st.Flags.QAInvoked = true

	ev := &hook.Context{Event: hook.Stop, SessionID: "sess", CWD: t.TempDir()}
	outcomes := eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.Contains(t, denials(outcomes), gate.GateCritic)

	st.RecordSubagentRun("critic", "approved", decimal.Zero, 512)
	outcomes = eng.OnStop(context.Background(), ev, st, gate.ModeFull)
	assert.NotContains(t, denials(outcomes), gate.GateCritic)
}

func TestCriticVerdictRecordedFromSubagentResult(t *testing.T) {
	eng := builtinEngine(t, gate.DefaultOptions())
	st := state.New("sess")

	ev := &hook.Context{
		Event:        hook.SubagentStop,
		SessionID:    "sess",
		SubagentType: "critic",
		ResponseText: "Reviewed the diff.\nVerdict: approved\n",
	}
	eng.Dispatch(context.Background(), ev, st, gate.ModeTriggerOnly)
	assert.Equal(t, "approved", st.Hydration.CriticVerdict)
}

func TestSessionEndPurgesStateWhenNothingAtRisk(t *testing.T) {
	reg, err := gate.NewBuiltinRegistry(gate.DefaultOptions())
	require.NoError(t, err)
	env := reg.NewEnv(gate.DefaultOptions(), nil)
	eng := gate.NewEngine(env, logging.Nop())

	st := state.New("sess")
	ev := &hook.Context{Event: hook.SessionEnd, SessionID: "sess", CWD: t.TempDir()}
	eng.Dispatch(context.Background(), ev, st, gate.ModeFull)

	assert.True(t, env.PurgeRequested())
}

func TestSessionEndKeepsStateWhenTaskBound(t *testing.T) {
	reg, err := gate.NewBuiltinRegistry(gate.DefaultOptions())
	require.NoError(t, err)
	env := reg.NewEnv(gate.DefaultOptions(), nil)
	eng := gate.NewEngine(env, logging.Nop())

	st := state.New("sess")
	st.BindTask("T-1")
	ev := &hook.Context{Event: hook.SessionEnd, SessionID: "sess", CWD: t.TempDir()}
	eng.Dispatch(context.Background(), ev, st, gate.ModeFull)

	assert.False(t, env.PurgeRequested(), "bound work keeps the document for recovery")
}
