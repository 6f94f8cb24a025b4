package gate

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"gatehouse/hook"
	"gatehouse/internal/state"
)

// Built-in gate names. Code that needs to reach a specific gate (the
// hydration builder, the status strip) uses these instead of literals.
const (
	GateHydration      = "hydration"
	GateTaskRequired   = "task-required"
	GateCustodiet      = "custodiet"
	GateHandover       = "handover"
	GateQA             = "qa"
	GateCritic         = "critic"
	GateSessionCleanup = "session-cleanup"
)

// Markdown headers recognized in agent responses.
const (
	HydrationHeader = "## Hydration Result"
	HandoverHeader  = "## Handover"
)

// gitStatusTimeout bounds the dirty-worktree probe. A slow or absent git
// must never stall a hook reply.
const gitStatusTimeout = 3 * time.Second

// NewBuiltinRegistry assembles the default gate set, merges any user
// config files over it, and registers the built-in checks and actions.
func NewBuiltinRegistry(opts Options, configPaths ...string) (*Registry, error) {
	gates, err := LoadFiles(DefaultGates(opts), configPaths...)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(gates)
	if err != nil {
		return nil, err
	}
	RegisterBuiltins(reg)
	return reg, nil
}

// DefaultGates returns the built-in gate set in evaluation order. Gates
// disabled by options are omitted entirely.
func DefaultGates(opts Options) []Config {
	var gates []Config

	if opts.HydrationEnabled {
		gates = append(gates, Config{
			Name:          GateHydration,
			InitialStatus: "closed",
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "SubagentStart", SubagentTypePattern: "hydrator|hydration"},
					Transition: Transition{CustomAction: "mark_hydrator_active"},
				},
				{
					Condition:  Condition{HookEvent: "SubagentStop", SubagentTypePattern: "hydrator|hydration"},
					Transition: Transition{SetStatus: "open", CustomAction: "confirm_hydration"},
				},
				{
					Condition:  Condition{HookEvent: "AfterAgent", CustomCheck: "response_has_hydration_header"},
					Transition: Transition{SetStatus: "open", CustomAction: "confirm_hydration"},
				},
			},
			Policies: []Policy{
				{
					Condition: Condition{
						HookEvent:     "PreToolUse",
						CurrentStatus: "closed",
						CustomCheck:   "hydration_pending_mutation",
					},
					Verdict:         "deny",
					MessageTemplate: "Context hydration has not completed for this session.",
					ContextTemplate: "Invoke the hydrator sub-agent with the payload at {temp_path}, then retry. Original request: {original_prompt}",
				},
			},
		})
	}

	if opts.TaskGateEnabled {
		gates = append(gates, Config{
			Name:          GateTaskRequired,
			InitialStatus: "open",
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "PostToolUse", ToolNamePattern: "Bash", CustomCheck: "task_cli_bind"},
					Transition: Transition{CustomAction: "bind_task_from_tool"},
				},
				{
					Condition:  Condition{HookEvent: "PostToolUse", ToolNamePattern: "Bash", CustomCheck: "task_cli_release"},
					Transition: Transition{CustomAction: "unbind_task_from_tool"},
				},
			},
			Policies: []Policy{
				{
					Condition: Condition{
						HookEvent:   "PreToolUse",
						CustomCheck: "unsafe_write_without_task",
					},
					Verdict:         "deny",
					MessageTemplate: fmt.Sprintf("No task is bound to this session. Run `%s start <id>` (or `%s claim <id>`) before modifying the workspace.", opts.TaskCommand, opts.TaskCommand),
				},
			},
		})
	}

	if opts.CustodietEnabled {
		// start_before 0 disables the advance warning; the threshold
		// policy still blocks.
		var countdown *Countdown
		if opts.CustodietStartBefore > 0 {
			countdown = &Countdown{
				Metric:      "mutations_since_audit",
				Threshold:   opts.CustodietThreshold,
				StartBefore: opts.CustodietStartBefore,
				MessageTemplate: fmt.Sprintf(
					"Compliance audit due in {remaining} operations ({mutations_since_audit}/%d). Invoke the custodiet skill soon.",
					opts.CustodietThreshold),
			}
		}
		gates = append(gates, Config{
			Name:          GateCustodiet,
			InitialStatus: "open",
			Countdown:     countdown,
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "PostToolUse", CustomCheck: "mutating_tool"},
					Transition: Transition{IncMetrics: map[string]int{"mutations_since_audit": 1}},
				},
				{
					Condition: Condition{HookEvent: "SubagentStop", SubagentTypePattern: "custodiet|compliance-auditor"},
					Transition: Transition{
						SetMetrics:   map[string]any{"mutations_since_audit": 0},
						CustomAction: "record_compliance_run",
					},
				},
				{
					Condition: Condition{HookEvent: "UserPromptSubmit", CustomCheck: "prompt_invokes_custodiet"},
					Transition: Transition{
						SetMetrics:   map[string]any{"mutations_since_audit": 0},
						CustomAction: "record_compliance_run",
					},
				},
			},
			Policies: []Policy{
				{
					Condition: Condition{
						HookEvent:   "PreToolUse",
						MinMetric:   &MetricThreshold{Metric: "mutations_since_audit", Value: opts.CustodietThreshold},
						CustomCheck: "mutating_tool",
					},
					Verdict:         "deny",
					MessageTemplate: "Compliance audit required: {mutations_since_audit} workspace mutations since the last audit. Invoke the custodiet skill before further changes.",
				},
			},
		})
	}

	gates = append(gates,
		Config{
			Name:          GateHandover,
			InitialStatus: "open",
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "PostToolUse", CustomCheck: "mutating_tool"},
					Transition: Transition{SetStatus: "closed", CustomAction: "clear_handover_flag"},
				},
				{
					Condition:  Condition{HookEvent: "AfterAgent", CustomCheck: "response_has_handover_section"},
					Transition: Transition{SetStatus: "open", CustomAction: "mark_handover_invoked"},
				},
				{
					Condition:  Condition{HookEvent: "SubagentStop", SubagentTypePattern: "handover"},
					Transition: Transition{SetStatus: "open", CustomAction: "mark_handover_invoked"},
				},
				{
					Condition:  Condition{HookEvent: "UserPromptSubmit", CustomCheck: "prompt_invokes_handover"},
					Transition: Transition{SetStatus: "open", CustomAction: "mark_handover_invoked"},
				},
			},
			Policies: []Policy{
				{
					Condition: Condition{
						HookEvent:     "Stop|SessionEnd",
						CurrentStatus: "closed",
						CustomCheck:   "work_at_risk",
					},
					Verdict:         "deny",
					MessageTemplate: "Uncommitted work or a bound task is at risk. Produce a '" + HandoverHeader + "' reflection or invoke the handover skill, then stop.",
				},
			},
		},
		Config{
			Name:          GateQA,
			InitialStatus: "open",
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "SubagentStop", SubagentTypePattern: "qa|qa-engineer|tester"},
					Transition: Transition{CustomAction: "mark_qa_invoked"},
				},
				{
					Condition:  Condition{HookEvent: "UserPromptSubmit", CustomCheck: "prompt_invokes_qa"},
					Transition: Transition{CustomAction: "mark_qa_invoked"},
				},
			},
			Policies: []Policy{
				{
					Condition:       Condition{HookEvent: "Stop|SessionEnd", CustomCheck: "qa_outstanding"},
					Verdict:         "deny",
					MessageTemplate: "QA has not reviewed this session's work. Invoke the qa skill, then stop.",
				},
			},
		},
		Config{
			Name:          GateCritic,
			InitialStatus: "open",
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "SubagentStop", SubagentTypePattern: "critic"},
					Transition: Transition{CustomAction: "record_critic_verdict"},
				},
			},
			Policies: []Policy{
				{
					Condition:       Condition{HookEvent: "Stop|SessionEnd", CustomCheck: "critic_outstanding"},
					Verdict:         "deny",
					MessageTemplate: "No sub-agent has reviewed the hydrated work. Invoke the critic against the acceptance criteria, then stop.",
				},
			},
		},
		Config{
			Name:          GateSessionCleanup,
			InitialStatus: "open",
			Triggers: []Trigger{
				{
					Condition:  Condition{HookEvent: "SessionEnd", CustomCheck: "no_work_at_risk"},
					Transition: Transition{CustomAction: "purge_state"},
				},
			},
		},
	)

	return gates
}

// RegisterBuiltins binds every named check and action the default gate
// set references.
func RegisterBuiltins(r *Registry) {
	r.RegisterCheck("mutating_tool", checkMutatingTool)
	r.RegisterCheck("hydration_pending_mutation", checkHydrationPendingMutation)
	r.RegisterCheck("response_has_hydration_header", responseContains(HydrationHeader))
	r.RegisterCheck("response_has_handover_section", responseContains(HandoverHeader))
	r.RegisterCheck("prompt_invokes_custodiet", promptInvokes("/custodiet"))
	r.RegisterCheck("prompt_invokes_qa", promptInvokes("/qa"))
	r.RegisterCheck("prompt_invokes_handover", promptInvokes("/handover"))
	r.RegisterCheck("task_cli_bind", checkTaskBind)
	r.RegisterCheck("task_cli_release", checkTaskRelease)
	r.RegisterCheck("unsafe_write_without_task", checkUnsafeWriteWithoutTask)
	r.RegisterCheck("work_at_risk", checkWorkAtRisk)
	r.RegisterCheck("no_work_at_risk", checkNoWorkAtRisk)
	r.RegisterCheck("qa_outstanding", checkQAOutstanding)
	r.RegisterCheck("critic_outstanding", checkCriticOutstanding)

	r.RegisterAction("mark_hydrator_active", actionMarkHydratorActive)
	r.RegisterAction("confirm_hydration", actionConfirmHydration)
	r.RegisterAction("bind_task_from_tool", actionBindTaskFromTool)
	r.RegisterAction("unbind_task_from_tool", actionUnbindTaskFromTool)
	r.RegisterAction("clear_handover_flag", actionClearHandoverFlag)
	r.RegisterAction("mark_handover_invoked", actionMarkHandoverInvoked)
	r.RegisterAction("mark_qa_invoked", actionMarkQAInvoked)
	r.RegisterAction("record_critic_verdict", actionRecordCriticVerdict)
	r.RegisterAction("record_compliance_run", actionRecordComplianceRun)
	r.RegisterAction("purge_state", actionPurgeState)
}

// --- checks ---

func checkMutatingTool(_ context.Context, _ *Env, ev *hook.Context, _ *state.State, _ *state.GateState) bool {
	return hook.Mutating(ev.ToolName, ev.ToolInput)
}

func checkHydrationPendingMutation(_ context.Context, _ *Env, ev *hook.Context, st *state.State, _ *state.GateState) bool {
	return st.Flags.HydrationPending && hook.Mutating(ev.ToolName, ev.ToolInput)
}

// responseContains matches a marker in the agent's response text.
func responseContains(marker string) CheckFunc {
	return func(_ context.Context, _ *Env, ev *hook.Context, _ *state.State, _ *state.GateState) bool {
		return strings.Contains(ev.ResponseText, marker)
	}
}

// promptInvokes matches a slash-skill invocation at the start of the
// prompt: the command alone or followed by arguments.
func promptInvokes(command string) CheckFunc {
	return func(_ context.Context, _ *Env, ev *hook.Context, _ *state.State, _ *state.GateState) bool {
		prompt := strings.TrimSpace(ev.Prompt)
		if prompt == command {
			return true
		}
		return strings.HasPrefix(prompt, command+" ")
	}
}

func checkTaskBind(_ context.Context, env *Env, ev *hook.Context, _ *state.State, _ *state.GateState) bool {
	_, ok := parseTaskID(env.Opts.TaskCommand, "start|claim", ev.InputString("command"))
	return ok
}

func checkTaskRelease(_ context.Context, env *Env, ev *hook.Context, _ *state.State, _ *state.GateState) bool {
	_, ok := parseTaskID(env.Opts.TaskCommand, "done|close|complete", ev.InputString("command"))
	return ok
}

func checkUnsafeWriteWithoutTask(_ context.Context, env *Env, ev *hook.Context, st *state.State, _ *state.GateState) bool {
	if st.MainAgent.CurrentTask != "" {
		return false
	}
	if !hook.Mutating(ev.ToolName, ev.ToolInput) {
		return false
	}
	if hook.Classify(ev.ToolName) == hook.CategoryEdit {
		if safeWritePath(env.Opts.SafeWritePaths, editTargetPath(ev)) {
			return false
		}
	}
	return true
}

func checkWorkAtRisk(ctx context.Context, _ *Env, ev *hook.Context, st *state.State, _ *state.GateState) bool {
	if st.MainAgent.CurrentTask != "" {
		return true
	}
	return dirtyWorktree(ctx, ev.CWD)
}

func checkNoWorkAtRisk(ctx context.Context, env *Env, ev *hook.Context, st *state.State, g *state.GateState) bool {
	return !checkWorkAtRisk(ctx, env, ev, st, g)
}

func checkQAOutstanding(_ context.Context, env *Env, _ *hook.Context, st *state.State, _ *state.GateState) bool {
	return st.Hydration.TurnsSinceHydration >= 1 &&
		!env.Opts.Streamlined(st.Flags.CurrentWorkflow) &&
		!st.Flags.QAInvoked
}

func checkCriticOutstanding(_ context.Context, env *Env, _ *hook.Context, st *state.State, _ *state.GateState) bool {
	return st.Hydration.TurnsSinceHydration >= 1 &&
		st.TotalSubagentRuns() == st.Hydration.SubagentBaseline &&
		!env.Opts.Streamlined(st.Flags.CurrentWorkflow)
}

// --- actions ---

func actionMarkHydratorActive(_ context.Context, _ *Env, _ *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	st.Flags.HydratorActive = true
	return "", "", nil
}

// actionConfirmHydration records hydrator completion: the pending flag
// drops, the turn counter starts, and the sub-agent baseline is snapshot
// for the critic-at-stop check.
func actionConfirmHydration(_ context.Context, _ *Env, _ *hook.Context, st *state.State, g *state.GateState) (string, string, error) {
	st.Flags.HydrationPending = false
	st.Flags.HydratorActive = false
	if st.Hydration.TurnsSinceHydration == 0 {
		st.Hydration.TurnsSinceHydration = 1
	}
	st.Hydration.SubagentBaseline = st.TotalSubagentRuns()
	if intent := g.MetricString("original_prompt"); intent != "" {
		st.MainAgent.HydratedIntent = intent
	}
	return "", "", nil
}

func actionBindTaskFromTool(_ context.Context, env *Env, ev *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	id, ok := parseTaskID(env.Opts.TaskCommand, "start|claim", ev.InputString("command"))
	if !ok {
		return "", "", nil
	}
	st.BindTask(id)
	return "Task " + id + " bound to this session.", "", nil
}

func actionUnbindTaskFromTool(_ context.Context, env *Env, ev *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	if _, ok := parseTaskID(env.Opts.TaskCommand, "done|close|complete", ev.InputString("command")); !ok {
		return "", "", nil
	}
	st.UnbindTask()
	return "Task binding cleared.", "", nil
}

func actionClearHandoverFlag(_ context.Context, _ *Env, _ *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	st.Flags.HandoverSkillInvoked = false
	return "", "", nil
}

func actionMarkHandoverInvoked(_ context.Context, _ *Env, _ *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	st.Flags.HandoverSkillInvoked = true
	return "", "", nil
}

func actionMarkQAInvoked(_ context.Context, _ *Env, _ *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	st.Flags.QAInvoked = true
	return "", "", nil
}

var criticVerdictRe = regexp.MustCompile(`(?i)\bverdict:\s*([a-z][a-z0-9-]*)`)

func actionRecordCriticVerdict(_ context.Context, _ *Env, ev *hook.Context, st *state.State, _ *state.GateState) (string, string, error) {
	verdict := "completed"
	if m := criticVerdictRe.FindStringSubmatch(ev.ResponseText); m != nil {
		verdict = strings.ToLower(m[1])
	}
	st.Hydration.CriticVerdict = verdict
	return "", "", nil
}

func actionRecordComplianceRun(_ context.Context, _ *Env, _ *hook.Context, _ *state.State, g *state.GateState) (string, string, error) {
	g.Blocked = false
	g.BlockReason = ""
	return "Compliance audit recorded.", "", nil
}

func actionPurgeState(_ context.Context, env *Env, _ *hook.Context, _ *state.State, _ *state.GateState) (string, string, error) {
	env.RequestPurge()
	return "", "", nil
}

// --- helpers ---

// parseTaskID extracts the task id from a task-CLI invocation anywhere in
// a shell command, e.g. `bd start TASK-42` or `cd x && bd claim T7`.
func parseTaskID(taskCmd, verbs, command string) (string, bool) {
	if taskCmd == "" || command == "" {
		return "", false
	}
	re, err := regexp.Compile(`(?:^|[\s;&|])` + regexp.QuoteMeta(taskCmd) + `\s+(?:` + verbs + `)\s+(\S+)`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(command)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// editTargetPath pulls the destination path out of an editing tool's
// input, probing the keys the known editors use.
func editTargetPath(ev *hook.Context) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if p := ev.InputString(key); p != "" {
			return p
		}
	}
	return ""
}

// safeWritePath reports whether a path falls inside the safe-write globs.
func safeWritePath(globs []string, path string) bool {
	if path == "" {
		return false
	}
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, path); err == nil && ok {
			return true
		}
	}
	return false
}

// dirtyWorktree probes git for uncommitted changes. Probe failures and
// timeouts read as clean: a broken git must not hold a session hostage.
func dirtyWorktree(ctx context.Context, dir string) bool {
	ctx, cancel := context.WithTimeout(ctx, gitStatusTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}
