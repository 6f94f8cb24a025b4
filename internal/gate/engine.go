package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"gatehouse/hook"
	"gatehouse/internal/logging"
	"gatehouse/internal/state"
)

// Mode selects how much of a gate runs for an event.
type Mode int

const (
	// ModeFull evaluates triggers, policies, and countdowns.
	ModeFull Mode = iota
	// ModeTriggerOnly fires state transitions but never verdicts. Used for
	// sub-agent event streams and compliance sub-agents.
	ModeTriggerOnly
)

// Outcome is one gate's contribution to an invocation, kept separate so
// the hook log can record per-gate verdicts before they merge.
type Outcome struct {
	Gate   string
	Source string // trigger, policy, countdown, or error
	Result hook.Result
}

// Engine evaluates the registry's gates against events. It holds no
// per-session state; everything flows through (ev, st).
type Engine struct {
	env *Env
	log *logging.Logger
}

// NewEngine builds an engine over an evaluation environment.
func NewEngine(env *Env, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{env: env, log: log}
}

// Env exposes the engine's environment, letting the router inspect
// purge requests after dispatch.
func (e *Engine) Env() *Env { return e.env }

// Dispatch routes one event to the engine operation its kind requires.
// Notification and unknown events have no gate operation and return nil.
func (e *Engine) Dispatch(ctx context.Context, ev *hook.Context, st *state.State, mode Mode) []Outcome {
	switch ev.Event {
	case hook.PreToolUse:
		return e.Check(ctx, ev, st, mode)
	case hook.PostToolUse:
		return e.OnToolUse(ctx, ev, st)
	case hook.UserPromptSubmit, hook.SessionStart, hook.AfterAgent,
		hook.SubagentStart, hook.SubagentStop:
		return e.RunTriggers(ctx, ev, st)
	case hook.Stop, hook.SessionEnd:
		return e.OnStop(ctx, ev, st, mode)
	}
	return nil
}

// Check runs the PreToolUse pipeline: triggers first so just-in-time
// transitions land before judgement, then policies, then the countdown
// warning for gates whose policy did not fire.
func (e *Engine) Check(ctx context.Context, ev *hook.Context, st *state.State, mode Mode) []Outcome {
	var outcomes []Outcome
	for _, cfg := range e.env.registry.gates {
		outcomes = e.evalGate(outcomes, cfg, st, func(g *state.GateState) []Outcome {
			var out []Outcome
			if o, fired := e.fireTriggers(ctx, cfg, ev, st, g); fired {
				out = append(out, o)
			}
			if mode == ModeTriggerOnly {
				return out
			}
			if o, fired := e.firePolicies(ctx, cfg, ev, st, g); fired {
				return append(out, o)
			}
			if o, fired := e.fireCountdown(cfg, ev, g); fired {
				out = append(out, o)
			}
			return out
		})
	}
	return outcomes
}

// OnToolUse runs the PostToolUse pipeline: every gate's ops counter
// advances by one under its current status, then triggers fire.
func (e *Engine) OnToolUse(ctx context.Context, ev *hook.Context, st *state.State) []Outcome {
	var outcomes []Outcome
	for _, cfg := range e.env.registry.gates {
		outcomes = e.evalGate(outcomes, cfg, st, func(g *state.GateState) []Outcome {
			g.BumpOps()
			if o, fired := e.fireTriggers(ctx, cfg, ev, st, g); fired {
				return []Outcome{o}
			}
			return nil
		})
	}
	return outcomes
}

// RunTriggers evaluates every gate's triggers and nothing else. Prompt,
// session-start, agent-response, and sub-agent events route here: they
// move state but never carry verdicts.
func (e *Engine) RunTriggers(ctx context.Context, ev *hook.Context, st *state.State) []Outcome {
	var outcomes []Outcome
	for _, cfg := range e.env.registry.gates {
		outcomes = e.evalGate(outcomes, cfg, st, func(g *state.GateState) []Outcome {
			if o, fired := e.fireTriggers(ctx, cfg, ev, st, g); fired {
				return []Outcome{o}
			}
			return nil
		})
	}
	return outcomes
}

// OnStop runs the stop pipeline: policies first, and only when none of
// them denied do the cleanup triggers fire. A denied stop means the
// session continues, so teardown must not happen yet.
func (e *Engine) OnStop(ctx context.Context, ev *hook.Context, st *state.State, mode Mode) []Outcome {
	var outcomes []Outcome
	denied := false
	if mode == ModeFull {
		for _, cfg := range e.env.registry.gates {
			outcomes = e.evalGate(outcomes, cfg, st, func(g *state.GateState) []Outcome {
				o, fired := e.firePolicies(ctx, cfg, ev, st, g)
				if !fired {
					return nil
				}
				if o.Result.Verdict == hook.Deny {
					denied = true
				}
				return []Outcome{o}
			})
		}
	}
	if denied {
		return outcomes
	}
	for _, cfg := range e.env.registry.gates {
		outcomes = e.evalGate(outcomes, cfg, st, func(g *state.GateState) []Outcome {
			if o, fired := e.fireTriggers(ctx, cfg, ev, st, g); fired {
				return []Outcome{o}
			}
			return nil
		})
	}
	return outcomes
}

// evalGate isolates one gate's evaluation: a panic is logged with its
// stack and the remaining gates still run. One broken gate must not deny
// events or wedge the session.
func (e *Engine) evalGate(outcomes []Outcome, cfg Config, st *state.State, fn func(g *state.GateState) []Outcome) (result []Outcome) {
	result = outcomes
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("gate evaluation panicked",
				zap.String("gate", cfg.Name),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = append(result, Outcome{Gate: cfg.Name, Source: "error"})
		}
	}()
	g := st.EnsureGate(cfg.Name, initialStatus(cfg))
	return append(result, fn(g)...)
}

func initialStatus(cfg Config) state.GateStatus {
	if cfg.InitialStatus == "open" {
		return state.GateOpen
	}
	return state.GateClosed
}

// fireTriggers fires the first matching trigger, applying its transition.
func (e *Engine) fireTriggers(ctx context.Context, cfg Config, ev *hook.Context, st *state.State, g *state.GateState) (Outcome, bool) {
	for i := range cfg.Triggers {
		tr := &cfg.Triggers[i]
		if !tr.Condition.Matches(ctx, e.env, ev, st, g) {
			continue
		}
		msg, inj, err := e.applyTransition(ctx, cfg, &tr.Transition, ev, st, g)
		if err != nil {
			return e.templateFailure(cfg.Name, err), true
		}
		return Outcome{
			Gate:   cfg.Name,
			Source: "trigger",
			Result: hook.Result{SystemMessage: msg, ContextInjection: inj},
		}, true
	}
	return Outcome{}, false
}

// firePolicies fires the first matching policy, rendering its verdict.
func (e *Engine) firePolicies(ctx context.Context, cfg Config, ev *hook.Context, st *state.State, g *state.GateState) (Outcome, bool) {
	for i := range cfg.Policies {
		p := &cfg.Policies[i]
		if !p.Condition.Matches(ctx, e.env, ev, st, g) {
			continue
		}
		verdict, err := hook.ParseVerdict(p.Verdict)
		if err != nil {
			// Unreachable after registry validation; fail closed anyway.
			verdict = hook.Deny
		}
		vars := templateVars(ev, g, cfg.Name)
		msg, err := Render(cfg.Name, p.MessageTemplate, vars)
		if err != nil {
			return e.templateFailure(cfg.Name, err), true
		}
		inj, err := Render(cfg.Name, p.ContextTemplate, vars)
		if err != nil {
			return e.templateFailure(cfg.Name, err), true
		}
		if verdict == hook.Deny {
			g.Blocked = true
			g.BlockReason = msg
		}
		return Outcome{
			Gate:   cfg.Name,
			Source: "policy",
			Result: hook.Result{Verdict: verdict, SystemMessage: msg, ContextInjection: inj},
		}, true
	}
	return Outcome{}, false
}

// fireCountdown emits the warning when the metric sits in the window
// [threshold-start_before, threshold).
func (e *Engine) fireCountdown(cfg Config, ev *hook.Context, g *state.GateState) (Outcome, bool) {
	cd := cfg.Countdown
	if cd == nil {
		return Outcome{}, false
	}
	current := g.MetricInt(cd.Metric)
	if current < cd.Threshold-cd.StartBefore || current >= cd.Threshold {
		return Outcome{}, false
	}
	vars := templateVars(ev, g, cfg.Name)
	vars["remaining"] = strconv.Itoa(cd.Threshold - current)
	vars[cd.Metric] = strconv.Itoa(current)

	msg, err := Render(cfg.Name, cd.MessageTemplate, vars)
	if err != nil {
		return e.templateFailure(cfg.Name, err), true
	}
	return Outcome{
		Gate:   cfg.Name,
		Source: "countdown",
		Result: hook.Result{Verdict: hook.Warn, SystemMessage: msg},
	}, true
}

// applyTransition mutates gate and session state per the transition, then
// renders its templates and runs its custom action.
func (e *Engine) applyTransition(ctx context.Context, cfg Config, tr *Transition, ev *hook.Context, st *state.State, g *state.GateState) (string, string, error) {
	switch tr.SetStatus {
	case "open":
		st.OpenGate(cfg.Name)
	case "closed":
		st.CloseGate(cfg.Name)
	}
	if tr.ResetOpsOpen {
		g.OpsSinceOpen = 0
	}
	if tr.ResetOpsClose {
		g.OpsSinceClose = 0
	}
	for name, value := range tr.SetMetrics {
		g.SetMetric(name, value)
	}
	for name, delta := range tr.IncMetrics {
		g.IncMetric(name, delta)
	}

	vars := templateVars(ev, g, cfg.Name)
	msg, err := Render(cfg.Name, tr.SystemMessageTemplate, vars)
	if err != nil {
		return "", "", err
	}
	inj, err := Render(cfg.Name, tr.ContextTemplate, vars)
	if err != nil {
		return "", "", err
	}

	if tr.CustomAction != "" {
		action, ok := e.env.registry.actions[tr.CustomAction]
		if !ok {
			return "", "", fmt.Errorf("unknown custom action %q", tr.CustomAction)
		}
		actionMsg, actionInj, err := action(ctx, e.env, ev, st, g)
		if err != nil {
			return "", "", fmt.Errorf("action %s: %w", tr.CustomAction, err)
		}
		msg = joinFragments(msg, actionMsg, "\n")
		inj = joinFragments(inj, actionInj, "\n\n")
	}
	return msg, inj, nil
}

// templateFailure converts a rendering or action error into a diagnostic
// deny: the reply must name the gate and the problem rather than emit a
// half-rendered instruction.
func (e *Engine) templateFailure(gateName string, err error) Outcome {
	e.log.WithError(err).Error("gate evaluation failed", zap.String("gate", gateName))

	var missing *MissingPlaceholderError
	msg := fmt.Sprintf("gate %s is misconfigured: %v", gateName, err)
	if errors.As(err, &missing) {
		msg = fmt.Sprintf("gate %s is misconfigured: template references undefined variable %q", missing.Gate, missing.Placeholder)
	}
	return Outcome{
		Gate:   gateName,
		Source: "error",
		Result: hook.Result{Verdict: hook.Deny, SystemMessage: msg},
	}
}

func joinFragments(a, b, sep string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + sep + b
}
