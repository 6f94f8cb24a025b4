// Package router orchestrates one hook invocation: read the payload,
// normalize it, load session state under the advisory lock, run side
// handlers and the gate engine, merge verdicts, persist, log, and reply.
//
// The router never fails the agent. Malformed input earns an empty
// reply, persistence trouble degrades to in-memory state, and subprocess
// failures surface as warning notes. A non-zero exit is reserved for
// failures to write the reply itself.
package router

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gatehouse/hook"
	"gatehouse/internal/autocommit"
	"gatehouse/internal/config"
	"gatehouse/internal/encode"
	"gatehouse/internal/gate"
	"gatehouse/internal/hooklog"
	"gatehouse/internal/hydrate"
	"gatehouse/internal/logging"
	"gatehouse/internal/normalize"
	"gatehouse/internal/notify"
	"gatehouse/internal/state"
	"gatehouse/internal/taskcli"
	"gatehouse/internal/transcript"
)

// maxPayloadBytes bounds stdin. Runtimes send kilobytes; a runaway pipe
// must not exhaust memory.
const maxPayloadBytes = 4 << 20

// The crash-loop circuit breaker: the fifth stop deny inside a two
// minute window flips to allow and clears the streak.
const (
	stopDenyWindow = 2 * time.Minute
	stopDenyLimit  = 5
)

const stopOverrideNote = "override: stopping was denied 5 times within 2 minutes; allowing this stop to break the loop"

// maxResultLen caps the sub-agent result summary kept on the session.
const maxResultLen = 160

// Router wires one invocation's collaborators together.
type Router struct {
	client     string
	cfg        *config.Config
	log        *logging.Logger
	opts       gate.Options
	registry   *gate.Registry
	normalizer *normalize.Normalizer
	hydrator   *hydrate.Builder
	notifier   *notify.Notifier
	committer  *autocommit.Handler
	transcript *transcript.Runner

	// base holds the parent-process session map and serves as the
	// document store when the directories coincide.
	base *state.FileStore

	store state.Store // injected by tests; nil means resolve per invocation
	now   func() time.Time
	ppid  func() int
}

// Option adjusts a Router, mainly for tests.
type Option func(*Router)

// WithStore fixes the session document store instead of resolving one
// from the configuration and the event's transcript path.
func WithStore(s state.Store) Option {
	return func(r *Router) { r.store = s }
}

// WithClock fixes the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithParentPID fixes the parent-process probe.
func WithParentPID(fn func() int) Option {
	return func(r *Router) { r.ppid = fn }
}

// New builds a Router for one runtime client.
func New(client string, cfg *config.Config, log *logging.Logger, opts ...Option) (*Router, error) {
	if client != normalize.ClientClaude && client != normalize.ClientGeneric {
		return nil, fmt.Errorf("unknown client %q (want %s or %s)", client, normalize.ClientClaude, normalize.ClientGeneric)
	}
	if log == nil {
		log = logging.Nop()
	}

	gateOpts := cfg.GateOptions()
	registry, err := gate.NewBuiltinRegistry(gateOpts, cfg.Gates.ConfigFiles...)
	if err != nil {
		return nil, fmt.Errorf("load gate registry: %w", err)
	}

	r := &Router{
		client:   client,
		cfg:      cfg,
		log:      log,
		opts:     gateOpts,
		registry: registry,
		now:      time.Now,
		ppid:     os.Getppid,
	}
	for _, opt := range opts {
		opt(r)
	}

	// The parent-process session map lives in the stable base directory;
	// per-session documents may follow the transcript instead.
	if r.store == nil {
		base, err := state.NewFileStore(state.ResolveDir(cfg.State.Dir, ""))
		if err != nil {
			log.WithError(err).Warn("session map unavailable")
		} else {
			r.base = base
		}
	}

	nopts := []normalize.Option{
		normalize.WithClock(r.now),
		normalize.WithParentPID(r.ppid),
	}
	if cfg.Subagent.Type != "" {
		nopts = append(nopts, normalize.WithSubagentType(cfg.Subagent.Type))
	}
	if r.base != nil {
		nopts = append(nopts, normalize.WithSessionResolver(r.base))
	}
	r.normalizer = normalize.New(client, nopts...)

	var tasks *taskcli.Client
	if cfg.Task.Command != "" {
		tasks = taskcli.New(cfg.Task.Command, cfg.Task.TimeoutDuration(), log)
	}
	r.hydrator = hydrate.New(hydrate.Options{
		SectionPaths:        cfg.Hydrate.SectionPaths,
		IgnoreGlobs:         cfg.Hydrate.IgnoreGlobs,
		MaxFiles:            cfg.Hydrate.MaxFiles,
		ContinuationMarkers: cfg.Hydrate.ContinuationMarkers,
	}, tasks, log).WithClock(r.now)

	r.notifier = notify.New(cfg.Notify.Topic, cfg.Notify.URL, log)
	r.committer = autocommit.New(cfg.AutoCommit.Dir, cfg.Task.Command, cfg.AutoCommit.TimeoutDuration(), log)
	r.transcript = transcript.New(cfg.Transcript.Command, cfg.Transcript.TimeoutDuration(), log)
	return r, nil
}

// Close flushes and releases long-lived collaborators.
func (r *Router) Close() {
	r.notifier.Close()
}

// Run processes one invocation end to end and writes the reply to out.
// The returned code is the process exit status; it is zero for every
// policy outcome, denies included.
func (r *Router) Run(ctx context.Context, in io.Reader, out io.Writer, eventOverride string) int {
	data, err := io.ReadAll(io.LimitReader(in, maxPayloadBytes))
	if err != nil {
		r.log.WithError(err).Warn("read hook payload")
		return r.reply(out, []byte("{}"))
	}

	ev, err := r.normalizer.Normalize(data, eventOverride)
	if err != nil {
		r.log.WithError(err).Warn("malformed hook payload, passing through")
		return r.reply(out, []byte("{}"))
	}

	res := r.process(ctx, ev)

	b, err := encode.Reply(r.client, ev.Event, res)
	if err != nil {
		r.log.WithError(err).Error("encode reply")
		b = []byte("{}")
	}
	return r.reply(out, b)
}

func (r *Router) reply(out io.Writer, b []byte) int {
	if _, err := fmt.Fprintf(out, "%s\n", b); err != nil {
		r.log.WithError(err).Error("write reply")
		return 1
	}
	return 0
}

// process runs everything between normalize and encode.
func (r *Router) process(ctx context.Context, ev *hook.Context) hook.Result {
	log := r.log.WithFields(
		zap.String("session", ev.SessionID),
		zap.String("event", string(ev.Event)),
		zap.String("trace", ev.TraceID),
	)

	docDir := state.ResolveDir(r.cfg.State.Dir, ev.TranscriptPath)
	store := r.docStore(docDir, log)

	if ev.Event == hook.SessionStart {
		r.rememberSession(ev.SessionID, log)
		r.notifier.Post(notify.KindSessionStart, ev.SessionID, "session started")
	}

	release, err := store.Lock(ctx, ev.SessionID)
	persistent := err == nil
	if err != nil {
		log.Critical("session lock unavailable, state changes will not persist", zap.Error(err))
	}
	defer release()

	st, err := store.Load(ev.SessionID)
	if err != nil {
		log.WithError(err).Warn("state unreadable, starting fresh")
	}

	env := r.registry.NewEnv(r.opts, store)
	engine := gate.NewEngine(env, r.log)

	prevTask := st.MainAgent.CurrentTask

	var extra []hook.Result
	switch ev.Event {
	case hook.UserPromptSubmit:
		extra = r.onPrompt(ctx, ev, st, log)
	case hook.SubagentStop:
		// Booked before gates evaluate so triggers comparing run counts
		// see this completion included.
		r.onSubagentStop(ev, st)
	}

	mode := gate.ModeFull
	if ev.IsSubagent || r.opts.Compliance(ev.SubagentType) || st.Flags.GatesBypassed {
		mode = gate.ModeTriggerOnly
	}

	outcomes := engine.Dispatch(ctx, ev, st, mode)

	results := make([]hook.Result, 0, len(outcomes)+len(extra))
	for _, o := range outcomes {
		results = append(results, o.Result)
	}
	results = append(results, extra...)
	merged := hook.Merge(results...)

	forced := false
	if ev.Event.StopClass() && mode == gate.ModeFull {
		merged, forced = r.breakStopLoop(st, merged, log)
	}

	r.notifyTaskChange(ev.SessionID, prevTask, st.MainAgent.CurrentTask)

	if r.committer.Wants(ev) {
		if note := r.committer.SyncData(ctx); note != "" {
			merged.SystemMessage = joinLines(merged.SystemMessage, "auto-commit: "+note)
		}
	}

	if ev.Event.StopClass() && merged.Verdict != hook.Deny {
		if ev.Event == hook.Stop {
			r.transcript.Generate(ctx, ev.TranscriptPath)
		}
		r.notifier.Post(notify.KindSessionStop, ev.SessionID, "session stopped")
	}

	if strip := r.gateStrip(st); strip != "" {
		merged.SystemMessage = joinLines(merged.SystemMessage, strip)
	}

	if env.PurgeRequested() {
		if err := store.Delete(ev.SessionID); err != nil {
			log.WithError(err).Warn("session cleanup failed")
		}
	} else if persistent {
		if err := store.Save(st); err != nil {
			log.Critical("state save failed, session state lost", zap.Error(err))
		}
	}

	r.appendLog(docDir, ev, merged, outcomes, mode, forced)
	return merged
}

// onPrompt advances the turn and runs the hydration preflight. A payload
// write failure denies the prompt with a diagnostic; the agent must not
// start work it was promised context for.
func (r *Router) onPrompt(ctx context.Context, ev *hook.Context, st *state.State, log *logging.Logger) []hook.Result {
	st.NextTurn()
	st.Flags.GatesBypassed = false

	if !r.opts.HydrationEnabled {
		return nil
	}

	outcome, err := r.hydrator.Build(ctx, ev, st)
	if err != nil {
		log.WithError(err).Error("hydration build failed")
		return []hook.Result{{
			Verdict:       hook.Deny,
			SystemMessage: fmt.Sprintf("hydration failed: %v", err),
		}}
	}
	if outcome.Bypassed {
		log.Info("gates bypassed for this turn")
	} else if outcome.Skipped != "" {
		log.Debug("hydration skipped",
			zap.String("rule", outcome.Skipped),
			zap.String("workflow", outcome.Workflow))
	}
	if outcome.Note == "" {
		return nil
	}
	return []hook.Result{{ContextInjection: outcome.Note}}
}

// onSubagentStop books one completed sub-agent run on the session.
func (r *Router) onSubagentStop(ev *hook.Context, st *state.State) {
	typ := ev.SubagentType
	if typ == "" {
		typ = "unknown"
	}
	st.RecordSubagentRun(typ, subagentResult(ev), subagentCost(ev), subagentTokens(ev))
	if rec := st.Subagents[typ]; rec != nil {
		r.notifier.Post(notify.KindSubagentComplete, ev.SessionID,
			fmt.Sprintf("%s completed (run %d)", typ, rec.Count))
	}
}

// breakStopLoop is the crash-loop circuit breaker. Denied stops are
// timestamped on the session; the fifth inside the window flips to allow
// so a broken gate cannot wedge the session. An allowed stop clears the
// streak.
func (r *Router) breakStopLoop(st *state.State, merged hook.Result, log *logging.Logger) (hook.Result, bool) {
	if merged.Verdict != hook.Deny {
		st.Flags.StopBlockTimestamps = nil
		return merged, false
	}

	now := r.now().UTC()
	cutoff := now.Add(-stopDenyWindow)
	recent := st.Flags.StopBlockTimestamps[:0]
	for _, ts := range st.Flags.StopBlockTimestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)

	if len(recent) >= stopDenyLimit {
		log.Warn("stop deny loop detected, forcing allow", zap.Int("denies", len(recent)))
		st.Flags.StopBlockTimestamps = nil
		merged.Verdict = hook.Allow
		merged.SystemMessage = joinLines(merged.SystemMessage, stopOverrideNote)
		return merged, true
	}
	st.Flags.StopBlockTimestamps = recent
	return merged, false
}

// notifyTaskChange reports bind and release transitions observed during
// this invocation.
func (r *Router) notifyTaskChange(sessionID, before, after string) {
	if before == after {
		return
	}
	if after != "" {
		r.notifier.Post(notify.KindTaskBound, sessionID, "task "+after+" bound")
		return
	}
	r.notifier.Post(notify.KindTaskReleased, sessionID, "task "+before+" released")
}

// gateStrip renders the compact status suffix, e.g.
// "[gates: hydration closed | custodiet 7/10]". Gates that are open and
// not counting down stay out of it.
func (r *Router) gateStrip(st *state.State) string {
	var parts []string
	for _, cfg := range r.registry.Gates() {
		g := st.Gate(cfg.Name)
		if g == nil {
			continue
		}
		if g.Status == state.GateClosed {
			parts = append(parts, cfg.Name+" closed")
			continue
		}
		cd := cfg.Countdown
		if cd == nil {
			continue
		}
		if current := g.MetricInt(cd.Metric); current >= cd.Threshold-cd.StartBefore {
			parts = append(parts, fmt.Sprintf("%s %d/%d", cfg.Name, current, cd.Threshold))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "[gates: " + strings.Join(parts, " | ") + "]"
}

// docStore returns the per-session document store: the injected one, the
// base store when the directories coincide, else a fresh store at the
// transcript-derived directory. Construction failure degrades to memory;
// the reply must still carry a verdict.
func (r *Router) docStore(dir string, log *logging.Logger) state.Store {
	if r.store != nil {
		return r.store
	}
	if r.base != nil && r.base.Dir() == dir {
		return r.base
	}
	fs, err := state.NewFileStore(dir)
	if err != nil {
		log.Critical("state directory unavailable, using in-memory state", zap.Error(err))
		return state.NewMemoryStore()
	}
	return fs
}

// rememberSession records the parent process's session id so later
// events arriving without one can find their way back to it.
func (r *Router) rememberSession(sessionID string, log *logging.Logger) {
	if r.base == nil {
		return
	}
	if err := r.base.RememberSession(r.ppid(), sessionID); err != nil {
		log.WithError(err).Warn("record session for parent process")
	}
}

func (r *Router) appendLog(docDir string, ev *hook.Context, merged hook.Result, outcomes []gate.Outcome, mode gate.Mode, forced bool) {
	contribs := make([]hooklog.Contribution, 0, len(outcomes))
	for _, o := range outcomes {
		contribs = append(contribs, hooklog.Contribution{
			Gate:    o.Gate,
			Source:  o.Source,
			Verdict: o.Result.Verdict,
			Reason:  o.Result.SystemMessage,
		})
	}
	hooklog.NewWriter(docDir, r.log).Append(hooklog.Record{
		TS:          ev.ReceivedAt,
		SessionID:   ev.SessionID,
		Event:       ev.Event,
		Tool:        ev.ToolName,
		Verdict:     merged.Verdict,
		Reason:      merged.SystemMessage,
		TriggerOnly: mode == gate.ModeTriggerOnly,
		ForcedAllow: forced,
		DurationMS:  r.now().UTC().Sub(ev.ReceivedAt).Milliseconds(),
		Gates:       contribs,
		Input:       logInput(ev),
	})
}

// logInput picks the payload slice worth keeping per event kind. The
// writer scrubs oversized values.
func logInput(ev *hook.Context) map[string]any {
	switch {
	case ev.Tool():
		return ev.ToolInput
	case ev.Event == hook.UserPromptSubmit && ev.Prompt != "":
		return map[string]any{"prompt": ev.Prompt}
	case ev.Event == hook.AfterAgent && ev.ResponseText != "":
		return map[string]any{"response": ev.ResponseText}
	}
	return nil
}

// subagentResult summarizes the reported outcome for the session record.
func subagentResult(ev *hook.Context) string {
	for _, key := range []string{"status", "result"} {
		s, _ := ev.ToolOutput[key].(string)
		if s == "" {
			continue
		}
		if len(s) > maxResultLen {
			s = s[:maxResultLen]
		}
		return s
	}
	return "completed"
}

// subagentCost reads the runtime-reported cost, tolerating number and
// string forms in either the tool output or the raw remainder.
func subagentCost(ev *hook.Context) decimal.Decimal {
	for _, src := range []map[string]any{ev.ToolOutput, ev.Raw} {
		v, ok := src["total_cost_usd"]
		if !ok {
			continue
		}
		switch c := v.(type) {
		case float64:
			return decimal.NewFromFloat(c)
		case string:
			if d, err := decimal.NewFromString(c); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}

func subagentTokens(ev *hook.Context) int {
	for _, src := range []map[string]any{ev.ToolOutput, ev.Raw} {
		if v, ok := src["total_tokens"].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func joinLines(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}
