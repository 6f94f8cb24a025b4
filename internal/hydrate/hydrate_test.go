package hydrate_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/hook"
	"gatehouse/internal/hydrate"
	"gatehouse/internal/state"
	"gatehouse/internal/taskcli"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
}

func newBuilder(t *testing.T) *hydrate.Builder {
	t.Helper()
	return hydrate.New(hydrate.Options{
		SectionPaths:        []string{"AGENTS.md"},
		IgnoreGlobs:         []string{"**/node_modules/**", "**/.git/**"},
		MaxFiles:            20,
		ContinuationMarkers: []string{"continue", "also", "again", "it", "that"},
	}, nil, nil).WithClock(fixedNow)
}

// promptEvent builds a UserPromptSubmit context with a unique session so
// temp directories never collide across tests.
func promptEvent(t *testing.T, prompt, cwd string) *hook.Context {
	t.Helper()
	sid := "hydrate-test-" + t.Name()
	t.Cleanup(func() { os.RemoveAll(hydrate.SessionTempDir(sid)) })
	return &hook.Context{
		Event:     hook.UserPromptSubmit,
		SessionID: sid,
		Prompt:    prompt,
		CWD:       cwd,
	}
}

func TestSkipRules(t *testing.T) {
	cases := []struct {
		name     string
		prompt   string
		skipped  string
		workflow string
		bypassed bool
	}{
		{"empty", "   ", "empty prompt", "", false},
		{"task envelope", "[TASK-EVENT] TASK-9 moved to done", "notification envelope", "", false},
		{"system envelope", "[SYSTEM-NOTIFY] build finished", "notification envelope", "", false},
		{"expanded command", "<expanded-from:deploy> run the deploy steps", "expanded command", "", false},
		{"bypass dot", ". just commit what you have", "bypass prefix", "", true},
		{"slash skill", "/custodiet", "skill invocation", hydrate.WorkflowDirectSkill, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newBuilder(t)
			st := state.New("s")
			out, err := b.Build(context.Background(), promptEvent(t, tc.prompt, ""), st)
			require.NoError(t, err)

			assert.False(t, out.Hydrated)
			assert.Equal(t, tc.skipped, out.Skipped)
			assert.Equal(t, tc.workflow, st.Flags.CurrentWorkflow)
			assert.Equal(t, tc.bypassed, out.Bypassed)
			assert.Equal(t, tc.bypassed, st.Flags.GatesBypassed)
			assert.Nil(t, st.Gate("hydration"), "skip rules never touch the gate")
			assert.False(t, st.Flags.HydrationPending)
		})
	}
}

func TestDotPathsAreNotBypasses(t *testing.T) {
	b := newBuilder(t)
	st := state.New("s")

	out, err := b.Build(context.Background(), promptEvent(t, "./scripts/deploy.sh is broken, investigate the failure", t.TempDir()), st)
	require.NoError(t, err)

	assert.False(t, out.Bypassed)
	assert.True(t, out.Hydrated, "a leading ./ reads as a path")
}

func TestFollowupSkipsHydration(t *testing.T) {
	b := newBuilder(t)
	st := state.New("s")
	st.Hydration.TurnsSinceHydration = 1

	out, err := b.Build(context.Background(), promptEvent(t, "now fix it again", ""), st)
	require.NoError(t, err)

	assert.False(t, out.Hydrated)
	assert.Equal(t, "follow-up", out.Skipped)
	assert.Equal(t, hydrate.WorkflowInteractiveFollowup, st.Flags.CurrentWorkflow)
	assert.Equal(t, 1, st.Hydration.TurnsSinceHydration, "follow-ups do not consume a hydration turn")
}

func TestFollowupRequiresOngoingWork(t *testing.T) {
	b := newBuilder(t)
	st := state.New("s")

	out, err := b.Build(context.Background(), promptEvent(t, "now improve it again", t.TempDir()), st)
	require.NoError(t, err)

	assert.True(t, out.Hydrated, "no prior hydration and no task means a fresh prompt")
	assert.Equal(t, hydrate.WorkflowFullDevelopment, st.Flags.CurrentWorkflow)
}

func TestFollowupWordBoundary(t *testing.T) {
	b := newBuilder(t)

	words := func(n int) string {
		return "also " + strings.TrimSpace(strings.Repeat("polish ", n-1))
	}

	st := state.New("s")
	st.BindTask("TASK-3")
	out, err := b.Build(context.Background(), promptEvent(t, words(30), ""), st)
	require.NoError(t, err)
	assert.Equal(t, "follow-up", out.Skipped, "thirty words is still short")

	st2 := state.New("s2")
	st2.BindTask("TASK-3")
	out2, err := b.Build(context.Background(), promptEvent(t, words(31), t.TempDir()), st2)
	require.NoError(t, err)
	assert.True(t, out2.Hydrated, "thirty-one words is a fresh request")
}

func TestSimpleQuestionSkipsHydration(t *testing.T) {
	b := newBuilder(t)
	st := state.New("s")
	st.Hydration.TurnsSinceHydration = 1

	out, err := b.Build(context.Background(), promptEvent(t, "where does the session state live?", ""), st)
	require.NoError(t, err)

	assert.False(t, out.Hydrated)
	assert.Equal(t, hydrate.WorkflowSimpleQuestion, st.Flags.CurrentWorkflow)
	assert.Equal(t, 2, st.Hydration.TurnsSinceHydration, "questions consume a hydration turn")
}

func TestQuestionWithMutationVerbHydrates(t *testing.T) {
	b := newBuilder(t)
	st := state.New("s")

	out, err := b.Build(context.Background(), promptEvent(t, "can you fix the login bug?", t.TempDir()), st)
	require.NoError(t, err)
	assert.True(t, out.Hydrated)
}

func TestHydrationWritesPayloadAndClosesGate(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "AGENTS.md"), []byte("Always run the linter.\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "src", "auth"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "src", "login.go"), []byte("package src\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "src", "auth", "validation.go"), []byte("package auth\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, "node_modules", "login"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "node_modules", "login", "index.js"), []byte("x"), 0o644))

	b := newBuilder(t)
	st := state.New("s")
	ev := promptEvent(t, "improve the login validation flow", cwd)

	out, err := b.Build(context.Background(), ev, st)
	require.NoError(t, err)
	require.True(t, out.Hydrated)

	assert.Regexp(t, regexp.MustCompile(`hydrate_20260824T100000_[0-9a-f]{8}\.md$`), out.TempPath)
	assert.Equal(t, hydrate.SessionTempDir(ev.SessionID), filepath.Dir(out.TempPath))

	payload, err := os.ReadFile(out.TempPath)
	require.NoError(t, err)
	text := string(payload)
	assert.Contains(t, text, "# Hydration Payload")
	assert.Contains(t, text, "## Original Request")
	assert.Contains(t, text, "improve the login validation flow")
	assert.Contains(t, text, "## AGENTS.md")
	assert.Contains(t, text, "Always run the linter.")
	assert.Contains(t, text, "## Candidate Files")
	assert.Contains(t, text, "src/login.go")
	assert.Contains(t, text, "src/auth/validation.go")
	assert.NotContains(t, text, "node_modules", "ignored subtrees stay out of the ranking")

	g := st.Gate("hydration")
	require.NotNil(t, g)
	assert.Equal(t, state.GateClosed, g.Status)
	assert.Equal(t, out.TempPath, g.MetricString("temp_path"))
	assert.Equal(t, "improve the login validation flow", g.MetricString("original_prompt"))
	assert.True(t, st.Flags.HydrationPending)
	assert.Equal(t, "improve the login validation flow", st.MainAgent.OriginalPrompt)
	assert.Contains(t, out.Note, out.TempPath)
}

func TestTaskSnapshotSection(t *testing.T) {
	tracker := filepath.Join(t.TempDir(), "bd")
	require.NoError(t, os.WriteFile(tracker, []byte(`#!/bin/sh
case "$2" in
  --status=active) echo '[{"id":"TASK-4","title":"Harden auth","status":"active"}]' ;;
  *) echo '[]' ;;
esac
`), 0o755))

	b := hydrate.New(hydrate.Options{MaxFiles: 5}, taskcli.New(tracker, time.Second, nil), nil).WithClock(fixedNow)
	st := state.New("s")
	ev := promptEvent(t, "harden the auth middleware against replay", t.TempDir())

	out, err := b.Build(context.Background(), ev, st)
	require.NoError(t, err)
	require.True(t, out.Hydrated)

	payload, err := os.ReadFile(out.TempPath)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "## Task State")
	assert.Contains(t, string(payload), "[active] TASK-4: Harden auth")
}

func TestMissingSectionFilesAreSkipped(t *testing.T) {
	b := hydrate.New(hydrate.Options{
		SectionPaths: []string{"does-not-exist.md"},
		MaxFiles:     5,
	}, nil, nil).WithClock(fixedNow)
	st := state.New("s")
	ev := promptEvent(t, "restructure the storage layer thoroughly", t.TempDir())

	out, err := b.Build(context.Background(), ev, st)
	require.NoError(t, err)
	require.True(t, out.Hydrated)

	payload, err := os.ReadFile(out.TempPath)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "does-not-exist.md")
}

func TestStalePayloadsRemovedBeforeWriting(t *testing.T) {
	b := newBuilder(t)
	st := state.New("s")
	ev := promptEvent(t, "rework the encoder package internals", t.TempDir())

	dir := hydrate.SessionTempDir(ev.SessionID)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stale := filepath.Join(dir, "hydrate_old.md")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	twoHoursAgo := fixedNow().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, twoHoursAgo, twoHoursAgo))

	fresh := filepath.Join(dir, "hydrate_recent.md")
	require.NoError(t, os.WriteFile(fresh, []byte("recent"), 0o644))
	tenMinutesAgo := fixedNow().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(fresh, tenMinutesAgo, tenMinutesAgo))

	_, err := b.Build(context.Background(), ev, st)
	require.NoError(t, err)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "hour-old payloads are purged")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "recent payloads survive")
}

func TestWriteFailureIsFatal(t *testing.T) {
	sid := "hydrate-test-" + t.Name()
	// Occupy the session temp dir path with a plain file so MkdirAll
	// cannot succeed.
	blocked := hydrate.SessionTempDir(sid)
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))
	t.Cleanup(func() { os.Remove(blocked) })

	b := newBuilder(t)
	st := state.New(sid)
	ev := &hook.Context{
		Event:     hook.UserPromptSubmit,
		SessionID: sid,
		Prompt:    "rebuild the settings loader from scratch",
		CWD:       t.TempDir(),
	}

	_, err := b.Build(context.Background(), ev, st)
	require.Error(t, err)
	assert.False(t, st.Flags.HydrationPending, "failed builds leave no pending flag")
}

func TestHydrationTurnAdvancesAfterFirstCompletion(t *testing.T) {
	b := newBuilder(t)

	st := state.New("s")
	_, err := b.Build(context.Background(), promptEvent(t, "overhaul the request router carefully", t.TempDir()), st)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Hydration.TurnsSinceHydration, "counter waits for the first completion")

	st2 := state.New("s2")
	st2.Hydration.TurnsSinceHydration = 2
	_, err = b.Build(context.Background(), promptEvent(t, "overhaul the request router carefully", t.TempDir()), st2)
	require.NoError(t, err)
	assert.Equal(t, 3, st2.Hydration.TurnsSinceHydration)
}
