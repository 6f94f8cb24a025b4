// Package hydrate assembles the context payload a hydrator sub-agent
// reads before the main agent acts on a fresh prompt. The builder copies
// configured files and rankings into one markdown document; it never
// interprets their contents.
package hydrate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gatehouse/hook"
	"gatehouse/internal/gate"
	"gatehouse/internal/logging"
	"gatehouse/internal/state"
	"gatehouse/internal/taskcli"
)

// Workflow classifications recorded on the session.
const (
	WorkflowFullDevelopment     = "full-development"
	WorkflowInteractiveFollowup = "interactive-followup"
	WorkflowSimpleQuestion      = "simple-question"
	WorkflowDirectSkill         = "direct-skill"
)

const (
	// staleAfter ages out payloads from earlier prompts in the same
	// session.
	staleAfter = time.Hour

	// maxScanned caps the repository walk so a monorepo cannot stall the
	// hook.
	maxScanned = 5000

	followupMaxWords = 30
	questionMaxWords = 12

	taskSnapshotLimit = 10
)

// envelopeRe matches machine-generated notification prefixes such as
// [TASK-EVENT] or [SYSTEM-NOTIFY]; those prompts are relays, not user
// requests.
var envelopeRe = regexp.MustCompile(`^\[[A-Z][A-Z0-9_-]*\]`)

// expandedMarker prefixes prompts a runtime re-injects after expanding a
// stored command.
const expandedMarker = "<expanded-from:"

// mutationVerbs disqualify a prompt from the simple-question shortcut.
var mutationVerbs = map[string]bool{
	"add": true, "apply": true, "build": true, "change": true,
	"create": true, "delete": true, "deploy": true, "edit": true,
	"fix": true, "implement": true, "install": true, "make": true,
	"move": true, "refactor": true, "remove": true, "rename": true,
	"run": true, "update": true, "write": true,
}

// stopwords are dropped before keyword ranking.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "what": true, "when": true,
	"where": true, "how": true, "why": true, "can": true, "you": true,
	"please": true, "all": true, "are": true, "was": true, "were": true,
	"will": true, "would": true, "should": true, "could": true,
	"have": true, "has": true, "had": true, "not": true, "but": true,
	"its": true, "use": true, "using": true, "there": true, "then": true,
}

// Options carries the configured builder inputs.
type Options struct {
	// SectionPaths are copied into the payload in order; relative paths
	// resolve against the session working directory. Missing files are
	// skipped.
	SectionPaths []string

	// IgnoreGlobs exclude repository files from relevance ranking.
	IgnoreGlobs []string

	// MaxFiles caps the candidate-file list.
	MaxFiles int

	// ContinuationMarkers mark a short prompt as a follow-up.
	ContinuationMarkers []string
}

// Builder assembles hydration payloads for one session at a time.
type Builder struct {
	opts  Options
	tasks *taskcli.Client
	log   *logging.Logger
	now   func() time.Time
}

// New builds a Builder. tasks may be nil when no tracker is configured.
func New(opts Options, tasks *taskcli.Client, log *logging.Logger) *Builder {
	if log == nil {
		log = logging.Nop()
	}
	return &Builder{opts: opts, tasks: tasks, log: log, now: time.Now}
}

// WithClock fixes the timestamp source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Outcome reports what the builder did with one prompt.
type Outcome struct {
	// Hydrated is true when a payload was written and the hydration gate
	// closed.
	Hydrated bool
	TempPath string
	Workflow string

	// Skipped names the rule that suppressed hydration.
	Skipped string

	// Bypassed is true for the dot prefix; the router must honor
	// gates_bypassed for the rest of the turn.
	Bypassed bool

	// Note is injected into the agent's context when non-empty.
	Note string
}

// Build classifies the prompt and, for real development work, writes the
// payload and closes the hydration gate. A write failure is fatal to the
// invocation; every other degradation is silent.
func (b *Builder) Build(ctx context.Context, ev *hook.Context, st *state.State) (Outcome, error) {
	prompt := strings.TrimSpace(ev.Prompt)

	switch {
	case prompt == "":
		return Outcome{Skipped: "empty prompt"}, nil
	case envelopeRe.MatchString(prompt):
		return Outcome{Skipped: "notification envelope"}, nil
	case strings.HasPrefix(prompt, expandedMarker):
		return Outcome{Skipped: "expanded command"}, nil
	case bypassPrefix(prompt):
		st.Flags.GatesBypassed = true
		return Outcome{Skipped: "bypass prefix", Bypassed: true}, nil
	case strings.HasPrefix(prompt, "/"):
		st.Flags.CurrentWorkflow = WorkflowDirectSkill
		b.bumpHydrationTurn(st)
		return Outcome{Skipped: "skill invocation", Workflow: WorkflowDirectSkill}, nil
	}

	if b.isFollowup(prompt, st) {
		st.Flags.CurrentWorkflow = WorkflowInteractiveFollowup
		return Outcome{Skipped: "follow-up", Workflow: WorkflowInteractiveFollowup}, nil
	}
	if isSimpleQuestion(prompt) {
		st.Flags.CurrentWorkflow = WorkflowSimpleQuestion
		b.bumpHydrationTurn(st)
		return Outcome{Skipped: "simple question", Workflow: WorkflowSimpleQuestion}, nil
	}

	st.Flags.CurrentWorkflow = WorkflowFullDevelopment
	b.bumpHydrationTurn(st)

	path, err := b.writePayload(ctx, ev, st, prompt)
	if err != nil {
		return Outcome{}, err
	}

	st.CloseGate(gate.GateHydration)
	g := st.Gate(gate.GateHydration)
	g.SetMetric("temp_path", path)
	g.SetMetric("original_prompt", prompt)
	st.Flags.HydrationPending = true
	st.MainAgent.OriginalPrompt = prompt

	note := fmt.Sprintf(
		"Before making changes, invoke the hydrator sub-agent with the payload at %s. "+
			"It plans the work for: %s", path, truncate(prompt, 200))
	return Outcome{
		Hydrated: true,
		TempPath: path,
		Workflow: WorkflowFullDevelopment,
		Note:     note,
	}, nil
}

// bumpHydrationTurn advances the post-hydration turn counter. The counter
// stays at zero until the first hydrator completion sets it to one.
func (b *Builder) bumpHydrationTurn(st *state.State) {
	if st.Hydration.TurnsSinceHydration > 0 {
		st.Hydration.TurnsSinceHydration++
	}
}

// bypassPrefix recognizes the user's explicit dot escape. Leading "./"
// and ".." read as paths, not bypasses.
func bypassPrefix(prompt string) bool {
	if !strings.HasPrefix(prompt, ".") {
		return false
	}
	return !strings.HasPrefix(prompt, "./") && !strings.HasPrefix(prompt, "..")
}

// isFollowup applies the three-part rule: ongoing work, a short prompt,
// and at least one continuation marker.
func (b *Builder) isFollowup(prompt string, st *state.State) bool {
	if st.Hydration.TurnsSinceHydration == 0 && st.MainAgent.CurrentTask == "" {
		return false
	}
	words := strings.Fields(prompt)
	if len(words) > followupMaxWords {
		return false
	}
	for _, w := range words {
		if b.isMarker(strings.ToLower(strings.Trim(w, ".,!?;:\"'()"))) {
			return true
		}
	}
	return false
}

func (b *Builder) isMarker(word string) bool {
	for _, m := range b.opts.ContinuationMarkers {
		if word == m {
			return true
		}
	}
	return false
}

func isSimpleQuestion(prompt string) bool {
	if !strings.HasSuffix(prompt, "?") {
		return false
	}
	words := strings.Fields(prompt)
	if len(words) > questionMaxWords {
		return false
	}
	for _, w := range words {
		if mutationVerbs[strings.ToLower(strings.Trim(w, ".,!?;:\"'()"))] {
			return false
		}
	}
	return true
}

// SessionTempDir is the per-session directory for hydration payloads and
// gate notes.
func SessionTempDir(sessionID string) string {
	return filepath.Join(os.TempDir(), "gatehouse-"+state.SessionHash(sessionID))
}

// writePayload assembles and atomically writes the payload file.
func (b *Builder) writePayload(ctx context.Context, ev *hook.Context, st *state.State, prompt string) (string, error) {
	dir := SessionTempDir(ev.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create hydration dir: %w", err)
	}
	b.removeStale(dir)

	var sb strings.Builder
	sb.WriteString("# Hydration Payload\n\n")
	fmt.Fprintf(&sb, "- Session: %s\n- Turn: %d\n- Generated: %s\n",
		ev.SessionID, st.GlobalTurnCount, b.now().UTC().Format(time.RFC3339))
	sb.WriteString("\n## Original Request\n\n")
	sb.WriteString(prompt)
	sb.WriteString("\n")

	for _, p := range b.opts.SectionPaths {
		resolved := p
		if !filepath.IsAbs(p) && ev.CWD != "" {
			resolved = filepath.Join(ev.CWD, p)
		}
		content, err := os.ReadFile(resolved)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n\n%s\n", p, strings.TrimSpace(string(content)))
	}

	if snapshot := b.taskSnapshot(ctx); snapshot != "" {
		sb.WriteString("\n## Task State\n\n")
		sb.WriteString(snapshot)
	}

	if files := b.rankFiles(prompt, ev.CWD); len(files) > 0 {
		sb.WriteString("\n## Candidate Files\n\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
	}

	name := fmt.Sprintf("hydrate_%s_%s.md", b.now().UTC().Format("20060102T150405"), randomTag())
	path := filepath.Join(dir, name)
	if err := atomicWrite(path, []byte(sb.String())); err != nil {
		return "", fmt.Errorf("write hydration payload: %w", err)
	}
	return path, nil
}

// removeStale deletes payloads from prompts more than an hour old.
func (b *Builder) removeStale(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := b.now().Add(-staleAfter)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "hydrate_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				b.log.Debug("stale payload not removed", zap.String("file", e.Name()), zap.Error(err))
			}
		}
	}
}

func (b *Builder) taskSnapshot(ctx context.Context) string {
	if b.tasks == nil {
		return ""
	}
	snap := b.tasks.SnapshotTasks(ctx, taskSnapshotLimit)
	if snap.Empty() {
		return ""
	}
	var sb strings.Builder
	for _, t := range snap.Active {
		fmt.Fprintf(&sb, "- [active] %s: %s\n", t.ID, t.Title)
	}
	for _, t := range snap.Inbox {
		fmt.Fprintf(&sb, "- [inbox] %s: %s\n", t.ID, t.Title)
	}
	return sb.String()
}

// rankFiles lists repository paths whose names share keywords with the
// prompt, best matches first.
func (b *Builder) rankFiles(prompt, root string) []string {
	if root == "" || b.opts.MaxFiles <= 0 {
		return nil
	}
	keywords := promptKeywords(prompt)
	if len(keywords) == 0 {
		return nil
	}

	type scored struct {
		path string
		hits int
	}
	var matches []scored
	visited := 0

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if b.ignoredDir(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if b.ignoredFile(rel) {
			return nil
		}
		visited++
		if visited > maxScanned {
			return fs.SkipAll
		}
		lower := strings.ToLower(rel)
		hits := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{path: rel, hits: hits})
		}
		return nil
	})

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].hits != matches[j].hits {
			return matches[i].hits > matches[j].hits
		}
		return len(matches[i].path) < len(matches[j].path)
	})
	if len(matches) > b.opts.MaxFiles {
		matches = matches[:b.opts.MaxFiles]
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.path
	}
	return out
}

func (b *Builder) ignoredFile(rel string) bool {
	for _, g := range b.opts.IgnoreGlobs {
		if ok, err := doublestar.Match(g, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// ignoredDir probes a hypothetical child so subtree globs like
// **/node_modules/** prune the walk instead of filtering file by file.
func (b *Builder) ignoredDir(rel string) bool {
	probe := rel + "/x"
	for _, g := range b.opts.IgnoreGlobs {
		if ok, err := doublestar.Match(g, probe); err == nil && ok {
			return true
		}
	}
	return false
}

func promptKeywords(prompt string) []string {
	fields := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_' && r != '-'
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] || mutationVerbs[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".hydrate-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func randomTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
