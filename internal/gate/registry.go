package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gatehouse/hook"
	"gatehouse/internal/state"
)

// CheckFunc is a named predicate a condition can reference. Checks must be
// side-effect free on session state.
type CheckFunc func(ctx context.Context, env *Env, ev *hook.Context, st *state.State, g *state.GateState) bool

// ActionFunc is a named effect a transition can invoke. The returned
// fragments concatenate with the transition's template output.
type ActionFunc func(ctx context.Context, env *Env, ev *hook.Context, st *state.State, g *state.GateState) (message, injection string, err error)

// Env carries the collaborators checks and actions may need. The engine
// threads one Env through every evaluation.
type Env struct {
	registry *Registry
	Opts     Options

	// Store is used by cleanup actions; nil disables them.
	Store state.Store

	purgeRequested bool
}

// RequestPurge marks the session document for deletion after the current
// invocation persists its reply. The router honors it post-dispatch.
func (e *Env) RequestPurge() { e.purgeRequested = true }

// PurgeRequested reports whether a cleanup action asked for deletion.
func (e *Env) PurgeRequested() bool { return e.purgeRequested }

// Options are the tunables the built-in gate set reads.
type Options struct {
	CustodietThreshold   int
	CustodietStartBefore int

	HydrationEnabled bool
	CustodietEnabled bool
	TaskGateEnabled  bool

	// SafeWritePaths are doublestar globs; writes inside them never need a
	// bound task.
	SafeWritePaths []string

	// StreamlinedWorkflows skip the QA and critic stop checks.
	StreamlinedWorkflows []string

	// ComplianceSubagents run gates in trigger-only mode, bypassing
	// policies.
	ComplianceSubagents []string

	// TaskCommand names the external task CLI, for user-facing messages.
	TaskCommand string
}

// DefaultOptions returns the built-in tuning.
func DefaultOptions() Options {
	return Options{
		CustodietThreshold:   10,
		CustodietStartBefore: 3,
		HydrationEnabled:     true,
		CustodietEnabled:     true,
		TaskGateEnabled:      true,
		SafeWritePaths: []string{
			"/tmp/**",
			"**/session-status/**",
			"**/.gatehouse/**",
			"**/gatehouse-*/**",
		},
		StreamlinedWorkflows: []string{"interactive-followup", "simple-question", "direct-skill"},
		ComplianceSubagents:  []string{"custodiet", "compliance-auditor"},
		TaskCommand:          "bd",
	}
}

// Streamlined reports whether a workflow name is on the streamlined list.
func (o Options) Streamlined(workflow string) bool {
	for _, w := range o.StreamlinedWorkflows {
		if w == workflow {
			return true
		}
	}
	return false
}

// Compliance reports whether a sub-agent type bypasses gate policies.
func (o Options) Compliance(subagentType string) bool {
	for _, t := range o.ComplianceSubagents {
		if t == subagentType {
			return true
		}
	}
	return false
}

// Registry holds the gate set in stable order plus the custom check and
// action tables. Loaded once per process; the iteration order defines the
// verdict merge order.
type Registry struct {
	gates   []Config
	checks  map[string]CheckFunc
	actions map[string]ActionFunc
}

// NewRegistry builds a registry over the given gate set.
func NewRegistry(gates []Config) (*Registry, error) {
	seen := make(map[string]bool, len(gates))
	for i := range gates {
		if err := gates[i].Validate(); err != nil {
			return nil, err
		}
		if seen[gates[i].Name] {
			return nil, fmt.Errorf("duplicate gate name %q", gates[i].Name)
		}
		seen[gates[i].Name] = true
	}
	return &Registry{
		gates:   gates,
		checks:  make(map[string]CheckFunc),
		actions: make(map[string]ActionFunc),
	}, nil
}

// Gates returns the gate set in evaluation order.
func (r *Registry) Gates() []Config { return r.gates }

// Gate looks a gate up by name.
func (r *Registry) Gate(name string) (Config, bool) {
	for _, g := range r.gates {
		if g.Name == name {
			return g, true
		}
	}
	return Config{}, false
}

// RegisterCheck binds a named predicate for condition custom_check
// clauses.
func (r *Registry) RegisterCheck(name string, fn CheckFunc) {
	r.checks[name] = fn
}

// RegisterAction binds a named effect for transition custom_action
// references.
func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	r.actions[name] = fn
}

// NewEnv pairs the registry with its evaluation collaborators.
func (r *Registry) NewEnv(opts Options, store state.Store) *Env {
	return &Env{registry: r, Opts: opts, Store: store}
}

// gateFile is the on-disk shape of a user gate-config file.
type gateFile struct {
	Gates []Config `json:"gates" yaml:"gates"`
}

// LoadFiles reads gate definitions from JSON or YAML files and merges them
// over base by name: a redefined gate replaces the built-in wholesale, a
// new name appends in file order. Missing files are skipped silently so a
// fixed search path can be probed.
func LoadFiles(base []Config, paths ...string) ([]Config, error) {
	merged := append([]Config(nil), base...)
	index := make(map[string]int, len(merged))
	for i, g := range merged {
		index[g.Name] = i
	}

	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read gate config %s: %w", path, err)
		}

		var file gateFile
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(b, &file)
		default:
			err = json.Unmarshal(b, &file)
		}
		if err != nil {
			return nil, fmt.Errorf("parse gate config %s: %w", path, err)
		}

		for _, g := range file.Gates {
			if err := g.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if i, ok := index[g.Name]; ok {
				merged[i] = g
				continue
			}
			index[g.Name] = len(merged)
			merged = append(merged, g)
		}
	}
	return merged, nil
}
