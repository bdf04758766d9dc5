// Package registry holds the static mapping from a language-server
// identifier to the spec describing how to run it and how it speaks
// diagnostics — spec.md §4.2. It generalizes the teacher's Project
// registration-plus-overlay pattern (internal/daemon/project.go) from one
// user-editable project.yaml per project to one registry of built-in specs,
// optionally overlaid by a user's ~/.lspmux/servers.yaml (see overlay.go).
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DiagnosticsMode selects how the mux handles diagnostics for a server.
type DiagnosticsMode int

const (
	// Passthrough means the server already pushes diagnostics and the mux
	// does nothing extra.
	Passthrough DiagnosticsMode = iota
	// Bridge means the mux must synthesize push diagnostics for clients
	// that do not support pull, per spec.md §4.4.
	Bridge
)

// InstallFallback describes an on-demand install strategy for a server
// binary that is not found via any resolution candidate.
type InstallFallback struct {
	// Description is a human-readable hint shown to the user (e.g. "npm
	// install -g typescript-language-server").
	Description string
	// Command and Args record an install command. Nothing in this module
	// runs them; discovery reports only Description when resolution fails.
	Command string
	Args    []string
}

// Binary describes how to locate the server's executable.
type Binary struct {
	// EnvVar, if set, is an environment variable whose value overrides all
	// other resolution (e.g. "LSPMUX_TSGO_PATH").
	EnvVar string
	// Candidates are executable names tried in order via PATH lookup.
	Candidates []string
	// ExtraPath, if set, is an additional directory probed before falling
	// back to PATH (e.g. a project-local node_modules/.bin).
	ExtraPath string
	// Install is consulted if no candidate resolves anywhere.
	Install *InstallFallback
}

// RequestBuilder returns the method and params for a bridge-initiated pull
// request for the given document URI.
type RequestBuilder func(uri string) (method string, params any)

// PrepareInitialize transforms the first `initialize` message's params
// before it is forwarded to the server. It must be pure: same input,
// same output, no side effects, since it may run more than once across
// mux restarts even though it is only ever invoked once per living mux.
type PrepareInitialize func(params json.RawMessage) (json.RawMessage, error)

// Spec is the immutable behavior descriptor for one language server.
type Spec struct {
	Name    string
	Aliases []string

	Binary Binary
	Args   []string

	Diagnostics      DiagnosticsMode
	DebounceInterval time.Duration
	RequestBuilder   RequestBuilder

	PrepareInitialize PrepareInitialize
}

// ErrNotFound is returned by Lookup for an unregistered name or alias.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("registry: unknown server %q", e.Name) }

// Registry is a name/alias -> Spec lookup table. A Registry is immutable
// once New/Default/LoadWithOverlay returns it; there is no exported mutator.
type Registry struct {
	byName map[string]*Spec
	all    []*Spec
}

type builder struct {
	mu     sync.Mutex
	byName map[string]*Spec
	all    []*Spec
}

func newBuilder() *builder {
	return &builder{byName: make(map[string]*Spec)}
}

// register adds spec under its name and every alias. It is only used while
// assembling a Registry; once New/Default returns, no further registration
// is possible.
func (b *builder) register(spec *Spec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := append([]string{spec.Name}, spec.Aliases...)
	for _, k := range keys {
		if _, exists := b.byName[k]; exists {
			return fmt.Errorf("registry: name or alias %q already registered", k)
		}
	}
	for _, k := range keys {
		b.byName[k] = spec
	}
	b.all = append(b.all, spec)
	return nil
}

func (b *builder) finish() *Registry {
	sort.Slice(b.all, func(i, j int) bool { return b.all[i].Name < b.all[j].Name })
	return &Registry{byName: b.byName, all: b.all}
}

// New returns an empty registry populated only with specs, with no built-ins.
func New(specs ...*Spec) (*Registry, error) {
	b := newBuilder()
	for _, s := range specs {
		if err := b.register(s); err != nil {
			return nil, err
		}
	}
	return b.finish(), nil
}

// Default returns the registry of bundled specs described in spec.md §4.2.
func Default() *Registry {
	reg, err := New(typescriptGoSpec(), lintSpec())
	if err != nil {
		// The bundled specs never collide; a panic here means a code change
		// introduced a duplicate alias, which is a programming error.
		panic(err)
	}
	return reg
}

// Lookup resolves name (canonical or alias) to its Spec.
func (r *Registry) Lookup(name string) (*Spec, error) {
	spec, ok := r.byName[name]
	if !ok {
		return nil, &ErrNotFound{Name: name}
	}
	return spec, nil
}

// All returns every distinct registered spec, sorted by canonical name, for
// help/listing output.
func (r *Registry) All() []*Spec {
	out := make([]*Spec, len(r.all))
	copy(out, r.all)
	return out
}
