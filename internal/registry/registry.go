// Package registry implements the framework's two-phase lifecycle kernel:
// components are discovered, sorted by numeric priority, and advanced through
// initialize -> start -> stop, publishing whatever they return into a shared
// namespace other components and the dispatch pipeline read from. Grounded on
// the teacher's internal/bootstrap/runtime.go, which wires DB-connect then
// admin-bootstrap then seed as one fixed sequence; this package generalizes
// that into an ordered, pluggable sequence of arbitrary components.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"actionkit/internal/apperrors"
)

// RunMode is a mode the process can be running in; components opt in to the
// modes they start under.
type RunMode string

const (
	ModeServer RunMode = "SERVER"
	ModeCLI    RunMode = "CLI"
)

// Component is anything the registry can sequence through its lifecycle.
// Initialize, Start, and Stop are optional in spirit (spec §4.1 marks them
// with "?") — implementations that have nothing to do there return nil.
type Component interface {
	Name() string
	LoadPriority() int
	StartPriority() int
	StopPriority() int
	RunModes() []RunMode
	Initialize(ctx context.Context) (any, error)
	Start(ctx context.Context, mode RunMode) error
	Stop(ctx context.Context) error
}

type componentState struct {
	component  Component
	namespace  any
	initialized bool
	started     bool
	stopped     bool
}

// Registry holds the registered components and the namespace they publish
// into. The zero value is not usable; use New.
type Registry struct {
	mu         sync.Mutex
	states     map[string]*componentState
	order      []string // registration order, for stable sort ties
	namespace  map[string]any
	restarting bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		states:    make(map[string]*componentState),
		namespace: make(map[string]any),
	}
}

// Register adds a component. Registering two components with the same Name
// panics: action and component names are process-wide unique by spec
// invariant, and a naming collision is a programming error, not a runtime
// condition callers should need to handle.
func (r *Registry) Register(c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := c.Name()
	if _, exists := r.states[name]; exists {
		panic(fmt.Sprintf("registry: component %q registered twice", name))
	}
	r.states[name] = &componentState{component: c}
	r.order = append(r.order, name)
}

// sortedByPriority returns registered component names ordered ascending by
// priority, breaking ties by registration order for determinism.
func (r *Registry) sortedByPriority(priority func(Component) int) []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.SliceStable(names, func(i, j int) bool {
		return priority(r.states[names[i]].component) < priority(r.states[names[j]].component)
	})
	return names
}

// Get retrieves the namespace value a component published at initialize,
// the equivalent of reading api[name] in the spec's terms.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.namespace[name]
	return v, ok
}

// initializeOne runs Initialize for one component if not already run. Caller
// must hold r.mu.
func (r *Registry) initializeOne(ctx context.Context, st *componentState) error {
	if st.initialized {
		return nil
	}
	ns, err := st.component.Initialize(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ServerInitialization, fmt.Sprintf("initializing component %q", st.component.Name()), err)
	}
	st.initialized = true
	st.namespace = ns
	if ns != nil {
		r.namespace[st.component.Name()] = ns
	}
	return nil
}

// Initialize runs every component's Initialize in ascending loadPriority.
// Aborts the phase on the first error, leaving later components
// uninitialized (spec §4.1: "aborts the phase — no further components are
// advanced in that phase").
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.sortedByPriority(func(c Component) int { return c.LoadPriority() }) {
		if err := r.initializeOne(ctx, r.states[name]); err != nil {
			return err
		}
	}
	return nil
}

// Start runs every component's Start in ascending startPriority, skipping
// components whose RunModes does not contain mode. Implicitly initializes a
// component first if Initialize has not yet run for it.
func (r *Registry) Start(ctx context.Context, mode RunMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.sortedByPriority(func(c Component) int { return c.StartPriority() }) {
		st := r.states[name]
		if !runsInMode(st.component, mode) {
			continue
		}
		if err := r.initializeOne(ctx, st); err != nil {
			return err
		}
		if st.started {
			continue
		}
		if err := st.component.Start(ctx, mode); err != nil {
			return apperrors.Wrap(apperrors.ServerStart, fmt.Sprintf("starting component %q", name), err)
		}
		st.started = true
	}
	return nil
}

// Stop runs every started component's Stop in ascending stopPriority.
// Idempotent: components already stopped are skipped silently.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.sortedByPriority(func(c Component) int { return c.StopPriority() }) {
		st := r.states[name]
		if st.stopped || !st.started {
			continue
		}
		if err := st.component.Stop(ctx); err != nil {
			return apperrors.Wrap(apperrors.ServerStop, fmt.Sprintf("stopping component %q", name), err)
		}
		st.stopped = true
	}
	return nil
}

// Restart stops then starts every component. A flap-preventer makes an
// overlapping Restart call on a second goroutine a no-op (spec §4.1) rather
// than queuing or erroring.
func (r *Registry) Restart(ctx context.Context, mode RunMode) error {
	r.mu.Lock()
	if r.restarting {
		r.mu.Unlock()
		return nil
	}
	r.restarting = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.restarting = false
		r.mu.Unlock()
	}()

	if err := r.Stop(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	for _, st := range r.states {
		if st.stopped {
			st.started = false
			st.stopped = false
		}
	}
	r.mu.Unlock()
	return r.Start(ctx, mode)
}

func runsInMode(c Component, mode RunMode) bool {
	for _, m := range c.RunModes() {
		if m == mode {
			return true
		}
	}
	return false
}
