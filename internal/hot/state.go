// Package hot holds the per-module hot update state and the registry that
// keeps it alive across re-executions of the same module.
package hot

import (
	"context"
	"sync"

	"github.com/zot/esm-hmr/internal/protocol"
)

// Module is one evaluated instance of a module.
type Module struct {
	ID      string
	Version int64
	Exports any
}

// Update is handed to accept callbacks once the target module and its
// declared dependencies have been re-imported.
type Update struct {
	Module  *Module
	Bubbled bool
	Deps    []*Module // same order as the registration's dependencies
}

// AcceptFunc receives a freshly imported module graph.
type AcceptFunc func(ctx context.Context, u Update) error

// DisposeFunc cleans up an instance that is about to be replaced.
type DisposeFunc func(ctx context.Context) error

// AcceptOptions configures an accept registration.
type AcceptOptions struct {
	// Dependencies are specifiers relative to the accepting module.
	Dependencies []string
	// OnUpdate is called after each update; nil accepts silently.
	OnUpdate AcceptFunc
}

// AcceptHandler is a normalized accept registration.
type AcceptHandler struct {
	Deps     []string
	OnUpdate AcceptFunc
}

// State is the hot update state of one module identity. It is safe for
// concurrent use; module code should go through DataValue, SetData and
// DeleteData rather than writing to the map returned by Data.
type State struct {
	id       string
	registry *Registry

	mu               sync.Mutex
	data             map[string]any
	locked           bool
	declined         bool
	accepted         bool
	acceptCallbacks  []AcceptHandler
	disposeCallbacks []DisposeFunc
}

func newState(id string, registry *Registry) *State {
	return &State{
		id:       id,
		registry: registry,
		data:     make(map[string]any),
	}
}

// ID returns the module identity.
func (s *State) ID() string {
	return s.id
}

// Data returns the current data map. A dispose cycle replaces it with a new
// empty map, so callers should not hold on to the result across updates.
func (s *State) Data() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// DataValue returns the value stored under key in the current data map.
func (s *State) DataValue(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key]
}

// SetData stores v under key in the current data map.
func (s *State) SetData(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = v
}

// DeleteData removes key from the current data map.
func (s *State) DeleteData(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Accept registers an update handler. It does nothing once the state is locked.
// The first registration tells the server this module is hot-capable.
func (s *State) Accept(opts AcceptOptions) error {
	if s.IsLocked() {
		return nil
	}

	deps := make([]string, 0, len(opts.Dependencies))
	for _, dep := range opts.Dependencies {
		id, err := ResolveDependency(s.id, dep)
		if err != nil {
			return err
		}
		deps = append(deps, id)
	}

	onUpdate := opts.OnUpdate
	if onUpdate == nil {
		onUpdate = func(context.Context, Update) error { return nil }
	}

	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		return nil
	}
	first := !s.accepted
	s.accepted = true
	s.acceptCallbacks = append(s.acceptCallbacks, AcceptHandler{Deps: deps, OnUpdate: onUpdate})
	s.mu.Unlock()

	if first {
		s.registry.send(protocol.NewHotAccept(s.id))
	}
	return nil
}

// Dispose registers a cleanup callback for the next dispose cycle.
// Not gated by Lock: late registrations from a superseded instance are kept.
func (s *State) Dispose(fn DisposeFunc) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposeCallbacks = append(s.disposeCallbacks, fn)
}

// Decline marks the module as never hot-updatable.
func (s *State) Decline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declined = true
}

// Invalidate gives up on hot updating and requests a full reload.
func (s *State) Invalidate() {
	s.registry.log(1, "hot: %s invalidated, reloading", s.id)
	s.registry.reload()
}

// Lock freezes the accept registrations.
func (s *State) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
}

// IsLocked reports whether Accept has become a no-op.
func (s *State) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// IsDeclined reports whether the module refused hot updates.
func (s *State) IsDeclined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declined
}

// IsAccepted reports whether Accept has been called successfully.
func (s *State) IsAccepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// AcceptHandlers returns a copy of the accept registrations in order.
func (s *State) AcceptHandlers() []AcceptHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	handlers := make([]AcceptHandler, len(s.acceptCallbacks))
	copy(handlers, s.acceptCallbacks)
	return handlers
}

// AcceptCount returns the number of accept registrations.
func (s *State) AcceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acceptCallbacks)
}

// DisposeCount returns the number of pending dispose callbacks.
func (s *State) DisposeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disposeCallbacks)
}

// takeDispose clears data and the dispose list, returning the taken callbacks.
func (s *State) takeDispose() ([]DisposeFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.declined {
		return nil, false
	}
	callbacks := s.disposeCallbacks
	s.disposeCallbacks = nil
	s.data = make(map[string]any)
	return callbacks, true
}

// StateInfo is a point-in-time view of a State.
type StateInfo struct {
	ID               string     `json:"id"`
	Locked           bool       `json:"locked"`
	Declined         bool       `json:"declined"`
	Accepted         bool       `json:"accepted"`
	AcceptDeps       [][]string `json:"acceptDeps"`
	DisposeCallbacks int        `json:"disposeCallbacks"`
	DataKeys         int        `json:"dataKeys"`
}

// Info returns a snapshot of the state.
func (s *State) Info() StateInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	deps := make([][]string, len(s.acceptCallbacks))
	for i, h := range s.acceptCallbacks {
		deps[i] = append([]string{}, h.Deps...)
	}
	return StateInfo{
		ID:               s.id,
		Locked:           s.locked,
		Declined:         s.declined,
		Accepted:         s.accepted,
		AcceptDeps:       deps,
		DisposeCallbacks: len(s.disposeCallbacks),
		DataKeys:         len(s.data),
	}
}
