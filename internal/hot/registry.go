package hot

import (
	"context"
	"sort"
	"sync"

	"github.com/zot/esm-hmr/internal/protocol"
)

// Importer fetches and evaluates a fresh instance of a module.
// Version is the cache-busting token; two imports with the same identity and
// version may share an instance.
type Importer interface {
	Import(ctx context.Context, id string, version int64) (*Module, error)
}

// Sender delivers client messages to the server.
type Sender interface {
	Send(msg *protocol.Message) error
}

// Reloader performs a full reload, discarding all hot state.
type Reloader interface {
	Reload()
}

// ReloaderFunc adapts a function to Reloader.
type ReloaderFunc func()

// Reload calls f.
func (f ReloaderFunc) Reload() {
	f()
}

// Logger is the verbosity logger used across the client.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// Registry maps module identities to their hot state for the lifetime of a
// page session. Entries are created once and never removed.
type Registry struct {
	mu       sync.Mutex
	modules  map[string]*State
	sender   Sender
	reloader Reloader
	logger   Logger
}

// NewRegistry creates an empty registry. Any collaborator may be nil.
func NewRegistry(sender Sender, reloader Reloader, logger Logger) *Registry {
	return &Registry{
		modules:  make(map[string]*State),
		sender:   sender,
		reloader: reloader,
		logger:   logger,
	}
}

func (r *Registry) log(level int, format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Log(level, format, args...)
	}
}

func (r *Registry) send(msg *protocol.Message) {
	if r.sender == nil {
		return
	}
	if err := r.sender.Send(msg); err != nil {
		r.log(0, "hot: failed to send %s for %s: %v", msg.Type, msg.ID, err)
	}
}

func (r *Registry) reload() {
	if r.reloader != nil {
		r.reloader.Reload()
	}
}

// CreateHotContext returns the state for the module at fullURL. If the module
// was seen before, the previous instance is retired first (locked and
// disposed) and the same state is returned, so accept calls made by the
// re-executed body are ignored.
func (r *Registry) CreateHotContext(ctx context.Context, fullURL string) (*State, error) {
	id, err := ModuleID(fullURL)
	if err != nil {
		return nil, err
	}

	existed, err := r.Retire(ctx, id)
	if existed {
		r.log(3, "hot: re-entered %s", id)
		state, _ := r.Lookup(id)
		return state, err
	}

	state, _ := r.Register(id)
	r.log(3, "hot: registered %s", id)
	return state, nil
}

// Register returns the state for id, creating it if needed.
// The bool reports whether a new state was created.
func (r *Registry) Register(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.modules[id]; ok {
		return state, false
	}
	state := newState(id, r)
	r.modules[id] = state
	return state, true
}

// Retire locks the state for id and runs its dispose cycle.
// It reports whether a state existed.
func (r *Registry) Retire(ctx context.Context, id string) (bool, error) {
	state, ok := r.Lookup(id)
	if !ok {
		return false, nil
	}
	state.Lock()
	_, err := r.RunModuleDispose(ctx, id)
	return true, err
}

// Lookup returns the state for id, if any.
func (r *Registry) Lookup(id string) (*State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.modules[id]
	return state, ok
}

// RunModuleDispose runs the dispose cycle for id: the dispose list is taken
// and cleared, data is reset, then the taken callbacks run in registration
// order. The first callback error stops the cycle and is returned.
// Returns false for unknown or declined modules.
func (r *Registry) RunModuleDispose(ctx context.Context, id string) (bool, error) {
	state, ok := r.Lookup(id)
	if !ok {
		return false, nil
	}
	callbacks, ok := state.takeDispose()
	if !ok {
		return false, nil
	}

	r.log(3, "hot: disposing %s (%d callbacks)", id, len(callbacks))
	for _, fn := range callbacks {
		if err := CallSafely(id, func() error { return fn(ctx) }); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.modules)
}

// Snapshot returns every state's info, sorted by identity.
func (r *Registry) Snapshot() []StateInfo {
	r.mu.Lock()
	states := make([]*State, 0, len(r.modules))
	for _, state := range r.modules {
		states = append(states, state)
	}
	r.mu.Unlock()

	infos := make([]StateInfo, len(states))
	for i, state := range states {
		infos[i] = state.Info()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
