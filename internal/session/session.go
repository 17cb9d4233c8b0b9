// Package session implements page sessions. A page session is one page load:
// a module registry, the module runtime, the connection to the dev server and
// the dispatcher. A full reload destroys the session and creates a new one,
// so no hot state survives it.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/zot/esm-hmr/internal/client"
	"github.com/zot/esm-hmr/internal/config"
	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/lua"
	"github.com/zot/esm-hmr/internal/overlay"
	"github.com/zot/esm-hmr/internal/protocol"
)

// Session represents a single page load.
type Session struct {
	ID         string // sequential, "1" for the first page load
	Registry   *hot.Registry
	Runtime    *lua.Runtime
	Connection *client.Connection
	Dispatcher *client.Dispatcher
	Reporter   *client.Reporter

	config       *config.Config
	createdAt    time.Time
	lastActivity time.Time
	mu           sync.RWMutex
	startOnce    sync.Once
	started      chan struct{} // closed once the entry module has settled
	closeOnce    sync.Once
	closed       chan struct{}
}

// ErrSessionClosed is returned by Update once the session has been torn down.
var ErrSessionClosed = errors.New("session closed")

// NewSession wires the collaborators of one page load. Reloads requested by
// module code or the dispatcher go to reloader.
func NewSession(id string, cfg *config.Config, ov overlay.Overlay, reloader hot.Reloader, httpClient *http.Client) (*Session, error) {
	endpoint, err := client.EndpointURL(cfg.Client.Endpoint, cfg.Client.Origin)
	if err != nil {
		return nil, err
	}

	conn := client.NewConnection(endpoint, cfg)
	registry := hot.NewRegistry(conn, reloader, cfg)
	runtime := lua.NewRuntime(lua.Options{
		Origin:       cfg.Client.Origin,
		FetchTimeout: cfg.Runtime.FetchTimeout.Duration(),
		Registry:     registry,
		Client:       httpClient,
		Logger:       cfg,
	})

	now := time.Now()
	return &Session{
		ID:           id,
		Registry:     registry,
		Runtime:      runtime,
		Connection:   conn,
		Dispatcher:   client.NewDispatcher(registry, runtime, ov, reloader, cfg),
		Reporter:     client.NewReporter(ov, cfg),
		config:       cfg,
		createdAt:    now,
		lastActivity: now,
		started:      make(chan struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// Start loads the entry module. A failure is reported as an uncaught runtime
// error and returned; the session stays usable.
func (s *Session) Start(ctx context.Context) error {
	defer s.startOnce.Do(func() { close(s.started) })
	entry := s.config.Client.Entry
	if entry == "" {
		return nil
	}
	s.config.Log(1, "session %s: loading %s", s.ID, entry)
	if _, err := s.Runtime.Import(ctx, entry, 0); err != nil {
		if ctx.Err() == nil {
			s.Reporter.ReportError(err)
		}
		return err
	}
	return nil
}

// Run connects to the dev server and dispatches its messages until the
// connection drops or ctx is done.
func (s *Session) Run(ctx context.Context) error {
	return s.Connection.Run(ctx, func(msg *protocol.Message) {
		s.Touch()
		s.Reporter.Guard(func() {
			s.Dispatcher.HandleMessage(ctx, msg)
		})
	})
}

// Update applies an update outside the server connection. It waits for the
// entry module to settle first, so the entry graph is never evaluated twice.
func (s *Session) Update(ctx context.Context, update protocol.UpdateMessage) (client.Outcome, error) {
	select {
	case <-s.started:
	case <-s.closed:
		return 0, ErrSessionClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	s.Touch()
	var outcome client.Outcome
	s.Reporter.Guard(func() {
		outcome = s.Dispatcher.HandleUpdate(ctx, update)
	})
	return outcome, nil
}

// Close tears the session down. Updates still in flight fail and their
// reload requests are ignored by the manager.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.Connection.Close()
		s.Runtime.Close()
		s.Dispatcher.Wait()
	})
}

// Touch updates the lastActivity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// GetCreatedAt returns the session creation time.
func (s *Session) GetCreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// GetLastActivity returns the time of the last server message.
func (s *Session) GetLastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Info is a summary of a session for inspection.
type Info struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"createdAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Pending      int             `json:"pendingMessages"`
	Modules      []hot.StateInfo `json:"modules"`
}

// Info returns a snapshot of the session and its registry.
func (s *Session) Info() Info {
	return Info{
		ID:           s.ID,
		CreatedAt:    s.GetCreatedAt(),
		LastActivity: s.GetLastActivity(),
		Pending:      s.Connection.PendingCount(),
		Modules:      s.Registry.Snapshot(),
	}
}
