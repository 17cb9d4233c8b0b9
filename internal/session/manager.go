package session

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zot/esm-hmr/internal/config"
	"github.com/zot/esm-hmr/internal/hot"
	"github.com/zot/esm-hmr/internal/overlay"
)

// minReconnectDelay bounds how fast sessions are recreated while the dev
// server is unreachable.
const minReconnectDelay = 100 * time.Millisecond

// SessionCreatedCallback is called when a new session is created, before its
// entry module loads.
type SessionCreatedCallback func(session *Session)

// SessionDestroyedCallback is called after a session has been torn down.
type SessionDestroyedCallback func(session *Session)

// Manager owns the current page session and replaces it on every reload.
type Manager struct {
	config             *config.Config
	overlay            overlay.Overlay
	httpClient         *http.Client
	onSessionCreated   SessionCreatedCallback
	onSessionDestroyed SessionDestroyedCallback
	mu                 sync.RWMutex

	current *Session
	nextID  int64
	created int

	// reloads carries the ID of the session that asked for a reload
	reloads chan string
}

// NewManager creates a manager. The overlay is shared by every session, as
// it belongs to the host rather than the page.
func NewManager(cfg *config.Config, ov overlay.Overlay) *Manager {
	return &Manager{
		config:  cfg,
		overlay: ov,
		nextID:  1,
		reloads: make(chan string, 1),
	}
}

// SetHTTPClient sets the client used to fetch module source.
func (m *Manager) SetHTTPClient(c *http.Client) {
	m.httpClient = c
}

// SetOnSessionCreated sets a callback called when a session is created.
func (m *Manager) SetOnSessionCreated(callback SessionCreatedCallback) {
	m.onSessionCreated = callback
}

// SetOnSessionDestroyed sets a callback called when a session is destroyed.
func (m *Manager) SetOnSessionDestroyed(callback SessionDestroyedCallback) {
	m.onSessionDestroyed = callback
}

// Current returns the live session, or nil between sessions.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Count returns the number of sessions created so far; every reload adds one.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.created
}

// Reload asks for the current session to be replaced.
func (m *Manager) Reload() {
	if s := m.Current(); s != nil {
		m.requestReload(s.ID)
	}
}

// requestReload queues a reload unless id is no longer the live session.
func (m *Manager) requestReload(id string) {
	m.mu.RLock()
	live := m.current != nil && m.current.ID == id
	m.mu.RUnlock()
	if !live {
		m.config.Log(2, "session %s: ignoring reload from a retired session", id)
		return
	}
	select {
	case m.reloads <- id:
	default:
	}
}

// CreateSession builds the next session and makes it current.
func (m *Manager) CreateSession() (*Session, error) {
	m.mu.Lock()
	id := strconv.FormatInt(m.nextID, 10)
	m.nextID++
	m.mu.Unlock()

	reloader := hot.ReloaderFunc(func() { m.requestReload(id) })
	session, err := NewSession(id, m.config, m.overlay, reloader, m.httpClient)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = session
	m.created++
	m.mu.Unlock()

	// drop a request left over from the previous session
	select {
	case <-m.reloads:
	default:
	}

	m.config.Log(1, "session %s: created", id)
	if m.onSessionCreated != nil {
		m.onSessionCreated(session)
	}
	return session, nil
}

// DestroySession tears down session and clears it as current.
func (m *Manager) DestroySession(session *Session) {
	m.mu.Lock()
	if m.current == session {
		m.current = nil
	}
	m.mu.Unlock()

	session.Close()
	m.config.Log(1, "session %s: destroyed", session.ID)
	if m.onSessionDestroyed != nil {
		m.onSessionDestroyed(session)
	}
}

// Run keeps a page session alive until ctx is done. A reload request replaces
// the session immediately; a lost connection replaces it after the configured
// reconnect delay, but never sooner than minReconnectDelay.
func (m *Manager) Run(ctx context.Context) error {
	for {
		session, err := m.CreateSession()
		if err != nil {
			return err
		}

		sessionCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			session.Start(sessionCtx)
			done <- session.Run(sessionCtx)
		}()

		var delay time.Duration
		finished := false
		select {
		case <-ctx.Done():
		case <-m.reloads:
			m.config.Log(1, "session %s: reloading", session.ID)
		case err := <-done:
			finished = true
			if err != nil {
				m.config.Log(0, "session %s: %v", session.ID, err)
			}
			delay = max(m.config.Client.ReconnectDelay.Duration(), minReconnectDelay)
		}

		cancel()
		m.DestroySession(session)
		if !finished {
			<-done
		}
		if ctx.Err() != nil {
			return nil
		}

		if delay > 0 {
			m.config.Log(1, "reloading in %s", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
		}
	}
}
