// Package whatsapp – manager.go owns the session registry. Each session
// is an independently linked WhatsApp account addressed by id; the
// control plane creates, inspects, and tears them down at runtime.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/mharbouli/soukbot/pkg/soukbot/config"
)

// Manager holds all live sessions.
type Manager struct {
	cfg        config.WhatsAppConfig
	dispatcher *Dispatcher
	logger     *slog.Logger

	// ctx is the lifetime context for all sessions. Sessions must not
	// inherit the caller's context: a connect triggered over HTTP would
	// die with the request.
	ctx       context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session

	// connecting guards against concurrent Connect calls per id.
	connecting map[string]bool
}

// NewManager creates a session manager. Inbound messages flow into the
// given dispatcher.
func NewManager(cfg config.WhatsAppConfig, dispatcher *Dispatcher, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With("component", "whatsapp-manager"),
		ctx:        ctx,
		cancelAll:  cancel,
		sessions:   make(map[string]*Session),
		connecting: make(map[string]bool),
	}
}

// Connect brings a session up, creating it on first use. Calling it for
// a session that is already live or already connecting is a no-op.
// The caller's context only gates starting the connect; the session
// itself lives on the manager's context and survives the caller.
func (m *Manager) Connect(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSessionID(id); err != nil {
		return err
	}

	m.mu.Lock()
	if s, ok := m.sessions[id]; ok {
		state := s.getState()
		if state != StateDisconnected {
			m.mu.Unlock()
			m.logger.Debug("session already active", "session", id, "state", state)
			return nil
		}
	}
	if m.connecting[id] {
		m.mu.Unlock()
		m.logger.Debug("connect already in flight", "session", id)
		return nil
	}
	m.connecting[id] = true

	s := newSession(id, m.cfg, m.logger)
	s.onMessage = func(sess *Session, evt *events.Message) {
		m.dispatcher.HandleMessage(sess, evt)
	}
	s.onLoggedOut = m.removeSession
	m.sessions[id] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, id)
		m.mu.Unlock()
	}()

	if err := s.connect(m.ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, err)
	}

	m.logger.Info("session started", "session", id, "state", s.getState())
	return nil
}

// Disconnect logs a session out, wipes its credentials, and forgets it.
// Disconnecting an unknown session is not an error.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	s.disconnect(ctx)
	return nil
}

// RequestPairingCode starts a phone-number pairing flow for a session,
// connecting it first if needed.
func (m *Manager) RequestPairingCode(ctx context.Context, id, phone string) (string, error) {
	if err := m.Connect(ctx, id); err != nil {
		return "", err
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return "", ErrSessionNotFound
	}
	if s.connected.Load() {
		return "", fmt.Errorf("session %s already linked", id)
	}

	return s.requestPairingCode(ctx, phone)
}

// Status reports a session's state. Unknown sessions report Exists=false
// rather than erroring, so polling UIs stay simple.
func (m *Manager) Status(id string) SessionStatus {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if !ok {
		return SessionStatus{ID: id, State: StateDisconnected}
	}
	return s.Status()
}

// Sessions returns a snapshot of every session, sorted by id.
func (m *Manager) Sessions() []SessionStatus {
	m.mu.Lock()
	out := make([]SessionStatus, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SendText sends a text message through a session. Used by the control
// plane's send endpoint and the follow-up sweeper.
func (m *Manager) SendText(ctx context.Context, id, to, text string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return s.sendText(ctx, jid, text, nil)
}

// Restore reconnects every session with credentials on disk. Sessions
// come up concurrently; individual failures are logged, not fatal.
func (m *Manager) Restore(ctx context.Context) {
	paths, err := filepath.Glob(filepath.Join(m.cfg.SessionDir, "*.db"))
	if err != nil {
		m.logger.Error("scanning session dir failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, path := range paths {
		id := strings.TrimSuffix(filepath.Base(path), ".db")
		if validateSessionID(id) != nil {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Connect(ctx, id); err != nil {
				m.logger.Error("restoring session failed", "session", id, "error", err)
			}
		}(id)
	}
	wg.Wait()

	m.logger.Info("session restore complete", "sessions", len(paths))
}

// Shutdown closes the sockets of all sessions without logging them out,
// so credentials survive for the next start.
func (m *Manager) Shutdown() {
	m.cancelAll()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if s.cancel != nil {
			s.cancel()
		}
		if s.client != nil {
			s.client.Disconnect()
		}
		s.connected.Store(false)
		s.setState(StateDisconnected)
	}
	m.logger.Info("all sessions shut down")
}

// removeSession drops a session after the phone unlinked it.
func (m *Manager) removeSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.logger.Info("session removed after logout", "session", id)
}

// validateSessionID keeps ids filesystem-safe: they name SQLite files.
func validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id required")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("invalid session id %q: use letters, digits, - and _", id)
		}
	}
	return nil
}
