// Package whatsapp implements the WhatsApp transport for soukbot using
// whatsmeow, a native Go WhatsApp Web API library. It manages multiple
// independently linked sessions, each with its own credential database,
// QR/pairing login, automatic reconnection, and humanized message dispatch.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for credential stores.

	"github.com/mharbouli/soukbot/pkg/soukbot/config"
)

// Session is one linked WhatsApp account. Credentials persist in a
// per-session SQLite database so the link survives restarts.
type Session struct {
	ID string

	cfg    config.WhatsAppConfig
	logger *slog.Logger

	client    *whatsmeow.Client
	container *sqlstore.Container

	// connected tracks whether the socket is live and authenticated.
	connected atomic.Bool

	// state tracks the detailed connection state.
	state atomic.Value // ConnectionState

	// pairingRequested suppresses QR publication while a phone-number
	// pairing flow is in progress.
	pairingRequested atomic.Bool

	// reconnectAttempts counts retries since the last good connection.
	reconnectAttempts atomic.Int32

	// reconnectGuard prevents concurrent reconnect loops.
	reconnectGuard atomic.Bool

	mu          sync.RWMutex
	qrCode      string
	linkedPhone string

	// onMessage receives inbound message events for dispatch.
	onMessage func(s *Session, evt *events.Message)

	// onLoggedOut tells the manager to drop this session.
	onLoggedOut func(id string)

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(id string, cfg config.WhatsAppConfig, logger *slog.Logger) *Session {
	s := &Session{
		ID:     id,
		cfg:    cfg,
		logger: logger.With("component", "whatsapp", "session", id),
	}
	s.setState(StateDisconnected)
	return s
}

// ---------- State ----------

func (s *Session) getState() ConnectionState {
	if v := s.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (s *Session) setState(state ConnectionState) {
	s.state.Store(state)
}

func (s *Session) setQRCode(code string) {
	s.mu.Lock()
	s.qrCode = code
	s.mu.Unlock()
}

func (s *Session) setLinkedPhone(phone string) {
	s.mu.Lock()
	s.linkedPhone = phone
	s.mu.Unlock()
}

// Status returns a snapshot without blocking on the network.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	qr, phone := s.qrCode, s.linkedPhone
	s.mu.RUnlock()
	return SessionStatus{
		ID:          s.ID,
		Exists:      true,
		State:       s.getState(),
		Connected:   s.connected.Load(),
		QRCode:      qr,
		LinkedPhone: phone,
	}
}

// IsConnected reports whether the session socket is live.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// dbPath is where this session's credentials live.
func (s *Session) dbPath() string {
	return filepath.Join(s.cfg.SessionDir, s.ID+".db")
}

// ---------- Connection ----------

// connect brings the session up. With stored credentials it reconnects
// directly; otherwise the QR login flow runs in the background so the
// caller returns immediately and the QR can be fetched via Status.
// ctx becomes the session's lifetime context: cancelling it kills the
// QR loop and the reconnect loop, so it must not be request-scoped.
func (s *Session) connect(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setState(StateConnecting)

	if err := os.MkdirAll(s.cfg.SessionDir, 0o755); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("creating session dir: %w", err)
	}

	container, err := sqlstore.New(s.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", s.dbPath()),
		waLog.Noop)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("creating credential store: %w", err)
	}
	s.container = container

	device, err := s.getDevice(s.ctx, container)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	// Name shown in the phone's linked-devices list.
	wastore.SetOSInfo(s.cfg.DeviceName, [3]uint32{1, 0, 0})

	s.client = whatsmeow.NewClient(device, waLog.Noop)
	s.client.AddEventHandler(s.handleEvent)

	if s.client.Store.ID == nil {
		// First login. QR (or pairing code) required.
		s.setState(StateWaitingQR)
		s.logger.Info("no stored credentials, login required")
		go func() {
			if err := s.loginWithQR(s.ctx); err != nil {
				s.logger.Warn("QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := s.client.Connect(); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	s.setLinkedPhone(s.client.Store.ID.User)
	s.logger.Info("connected with stored credentials", "phone", s.client.Store.ID.User)
	return nil
}

// getDevice retrieves the stored device or creates a fresh one.
func (s *Session) getDevice(ctx context.Context, container *sqlstore.Container) (*wastore.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR login flow. Codes are exposed through Status
// for the control plane to render; nothing is printed to a terminal.
func (s *Session) loginWithQR(ctx context.Context) error {
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	s.setState(StateWaitingQR)

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				// A pairing-code flow is in progress; publishing a QR at
				// the same time would confuse the UI.
				if s.pairingRequested.Load() {
					continue
				}
				s.setQRCode(evt.Code)
				s.logger.Info("QR code ready, waiting for scan")

			case "success":
				s.setQRCode("")
				s.pairingRequested.Store(false)
				s.logger.Info("login successful")
				return nil

			case "timeout":
				s.setQRCode("")
				s.setState(StateDisconnected)
				s.logger.Warn("QR code expired")
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					s.setQRCode("")
					s.setState(StateDisconnected)
					s.logger.Error("QR login error", "error", evt.Error)
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// requestPairingCode asks WhatsApp for a phone-number pairing code as an
// alternative to scanning the QR.
func (s *Session) requestPairingCode(ctx context.Context, phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if len(digits) < 10 {
		return "", fmt.Errorf("phone number too short: %s", phone)
	}

	s.pairingRequested.Store(true)
	s.setQRCode("")

	// The client must be connected (pre-auth) before pairing can start.
	if err := s.waitForClient(ctx, 10*time.Second); err != nil {
		s.pairingRequested.Store(false)
		return "", err
	}

	code, err := s.client.PairPhone(ctx, digits, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		s.pairingRequested.Store(false)
		return "", fmt.Errorf("requesting pairing code: %w", err)
	}

	s.logger.Info("pairing code issued", "phone", digits)
	return code, nil
}

// waitForClient polls until the websocket is up or the timeout expires.
func (s *Session) waitForClient(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s.client != nil && s.client.IsConnected() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotReady
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// attemptReconnect retries the connection with linear-growth backoff
// capped at five minutes. A CAS guard collapses concurrent triggers.
func (s *Session) attemptReconnect() {
	if !s.reconnectGuard.CompareAndSwap(false, true) {
		s.logger.Debug("reconnect already in progress, skipping")
		return
	}
	defer s.reconnectGuard.Store(false)

	s.setState(StateReconnecting)

	for {
		if s.ctx.Err() != nil {
			s.logger.Debug("reconnect cancelled, context done")
			return
		}

		attempts := s.reconnectAttempts.Add(1)
		if s.cfg.MaxReconnectAttempts > 0 && attempts > int32(s.cfg.MaxReconnectAttempts) {
			s.logger.Error("max reconnect attempts reached", "attempts", attempts)
			s.setState(StateDisconnected)
			return
		}

		backoff := min(s.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		s.logger.Info("attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			s.logger.Debug("reconnect cancelled during backoff")
			return
		}

		if s.client == nil {
			s.logger.Warn("client is nil, cannot reconnect")
			return
		}

		// Clear stale websocket state before dialing again.
		if s.client.IsConnected() {
			s.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := s.client.Connect(); err != nil {
			s.logger.Warn("reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event confirms and resets the counters.
		s.logger.Info("reconnect initiated, waiting for confirmation")
		return
	}
}

// disconnect tears the session down and wipes its credentials. Safe to
// call more than once.
func (s *Session) disconnect(ctx context.Context) {
	s.setState(StateLoggingOut)
	s.connected.Store(false)

	if s.cancel != nil {
		s.cancel()
	}

	if s.client != nil {
		if s.client.Store.ID != nil {
			logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := s.client.Logout(logoutCtx); err != nil {
				s.logger.Warn("logout error, forcing cleanup", "error", err)
				s.client.Disconnect()
				if delErr := s.client.Store.Delete(logoutCtx); delErr != nil {
					s.logger.Warn("failed to delete credential store", "error", delErr)
				}
			}
			cancel()
		} else {
			s.client.Disconnect()
		}
	}

	s.wipeCredentials()
	s.setState(StateDisconnected)
	s.setQRCode("")
	s.logger.Info("session disconnected, credentials cleared")
}

// wipeCredentials removes the session database from disk.
func (s *Session) wipeCredentials() {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.dbPath() + suffix); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("removing credential file failed",
				"path", s.dbPath()+suffix, "error", err)
		}
	}
}

// ---------- Events ----------

// handleEvent is the whatsmeow event dispatcher for this session.
func (s *Session) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		if s.onMessage != nil {
			s.onMessage(s, evt)
		}

	case *events.Connected:
		s.handleConnected()

	case *events.PairSuccess:
		s.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)
		s.pairingRequested.Store(false)
		s.setQRCode("")

	case *events.Disconnected:
		s.handleDisconnected()

	case *events.StreamReplaced:
		s.logger.Error("stream replaced, another device took over")
		s.connected.Store(false)
		s.setState(StateDisconnected)
		if s.ctx.Err() == nil {
			go s.attemptReconnect()
		}

	case *events.ConnectFailure:
		s.handleConnectFailure(evt)

	case *events.LoggedOut:
		s.handleLoggedOut(evt)

	case *events.KeepAliveTimeout:
		// Half-open sockets look connected but are dead.
		if evt.ErrorCount >= 3 && s.getState() == StateConnected {
			s.logger.Error("keep-alive failed repeatedly, forcing reconnect",
				"error_count", evt.ErrorCount)
			s.connected.Store(false)
			s.setState(StateReconnecting)
			go s.attemptReconnect()
		}
	}
}

func (s *Session) handleConnected() {
	s.connected.Store(true)
	s.reconnectAttempts.Store(0)
	s.setState(StateConnected)
	s.setQRCode("")
	s.pairingRequested.Store(false)
	if s.client != nil && s.client.Store.ID != nil {
		s.setLinkedPhone(s.client.Store.ID.User)
	}
	s.logger.Info("connected", "phone", s.Status().LinkedPhone)
}

func (s *Session) handleDisconnected() {
	wasConnected := s.getState() == StateConnected
	s.connected.Store(false)
	s.setState(StateDisconnected)
	s.logger.Warn("disconnected", "was_connected", wasConnected)

	if wasConnected && s.ctx.Err() == nil {
		go s.attemptReconnect()
	}
}

func (s *Session) handleConnectFailure(evt *events.ConnectFailure) {
	s.connected.Store(false)
	s.setState(StateDisconnected)

	permanent := evt.PermanentDisconnectDescription()
	s.logger.Error("connect failure",
		"reason", evt.Reason.String(),
		"message", evt.Message,
		"permanent", permanent)

	if permanent == "" && s.ctx.Err() == nil {
		go s.attemptReconnect()
	}
}

// handleLoggedOut handles the phone unlinking this device. Credentials
// are useless now; the session wipes itself and tells the manager.
func (s *Session) handleLoggedOut(evt *events.LoggedOut) {
	s.connected.Store(false)
	s.setState(StateDisconnected)
	s.logger.Error("logged out by phone", "reason", evt.Reason.String())

	if s.cancel != nil {
		s.cancel()
	}
	s.wipeCredentials()

	if s.onLoggedOut != nil {
		s.onLoggedOut(s.ID)
	}
}

// ---------- Sending ----------

// sendText delivers a text message, optionally quoting an inbound one.
func (s *Session) sendText(ctx context.Context, to types.JID, text string, quote *quotedRef) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}
	_, err := s.client.SendMessage(ctx, to, buildTextMessage(text, quote))
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// sendTyping toggles the composing indicator for a chat.
func (s *Session) sendTyping(ctx context.Context, to types.JID, composing bool) {
	if !s.connected.Load() {
		return
	}
	presence := types.ChatPresencePaused
	if composing {
		presence = types.ChatPresenceComposing
	}
	if err := s.client.SendChatPresence(ctx, to, presence, types.ChatPresenceMediaText); err != nil {
		s.logger.Debug("chat presence failed", "error", err)
	}
}

// parseJID converts a phone number or full JID string into a types.JID.
func parseJID(v string) (types.JID, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}

	if strings.Contains(v, "@") {
		return types.ParseJID(v)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", v)
	}

	return types.NewJID(digits, types.DefaultUserServer), nil
}
