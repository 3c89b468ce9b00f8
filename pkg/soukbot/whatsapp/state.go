package whatsapp

import "errors"

// ConnectionState represents a session's connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggingOut   ConnectionState = "logging_out"
)

// Transport errors. ErrNotConnected and ErrLoggedOut are retriable by
// reconnecting or re-authenticating; the others are caller mistakes.
var (
	// ErrNotConnected means the session has no live socket.
	ErrNotConnected = errors.New("whatsapp: not connected")

	// ErrLoggedOut means the phone unlinked this device. The credential
	// store is gone and a fresh QR or pairing login is required.
	ErrLoggedOut = errors.New("whatsapp: session logged out")

	// ErrSessionNotFound means no session with that id exists.
	ErrSessionNotFound = errors.New("whatsapp: session not found")

	// ErrNotReady means the client did not come up in time for the
	// requested operation (e.g. pairing).
	ErrNotReady = errors.New("whatsapp: client not ready")
)

// SessionStatus is a point-in-time snapshot of a session, safe to read
// without touching the network.
type SessionStatus struct {
	ID          string          `json:"id"`
	Exists      bool            `json:"exists"`
	State       ConnectionState `json:"state"`
	Connected   bool            `json:"connected"`
	QRCode      string          `json:"qr_code,omitempty"`
	LinkedPhone string          `json:"linked_phone,omitempty"`
}
