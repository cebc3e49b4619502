package types

import "time"

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	// SessionListening means the session is registered and waiting for output.
	SessionListening SessionStatus = "listening"
	// SessionProxyOn means PTY output (or a proxy event) has been observed.
	SessionProxyOn SessionStatus = "proxy_on"
	// SessionEnded is terminal.
	SessionEnded SessionStatus = "ended"
)

// Session is one AI tool instance under one user terminal, as tracked by the
// daemon's registry. Rows are plain data; all mutation goes through the
// registry.
type Session struct {
	SessionID        string        `json:"sessionId"`
	CLI              string        `json:"cli"` // command name as invoked
	Cwd              string        `json:"cwd"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	InteractiveBotID string        `json:"interactiveBotId,omitempty"`
	PushBotID        string        `json:"pushBotId,omitempty"`
	PushEnabled      bool          `json:"pushEnabled"`
	ProxyMode        bool          `json:"proxyMode"`
}

// Ended reports whether the session reached its terminal state.
func (s *Session) Ended() bool { return s.Status == SessionEnded }
