package core

import (
	"log/slog"
	"time"

	"breaker/server/internal/protocol"
)

// SendTimeout bounds how long a write to one subscriber may block. A slow or
// stuck receiver loses its own frames; it never stalls the sender's handler.
const SendTimeout = 50 * time.Millisecond

// SendBuffer is the per-session outbound frame queue depth.
const SendBuffer = 256

// Session represents one connected websocket client. ClientID is stable for
// the life of the connection and is the key into both registries.
type Session struct {
	ClientID string
	Send     chan protocol.Message
}

// NewSession returns a session with a buffered send channel.
func NewSession(clientID string) *Session {
	return &Session{
		ClientID: clientID,
		Send:     make(chan protocol.Message, SendBuffer),
	}
}

// TrySend delivers msg to this session's queue, giving up after SendTimeout.
func (s *Session) TrySend(msg protocol.Message) bool {
	return trySend(s.Send, msg)
}

// trySend delivers msg to ch, giving up after SendTimeout. A send on a closed
// channel (receiver already removed) is swallowed.
func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	case <-time.After(SendTimeout):
		slog.Debug("trySend timeout", "type", msg.Type)
		return false
	}
}
