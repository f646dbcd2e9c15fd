package core

import (
	"log/slog"
	"sync"

	"breaker/server/internal/protocol"
)

// ValidChannelID accepts channel ids that are plain digit strings with a
// numeric value in [1, 999]. Signs, leading zeros, and anything non-numeric
// are rejected.
func ValidChannelID(id string) bool {
	if len(id) == 0 || len(id) > 3 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return id[0] != '0'
}

// Channels maps channel ids to the sessions currently joined. Channels
// materialize on first attach and evaporate on last detach; they carry no
// state beyond membership.
type Channels struct {
	mu      sync.RWMutex
	members map[string]map[string]*Session // channel id → conn id → session
	joined  map[string]string              // conn id → channel id
}

// NewChannels returns an empty channel registry.
func NewChannels() *Channels {
	return &Channels{
		members: make(map[string]map[string]*Session),
		joined:  make(map[string]string),
	}
}

// Attach adds a session to a channel and returns the member count after the
// attach. A session may be in at most one channel; callers detach first.
func (c *Channels) Attach(sess *Session, channel string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.members[channel] == nil {
		c.members[channel] = make(map[string]*Session)
	}
	c.members[channel][sess.ClientID] = sess
	c.joined[sess.ClientID] = channel
	count := len(c.members[channel])

	slog.Info("channel attach", "channel", channel, "conn_id", sess.ClientID, "participants", count)
	return count
}

// Detach removes a connection from a channel. Returns the remaining member
// count and whether the connection was actually a member.
func (c *Channels) Detach(connID, channel string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detachLocked(connID, channel)
}

func (c *Channels) detachLocked(connID, channel string) (int, bool) {
	set := c.members[channel]
	if set == nil {
		return 0, false
	}
	if _, ok := set[connID]; !ok {
		return len(set), false
	}
	delete(set, connID)
	delete(c.joined, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(c.members, channel)
	}
	slog.Info("channel detach", "channel", channel, "conn_id", connID, "participants", remaining)
	return remaining, true
}

// RemoveFromAll detaches a connection from whatever channel it is in. Invoked
// from the close handler; idempotent.
func (c *Channels) RemoveFromAll(connID string) (channel string, remaining int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel, ok = c.joined[connID]
	if !ok {
		return "", 0, false
	}
	remaining, _ = c.detachLocked(connID, channel)
	return channel, remaining, true
}

// ChannelOf returns the channel a connection is joined to, if any.
func (c *Channels) ChannelOf(connID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.joined[connID]
	return ch, ok
}

// MemberCount returns the current member count of a channel.
func (c *Channels) MemberCount(channel string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members[channel])
}

// Counts returns a snapshot of participant counts for all live channels.
func (c *Channels) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.members))
	for ch, set := range c.members {
		out[ch] = len(set)
	}
	return out
}

// Broadcast sends msg to every member of channel except exceptID. The member
// list is copied under the lock and sends happen outside it, so one frame
// always observes a consistent membership snapshot and a peer's concurrent
// detach cannot deadlock the fan-out.
func (c *Channels) Broadcast(channel string, msg protocol.Message, exceptID string) {
	c.mu.RLock()
	targets := make([]chan protocol.Message, 0, len(c.members[channel]))
	for id, sess := range c.members[channel] {
		if id == exceptID {
			continue
		}
		targets = append(targets, sess.Send)
	}
	c.mu.RUnlock()

	sent := 0
	for _, ch := range targets {
		if trySend(ch, msg) {
			sent++
		}
	}
	slog.Debug("channel broadcast", "channel", channel, "type", msg.Type, "recipients", sent, "total", len(targets))
}

// SendTo delivers one message to one member session by connection id.
func (c *Channels) SendTo(connID string, msg protocol.Message) bool {
	c.mu.RLock()
	ch, ok := c.joined[connID]
	var sess *Session
	if ok {
		sess = c.members[ch][connID]
	}
	c.mu.RUnlock()
	if sess == nil {
		return false
	}
	return trySend(sess.Send, msg)
}
