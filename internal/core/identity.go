package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNameTaken is returned when a screen name is already bound to a live
// connection or owned by a registered account.
var ErrNameTaken = errors.New("screen name already in use")

// Identity is the name under which a connection acts in the protocol.
type Identity struct {
	UserID     int64 // 0 for anonymous
	ScreenName string
}

// Authenticated reports whether the identity is backed by an account.
func (id Identity) Authenticated() bool { return id.UserID != 0 }

// AccountNames is the slice of the account store the registry consults: it
// only needs to know whether a username belongs to an active account.
type AccountNames interface {
	IsUsernameRegistered(ctx context.Context, username string) (bool, error)
}

// Identities maps connection ids to caller identities and tracks the set of
// screen names currently in use by live connections.
type Identities struct {
	mu       sync.RWMutex
	byConn   map[string]Identity
	inUse    map[string]string // screen name → conn id
	accounts AccountNames
}

// NewIdentities returns an empty registry. accounts may be nil when no
// account store is configured (anonymous-only deployments).
func NewIdentities(accounts AccountNames) *Identities {
	return &Identities{
		byConn:   make(map[string]Identity),
		inUse:    make(map[string]string),
		accounts: accounts,
	}
}

// BindAuthenticated binds an account identity to a connection. The username
// is, by definition, registered to this account; it is only rejected when a
// live connection already holds it.
func (r *Identities) BindAuthenticated(connID string, userID int64, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, taken := r.inUse[username]; taken && holder != connID {
		return ErrNameTaken
	}
	r.releaseLocked(connID)
	r.byConn[connID] = Identity{UserID: userID, ScreenName: username}
	r.inUse[username] = connID

	slog.Info("identity bound", "conn_id", connID, "user_id", userID, "screen_name", username)
	return nil
}

// BindAnonymous reserves name for the connection. Two connections racing for
// the same name see exactly one success; the loser gets ErrNameTaken. Names
// owned by registered accounts are also rejected.
func (r *Identities) BindAnonymous(ctx context.Context, connID, name string) error {
	r.mu.Lock()
	if holder, taken := r.inUse[name]; taken && holder != connID {
		r.mu.Unlock()
		return ErrNameTaken
	}
	r.releaseLocked(connID)
	r.byConn[connID] = Identity{ScreenName: name}
	r.inUse[name] = connID
	r.mu.Unlock()

	// Account lookup happens outside the lock; the live-set reservation above
	// already decided the race between connections.
	if r.accounts != nil {
		registered, err := r.accounts.IsUsernameRegistered(ctx, name)
		if err != nil {
			r.Release(connID)
			return fmt.Errorf("check registered name: %w", err)
		}
		if registered {
			r.Release(connID)
			return ErrNameTaken
		}
	}

	slog.Info("anonymous name reserved", "conn_id", connID, "screen_name", name)
	return nil
}

// Release frees the connection's identity and screen name. Idempotent.
func (r *Identities) Release(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(connID)
}

func (r *Identities) releaseLocked(connID string) {
	id, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if r.inUse[id.ScreenName] == connID {
		delete(r.inUse, id.ScreenName)
	}
	slog.Debug("identity released", "conn_id", connID, "screen_name", id.ScreenName)
}

// IdentityOf returns the identity bound to a connection, if any.
func (r *Identities) IdentityOf(connID string) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// IsNameInUse reports whether a screen name is bound to a live connection.
func (r *Identities) IsNameInUse(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, taken := r.inUse[name]
	return taken
}
