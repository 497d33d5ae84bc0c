package session

import (
	"log/slog"
	"sync"
)

// KickFunc notifies a session that it is being forced offline and closes
// it. Injected by the application layer so the registry stays free of
// protocol concerns.
type KickFunc func(s Session, userID string, code int, reason string)

// OfflineFunc is invoked after a user's registered session disappears,
// with the user id that went offline.
type OfflineFunc func(userID string)

// Registry is the authoritative map of online users. It owns the binding
// between user ids and live sessions, including the identity side table
// consulted by the router, and arbitrates duplicate logins.
type Registry struct {
	mu         sync.RWMutex
	byUser     map[string]Session
	identities map[Session]*Identity

	kick    KickFunc
	offline OfflineFunc
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byUser:     make(map[string]Session),
		identities: make(map[Session]*Identity),
		logger:     logger.With("component", "registry"),
	}
}

// SetKickHandler installs the function used to evict sessions. Must be
// called before any login is processed.
func (r *Registry) SetKickHandler(kick KickFunc) {
	r.kick = kick
}

// SetOfflineHandler installs the callback fired when a user goes offline.
func (r *Registry) SetOfflineHandler(offline OfflineFunc) {
	r.offline = offline
}

// PutUser registers a session for userID, arbitrating against any session
// already registered for the same user:
//
//   - firstLoginTime <= 0 (a genuine first login) always wins; the old
//     session is kicked.
//   - firstLoginTime >= the registered session's recorded time also wins.
//   - otherwise the incoming session presents a stale online period and
//     loses: it is kicked instead and the registration is refused.
//
// Returns true when the new session was registered.
func (r *Registry) PutUser(userID string, s Session, firstLoginTime int64) bool {
	r.mu.Lock()
	old, exists := r.byUser[userID]

	if exists && old != s {
		oldIdent := r.identities[old]
		if firstLoginTime > 0 && oldIdent != nil && firstLoginTime < oldIdent.FirstLoginTime {
			registeredFirstLogin := oldIdent.FirstLoginTime
			r.mu.Unlock()
			r.logger.Warn("Duplicate login lost arbitration, kicking newcomer",
				"user_id", userID,
				"incoming_first_login", firstLoginTime,
				"registered_first_login", registeredFirstLogin)
			if r.kick != nil {
				r.kick(s, userID, 1, "an earlier online period is still active")
			}
			return false
		}

		// Decide and replace in one critical section; another login for the
		// same user must never observe the map between eviction and insert.
		// The old session is notified afterwards, once its identity entry is
		// gone and its close hook can no longer touch the new registration.
		delete(r.identities, old)
		r.byUser[userID] = s
		r.identities[s] = &Identity{UserID: userID, FirstLoginTime: firstLoginTime}
		count := len(r.byUser)
		r.mu.Unlock()

		r.logger.Warn("Duplicate login, kicking previous session",
			"user_id", userID, "old_remote", old.RemoteAddr(), "new_remote", s.RemoteAddr())
		if r.kick != nil {
			r.kick(old, userID, 1, "logged in from another device")
		}
		r.logger.Info("User online", "user_id", userID,
			"transport", s.Transport().String(), "online_count", count)
		return true
	}

	// A re-login on the same session with no recorded time continues the
	// existing online period.
	flt := firstLoginTime
	if flt <= 0 && exists && old == s {
		if ident := r.identities[s]; ident != nil {
			flt = ident.FirstLoginTime
		}
	}

	r.byUser[userID] = s
	r.identities[s] = &Identity{UserID: userID, FirstLoginTime: flt}
	count := len(r.byUser)
	r.mu.Unlock()

	r.logger.Info("User online", "user_id", userID,
		"transport", s.Transport().String(), "online_count", count)
	return true
}

// StampFirstLogin records the definitive first-login time for an already
// registered session. Called once the login response has been issued for a
// genuine first login.
func (r *Registry) StampFirstLogin(s Session, t int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ident := r.identities[s]; ident != nil && ident.FirstLoginTime <= 0 {
		ident.FirstLoginTime = t
	}
}

// IdentityOf returns the login identity bound to a session, or false when
// the session has not logged in.
func (r *Registry) IdentityOf(s Session) (Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident := r.identities[s]
	if ident == nil {
		return Identity{}, false
	}
	return *ident, true
}

// GetSession returns the registered session for a user.
func (r *Registry) GetSession(userID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUser[userID]
	return s, ok
}

// IsOnline reports whether a user has a registered session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byUser[userID]
	return ok
}

// RemoveUser unregisters a user without closing the session. Returns true
// when a registration was removed.
func (r *Registry) RemoveUser(userID string) bool {
	r.mu.Lock()
	s, ok := r.byUser[userID]
	if ok {
		delete(r.byUser, userID)
		delete(r.identities, s)
	}
	count := len(r.byUser)
	r.mu.Unlock()

	if ok {
		r.logger.Info("User offline", "user_id", userID, "online_count", count)
		if r.offline != nil {
			r.offline(userID)
		}
	}
	return ok
}

// OnSessionClosed is the close hook every transport calls when a
// connection dies. The registration is removed only when the closed
// session is still the one registered for its user; a session that lost a
// duplicate-login arbitration must not knock its replacement offline.
func (r *Registry) OnSessionClosed(s Session) (string, bool) {
	r.mu.Lock()
	ident := r.identities[s]
	if ident == nil {
		r.mu.Unlock()
		return "", false
	}
	registered := r.byUser[ident.UserID]
	if registered != s {
		delete(r.identities, s)
		r.mu.Unlock()
		r.logger.Debug("Closed session was already superseded", "user_id", ident.UserID)
		return "", false
	}
	delete(r.byUser, ident.UserID)
	delete(r.identities, s)
	count := len(r.byUser)
	userID := ident.UserID
	r.mu.Unlock()

	r.logger.Info("User offline", "user_id", userID, "online_count", count)
	if r.offline != nil {
		r.offline(userID)
	}
	return userID, true
}

// OnlineCount returns the number of registered users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// OnlineUsers returns a snapshot of all registered user ids.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	return users
}
