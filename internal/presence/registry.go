// Package presence tracks which users currently hold a live connection and
// routes chat messages to those connections.
//
// A Registry maps each user identity to exactly one connection handle. The
// first connection to identify as a user owns that identity until it
// disconnects; later identify attempts for the same user are ignored. Every
// change to the set is pushed to subscribers as a full snapshot.
package presence

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ConnID identifies one live transport session. It is distinct from the user
// identity and is only valid for the lifetime of that session.
type ConnID string

// Entry binds a user identity to the connection that identified as it
type Entry struct {
	UserID uuid.UUID `json:"user_id"`
	ConnID ConnID    `json:"conn_id"`
}

// Listener receives the full connection set after every change.
// Listeners must not call back into the Registry's mutating methods.
type Listener func(entries []Entry)

// Registry is the in-memory presence set. All methods are safe for
// concurrent use; mutations are serialized, lookups run in parallel.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	byUser  map[uuid.UUID]ConnID
	byConn  map[ConnID]uuid.UUID
	closed  bool

	// notifyMu keeps listener calls in mutation order without holding mu
	// while listeners run.
	notifyMu  sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	logger *slog.Logger
}

// New creates an empty Registry
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser:    make(map[uuid.UUID]ConnID),
		byConn:    make(map[ConnID]uuid.UUID),
		listeners: make(map[uint64]Listener),
		logger:    logger.With("component", "presence"),
	}
}

// Identify binds userID to connID. It returns false without changing
// anything when the user is already bound to some connection (first
// connection wins) or when connID already identified as someone.
func (r *Registry) Identify(userID uuid.UUID, connID ConnID) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if existing, ok := r.byUser[userID]; ok {
		r.mu.Unlock()
		r.logger.Debug("duplicate identify ignored", "user_id", userID, "conn_id", connID, "bound_conn_id", existing)
		return false
	}
	if owner, ok := r.byConn[connID]; ok {
		r.mu.Unlock()
		r.logger.Debug("connection already identified", "conn_id", connID, "user_id", owner)
		return false
	}

	r.entries = append(r.entries, Entry{UserID: userID, ConnID: connID})
	r.byUser[userID] = connID
	r.byConn[connID] = userID
	snapshot, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	r.logger.Info("user online", "user_id", userID, "conn_id", connID, "online", len(snapshot))
	notify(listeners, snapshot)
	return true
}

// Disconnect removes the entry owned by connID, if any. It reports whether
// an entry was removed; disconnecting an unidentified connection is a no-op.
func (r *Registry) Disconnect(connID ConnID) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	userID, ok := r.byConn[connID]
	if !ok || r.closed {
		r.mu.Unlock()
		return false
	}

	delete(r.byConn, connID)
	delete(r.byUser, userID)
	for i, e := range r.entries {
		if e.ConnID == connID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	snapshot, listeners := r.snapshotLocked(), r.listenersLocked()
	r.mu.Unlock()

	r.logger.Info("user offline", "user_id", userID, "conn_id", connID, "online", len(snapshot))
	notify(listeners, snapshot)
	return true
}

// Lookup returns the connection bound to userID
func (r *Registry) Lookup(userID uuid.UUID) (ConnID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// UserFor returns the identity a connection identified as
func (r *Registry) UserFor(connID ConnID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// Snapshot returns a copy of the current connection set
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Len returns the number of identified connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscribe registers a presence listener. The returned func removes it.
func (r *Registry) Subscribe(l Listener) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return func() {}
	}

	r.nextID++
	id := r.nextID
	r.listeners[id] = l

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close drops all entries and listeners. Later mutations are no-ops.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.entries = nil
	r.byUser = make(map[uuid.UUID]ConnID)
	r.byConn = make(map[ConnID]uuid.UUID)
	r.listeners = make(map[uint64]Listener)
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) listenersLocked() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []Listener, snapshot []Entry) {
	for _, l := range listeners {
		l(snapshot)
	}
}
