package notification

import (
	"log/slog"
	"sync"
	"time"
)

// Handle is a live transport to one client. Implementations must be
// comparable (pointer types), since handles are looked up by identity.
type Handle interface {
	Emit(event string, payload any) error
}

// LiveConnection is the registry entry for one online user
type LiveConnection struct {
	UserID      int64
	Handle      Handle
	ConnectedAt time.Time
}

// Registry tracks at most one live connection per user. A miss on delivery
// is silent: the durable record is the source of truth, live push is best
// effort.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[int64]LiveConnection
	byHandle map[Handle]int64
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser:   make(map[int64]LiveConnection),
		byHandle: make(map[Handle]int64),
		logger:   logger.With(slog.String("component", "notification_registry")),
	}
}

// RegisterConnection makes h the live connection for userID, replacing any
// previous one. The replaced handle is not closed here; its transport closes
// it on its own disconnect path.
func (r *Registry) RegisterConnection(userID int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok && old.Handle != h {
		delete(r.byHandle, old.Handle)
		r.logger.Debug("Replacing live connection", slog.Int64("user_id", userID))
	}
	// the same handle registered under another user moves to the new one
	if prev, ok := r.byHandle[h]; ok && prev != userID {
		delete(r.byUser, prev)
	}

	r.byUser[userID] = LiveConnection{UserID: userID, Handle: h, ConnectedAt: time.Now()}
	r.byHandle[h] = userID
}

// UnregisterConnection removes h and reports which user it belonged to. A
// handle that was already replaced by a newer connection is a no-op, so a
// late disconnect never evicts the user's current connection.
func (r *Registry) UnregisterConnection(h Handle) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byHandle[h]
	if !ok {
		return 0, false
	}
	delete(r.byHandle, h)
	if cur, ok := r.byUser[userID]; ok && cur.Handle == h {
		delete(r.byUser, userID)
	}
	return userID, true
}

// SendToUser emits event to the user's live connection. It returns false
// when the user has no connection or the emit failed; neither is an error
// for the caller.
func (r *Registry) SendToUser(userID int64, event string, payload any) bool {
	conn, ok := r.Connection(userID)
	if !ok {
		r.logger.Debug("User offline, skipping live delivery",
			slog.Int64("user_id", userID),
			slog.String("event", event),
		)
		return false
	}

	if err := conn.Handle.Emit(event, payload); err != nil {
		r.logger.Warn("Live delivery failed",
			slog.Int64("user_id", userID),
			slog.String("event", event),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// Broadcast sends event to every user in userIDs and returns how many
// deliveries succeeded. A failed delivery does not stop the rest.
func (r *Registry) Broadcast(userIDs []int64, event string, payload any) int {
	delivered := 0
	for _, id := range userIDs {
		if r.SendToUser(id, event, payload) {
			delivered++
		}
	}
	return delivered
}

// Connection returns the live connection for userID, if any
func (r *Registry) Connection(userID int64) (LiveConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byUser[userID]
	return conn, ok
}

// Count returns the number of online users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
