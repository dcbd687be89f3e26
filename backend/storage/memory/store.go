package memory

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemStore is the single-process presence registry. It maps each online
// user to the connection that owns its presence.
type MemStore struct {
	mx  *sync.Mutex
	db  map[int64]entry
	ttl time.Duration
	now func() time.Time
}

type entry struct {
	connID string
	seen   time.Time
}

// NewMemStore creates a registry. With a positive ttl, entries not
// refreshed by Touch within ttl are treated as offline.
func NewMemStore(ttl time.Duration) *MemStore {
	return &MemStore{
		mx:  &sync.Mutex{},
		db:  make(map[int64]entry),
		ttl: ttl,
		now: time.Now,
	}
}

// WithClock replaces the time source used for expiry.
func (ms *MemStore) WithClock(now func() time.Time) *MemStore {
	ms.now = now
	return ms
}

func (ms *MemStore) SetOnline(_ context.Context, userID int64, connID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.db[userID] = entry{connID: connID, seen: ms.now()}
	return nil
}

func (ms *MemStore) SetOffline(_ context.Context, userID int64) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	delete(ms.db, userID)
	return nil
}

// Release removes the entry only if it is still owned by connID.
func (ms *MemStore) Release(_ context.Context, userID int64, connID string) (bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, ok := ms.db[userID]
	if !ok || e.connID != connID {
		return false, nil
	}
	delete(ms.db, userID)
	return true, nil
}

func (ms *MemStore) Touch(_ context.Context, userID int64, connID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, ok := ms.db[userID]
	if ok && e.connID == connID {
		e.seen = ms.now()
		ms.db[userID] = e
	}
	return nil
}

func (ms *MemStore) IsOnline(_ context.Context, userID int64) (bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	_, ok := ms.lookup(userID)
	return ok, nil
}

// Owner returns the connection currently holding userID's presence.
func (ms *MemStore) Owner(_ context.Context, userID int64) (string, bool, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	e, ok := ms.lookup(userID)
	return e.connID, ok, nil
}

func (ms *MemStore) ListOnline(_ context.Context) ([]int64, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	users := make([]int64, 0, len(ms.db))
	for userID := range ms.db {
		if _, ok := ms.lookup(userID); ok {
			users = append(users, userID)
		}
	}
	slices.Sort(users)
	return users, nil
}

// lookup must be called with ms.mx held. Expired entries are purged.
func (ms *MemStore) lookup(userID int64) (entry, bool) {
	e, ok := ms.db[userID]
	if !ok {
		return entry{}, false
	}
	if ms.ttl > 0 && ms.now().Sub(e.seen) > ms.ttl {
		delete(ms.db, userID)
		return entry{}, false
	}
	return e, true
}
