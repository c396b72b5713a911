package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist or has expired.
	ErrNotFound = errors.New("storage: key not found")
	// ErrConflict is returned by Update when optimistic retries are exhausted.
	ErrConflict = errors.New("storage: concurrent update conflict")
	// ErrClosed is returned when the backend has been shut down.
	ErrClosed = errors.New("storage: backend closed")
)

// UpdateFunc receives the current value for a key (nil when absent) and returns
// the replacement. Returning a nil slice deletes the key. Returning an error
// aborts the update without writing anything.
type UpdateFunc func(current []byte) ([]byte, error)

// Database is the key-value port shared by the ledger and the nonce store. Get
// and Set are plain reads and writes; Update is the only operation that may be
// used for read-modify-write sequences because it is atomic with respect to
// every other Update on the same key, including across processes for the
// network backends.
type Database interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl of zero keeps the value until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)
	// Update applies fn atomically. Values written through Update never expire.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

// --- In-Memory DB (single process) ---

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemDB keeps values in a process-local map. It offers no durability and is
// only correct for a single instance.
type MemDB struct {
	mu     sync.Mutex
	data   map[string]memEntry
	nowFn  func() time.Time
	closed bool
}

// NewMemDB constructs an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{
		data:  make(map[string]memEntry),
		nowFn: time.Now,
	}
}

// WithClock overrides the clock used for TTL expiry.
func (db *MemDB) WithClock(now func() time.Time) *MemDB {
	if now != nil {
		db.nowFn = now
	}
	return db
}

func (db *MemDB) lookupLocked(key string) ([]byte, bool) {
	entry, ok := db.data[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !db.nowFn().Before(entry.expiresAt) {
		delete(db.data, key)
		return nil, false
	}
	return entry.value, true
}

func (db *MemDB) Get(_ context.Context, key string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	value, ok := db.lookupLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = db.nowFn().Add(ttl)
	}
	db.data[key] = entry
	return nil
}

func (db *MemDB) Delete(_ context.Context, key string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return false, ErrClosed
	}
	_, ok := db.lookupLocked(key)
	delete(db.data, key)
	return ok, nil
}

// Update runs fn under the database lock, which serializes every mutation in
// the process.
func (db *MemDB) Update(_ context.Context, key string, fn UpdateFunc) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	current, ok := db.lookupLocked(key)
	var input []byte
	if ok {
		input = append([]byte(nil), current...)
	}
	next, err := fn(input)
	if err != nil {
		return err
	}
	if next == nil {
		delete(db.data, key)
		return nil
	}
	db.data[key] = memEntry{value: append([]byte(nil), next...)}
	return nil
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
