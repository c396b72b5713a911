package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// expiryHeaderLen prefixes every stored value with the expiry in unix nanos
// (zero for values that never expire).
const expiryHeaderLen = 8

// LevelDB is a durable single-process Database backed by a LevelDB directory.
// It survives restarts but must not be opened by more than one instance.
type LevelDB struct {
	db    *leveldb.DB
	mu    sync.Mutex
	nowFn func() time.Time
}

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelDB{db: db, nowFn: time.Now}, nil
}

// WithClock overrides the clock used for TTL expiry.
func (ldb *LevelDB) WithClock(now func() time.Time) *LevelDB {
	if now != nil {
		ldb.nowFn = now
	}
	return ldb
}

func (ldb *LevelDB) load(key string) ([]byte, bool, error) {
	raw, err := ldb.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("leveldb get: %w", err)
	}
	if len(raw) < expiryHeaderLen {
		return nil, false, fmt.Errorf("leveldb value for %q truncated", key)
	}
	expires := int64(binary.BigEndian.Uint64(raw[:expiryHeaderLen]))
	if expires != 0 && ldb.nowFn().UnixNano() >= expires {
		if err := ldb.db.Delete([]byte(key), nil); err != nil {
			return nil, false, fmt.Errorf("leveldb delete expired: %w", err)
		}
		return nil, false, nil
	}
	return raw[expiryHeaderLen:], true, nil
}

func (ldb *LevelDB) store(key string, value []byte, expires time.Time) error {
	buf := make([]byte, expiryHeaderLen+len(value))
	if !expires.IsZero() {
		binary.BigEndian.PutUint64(buf[:expiryHeaderLen], uint64(expires.UnixNano()))
	}
	copy(buf[expiryHeaderLen:], value)
	if err := ldb.db.Put([]byte(key), buf, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Get retrieves a value for a given key.
func (ldb *LevelDB) Get(_ context.Context, key string) ([]byte, error) {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()
	value, ok, err := ldb.load(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set inserts or updates a key-value pair.
func (ldb *LevelDB) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = ldb.nowFn().Add(ttl)
	}
	return ldb.store(key, value, expires)
}

func (ldb *LevelDB) Delete(_ context.Context, key string) (bool, error) {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()
	_, ok, err := ldb.load(key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := ldb.db.Delete([]byte(key), nil); err != nil {
		return false, fmt.Errorf("leveldb delete: %w", err)
	}
	return true, nil
}

func (ldb *LevelDB) Update(_ context.Context, key string, fn UpdateFunc) error {
	ldb.mu.Lock()
	defer ldb.mu.Unlock()
	current, ok, err := ldb.load(key)
	if err != nil {
		return err
	}
	if !ok {
		current = nil
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if err := ldb.db.Delete([]byte(key), nil); err != nil {
			return fmt.Errorf("leveldb delete: %w", err)
		}
		return nil
	}
	return ldb.store(key, next, time.Time{})
}

// Close closes the database connection.
func (ldb *LevelDB) Close() error {
	if ldb == nil || ldb.db == nil {
		return nil
	}
	return ldb.db.Close()
}
