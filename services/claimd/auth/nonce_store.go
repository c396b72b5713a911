package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"claimledger/storage"
)

const nonceKeyPrefix = "auth:nonce:"

// StoredNonces keeps issued nonces in the shared store so every instance
// observes the same single-use state.
type StoredNonces struct {
	db  storage.Database
	ttl time.Duration
	now func() time.Time
}

type nonceRecord struct {
	Address   string `json:"address,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// NewStoredNonces builds a store-backed issuer.
func NewStoredNonces(db storage.Database, ttl time.Duration, now func() time.Time) (*StoredNonces, error) {
	if db == nil {
		return nil, errors.New("auth: nonce storage required")
	}
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StoredNonces{db: db, ttl: ttl, now: now}, nil
}

// Issue implements NonceIssuer.
func (s *StoredNonces) Issue(ctx context.Context, address string) (string, error) {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	payload, err := json.Marshal(nonceRecord{Address: address, ExpiresAt: s.now().Add(s.ttl).Unix()})
	if err != nil {
		return "", err
	}
	if err := s.db.Set(ctx, nonceKeyPrefix+nonce, payload, s.ttl); err != nil {
		return "", fmt.Errorf("auth: store nonce: %w", err)
	}
	return nonce, nil
}

// Consume implements NonceIssuer. A pending nonce binds to address here.
func (s *StoredNonces) Consume(ctx context.Context, nonce, address string) error {
	nonce = strings.ToLower(strings.TrimSpace(nonce))
	if nonce == "" {
		return ErrNonceInvalid
	}
	return s.db.Update(ctx, nonceKeyPrefix+nonce, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNonceInvalid
		}
		var rec nonceRecord
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, ErrNonceInvalid
		}
		if s.now().Unix() >= rec.ExpiresAt {
			return nil, ErrNonceExpired
		}
		if rec.Address != "" && rec.Address != address {
			return nil, ErrNonceInvalid
		}
		return nil, nil
	})
}
