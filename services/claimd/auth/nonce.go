package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultNonceTTL bounds how long a sign-in nonce remains usable.
const DefaultNonceTTL = 10 * time.Minute

const (
	modePending = '0'
	modeBound   = '1'

	tsHexLen   = 16
	randHexLen = 16
	macHexLen  = 24
	tokenLen   = 1 + tsHexLen + randHexLen + macHexLen
)

// StatelessNonces issues HMAC-signed, self-expiring nonces. Tokens are plain
// hex so they satisfy the SIWE alphanumeric nonce grammar. Reuse is rejected
// by an in-process replay cache, so with several instances a nonce is
// single-use per instance only; use StoredNonces for fleet-wide guarantees.
type StatelessNonces struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	replay *replayCache
}

// NewStatelessNonces builds a stateless issuer. An empty secret is rejected.
func NewStatelessNonces(secret []byte, ttl time.Duration, now func() time.Time) (*StatelessNonces, error) {
	if len(secret) == 0 {
		return nil, ErrSecretRequired
	}
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StatelessNonces{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    now,
		replay: newReplayCache(0),
	}, nil
}

func (s *StatelessNonces) mac(mode byte, ts, random, address string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte("claimd-nonce|"))
	h.Write([]byte{mode})
	h.Write([]byte("|" + ts + "|" + random + "|" + address))
	return hex.EncodeToString(h.Sum(nil))[:macHexLen]
}

// Issue implements NonceIssuer.
func (s *StatelessNonces) Issue(_ context.Context, address string) (string, error) {
	var buf [randHexLen / 2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("auth: nonce entropy: %w", err)
	}
	mode := byte(modeBound)
	if address == "" {
		mode = modePending
	}
	ts := fmt.Sprintf("%016x", uint64(s.now().Unix()))
	random := hex.EncodeToString(buf[:])
	return string(mode) + ts + random + s.mac(mode, ts, random, address), nil
}

// Consume implements NonceIssuer.
func (s *StatelessNonces) Consume(_ context.Context, nonce, address string) error {
	nonce = strings.ToLower(strings.TrimSpace(nonce))
	if len(nonce) != tokenLen {
		return ErrNonceInvalid
	}
	mode := nonce[0]
	ts := nonce[1 : 1+tsHexLen]
	random := nonce[1+tsHexLen : 1+tsHexLen+randHexLen]
	sig := nonce[1+tsHexLen+randHexLen:]

	bound := address
	switch mode {
	case modePending:
		bound = ""
	case modeBound:
	default:
		return ErrNonceInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(mode, ts, random, bound))) {
		return ErrNonceInvalid
	}
	secs, err := strconv.ParseUint(ts, 16, 63)
	if err != nil {
		return ErrNonceInvalid
	}
	issued := time.Unix(int64(secs), 0)
	expires := issued.Add(s.ttl)
	now := s.now()
	if !now.Before(expires) {
		return ErrNonceExpired
	}
	if issued.After(now.Add(time.Minute)) {
		return ErrNonceInvalid
	}
	if !s.replay.Consume(nonce, expires, now) {
		return ErrNonceInvalid
	}
	return nil
}
