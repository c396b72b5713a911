// Package auth implements wallet sign-in for the claim service: one-time
// sign-in nonces, SIWE message verification and MAC-signed session cookies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"claimledger/observability"
)

var (
	// ErrSecretRequired indicates the signing secret is not configured.
	ErrSecretRequired = errors.New("auth: signing secret not configured")
	// ErrNonceInvalid indicates an unknown, reused or forged nonce.
	ErrNonceInvalid = errors.New("auth: invalid nonce")
	// ErrNonceExpired indicates a nonce past its TTL.
	ErrNonceExpired = errors.New("auth: nonce expired")
	// ErrSignatureMismatch indicates the signature does not recover to the claimed address.
	ErrSignatureMismatch = errors.New("auth: signature mismatch")
	// ErrMalformedMessage indicates a structurally invalid sign-in message.
	ErrMalformedMessage = errors.New("auth: malformed sign-in message")
	// ErrSessionInvalid indicates a missing or tampered session cookie.
	ErrSessionInvalid = errors.New("auth: invalid session")
)

// NonceIssuer issues single-use sign-in nonces. An empty address issues a
// pending nonce that binds to whichever address presents it first.
type NonceIssuer interface {
	Issue(ctx context.Context, address string) (string, error)
	// Consume validates nonce for address and invalidates it.
	Consume(ctx context.Context, nonce, address string) error
}

// Authenticator moves an address from NONCE_ISSUED to AUTHENTICATED.
type Authenticator struct {
	nonces   NonceIssuer
	verifier *Verifier
	metrics  *observability.ClaimMetrics
	logger   *slog.Logger
}

// NewAuthenticator wires a nonce issuer to a SIWE verifier.
func NewAuthenticator(nonces NonceIssuer, verifier *Verifier, metrics *observability.ClaimMetrics, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{nonces: nonces, verifier: verifier, metrics: metrics, logger: logger.With("component", "auth")}
}

// IssueNonce returns a nonce for address, which may be empty.
func (a *Authenticator) IssueNonce(ctx context.Context, address string) (string, error) {
	if a == nil || a.nonces == nil {
		return "", ErrSecretRequired
	}
	nonce, err := a.nonces.Issue(ctx, strings.ToLower(address))
	if err != nil {
		a.metrics.RecordAuth("nonce", "error")
		return "", err
	}
	a.metrics.RecordAuth("nonce", "issued")
	return nonce, nil
}

// SignIn verifies a signed SIWE message and consumes its nonce. The signature
// is checked before the nonce is spent so a bad signature cannot burn it.
func (a *Authenticator) SignIn(ctx context.Context, message, signature, address string) (string, error) {
	if a == nil || a.nonces == nil || a.verifier == nil {
		return "", ErrSecretRequired
	}
	msg, err := a.verifier.Verify(message, signature, address)
	if err != nil {
		a.metrics.RecordAuth("verify", "rejected")
		return "", err
	}
	signer := strings.ToLower(msg.Address)
	if err := a.nonces.Consume(ctx, msg.Nonce, signer); err != nil {
		a.metrics.RecordAuth("verify", "nonce_rejected")
		return "", fmt.Errorf("consume nonce: %w", err)
	}
	a.metrics.RecordAuth("verify", "ok")
	a.logger.Info("wallet signed in", "address", signer)
	return signer, nil
}
