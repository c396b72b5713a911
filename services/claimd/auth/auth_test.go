package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claimledger/storage"
)

func TestAuthenticatorSignIn(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	w := newWallet(t)
	stored, err := NewStoredNonces(storage.NewMemDB().WithClock(clock.Now), time.Minute, clock.Now)
	require.NoError(t, err)
	authn := NewAuthenticator(stored, &Verifier{ChainID: 8453, Now: clock.Now}, nil, nil)

	nonce, err := authn.IssueNonce(ctx, "")
	require.NoError(t, err)
	message := buildMessage(siweFields{address: w.address, nonce: nonce, issuedAt: clock.Now()})

	// A bad signature must not burn the nonce.
	impostor := newWallet(t)
	_, err = authn.SignIn(ctx, message, impostor.sign(t, message), w.address)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	address, err := authn.SignIn(ctx, message, w.sign(t, message), w.address)
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(w.address), address)

	_, err = authn.SignIn(ctx, message, w.sign(t, message), w.address)
	require.ErrorIs(t, err, ErrNonceInvalid, "replayed sign-in must fail")
}

func TestAuthenticatorBoundNonceToOtherWallet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	alice, bob := newWallet(t), newWallet(t)
	stateless, err := NewStatelessNonces([]byte("secret"), time.Minute, clock.Now)
	require.NoError(t, err)
	authn := NewAuthenticator(stateless, &Verifier{Now: clock.Now}, nil, nil)

	nonce, err := authn.IssueNonce(ctx, alice.address)
	require.NoError(t, err)
	message := buildMessage(siweFields{address: bob.address, nonce: nonce, issuedAt: clock.Now()})
	_, err = authn.SignIn(ctx, message, bob.sign(t, message), bob.address)
	require.True(t, errors.Is(err, ErrNonceInvalid), "nonce bound to alice must not sign in bob: %v", err)
}

func TestAuthenticatorUnconfigured(t *testing.T) {
	var authn *Authenticator
	_, err := authn.IssueNonce(context.Background(), "")
	require.ErrorIs(t, err, ErrSecretRequired)
}
