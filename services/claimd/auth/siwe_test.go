package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseMessage(t *testing.T) {
	issued := time.Unix(1_700_000_000, 0).UTC()
	exp := issued.Add(time.Hour)
	raw := buildMessage(siweFields{
		address:    "0x00000000000000000000000000000000000000aA",
		nonce:      "abc123XYZ",
		issuedAt:   issued,
		expiration: &exp,
	}) + "\nRequest ID: req-1\nResources:\n- https://claims.example.org/terms\n- ipfs://bafy"

	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Domain != "claims.example.org" || msg.ChainID != 8453 || msg.Nonce != "abc123XYZ" {
		t.Fatalf("unexpected fields: %+v", msg)
	}
	if msg.Statement != "Sign in to claim your rewards." {
		t.Fatalf("unexpected statement %q", msg.Statement)
	}
	if !msg.IssuedAt.Equal(issued) || msg.ExpirationTime == nil || !msg.ExpirationTime.Equal(exp) {
		t.Fatalf("unexpected timestamps: %+v", msg)
	}
	if msg.RequestID != "req-1" || len(msg.Resources) != 2 || msg.Resources[1] != "ipfs://bafy" {
		t.Fatalf("unexpected trailer: %+v", msg)
	}
}

func TestParseMessageRejectsMalformed(t *testing.T) {
	good := buildMessage(siweFields{
		address:  "0x00000000000000000000000000000000000000aa",
		nonce:    "abcdefgh12",
		issuedAt: time.Unix(1_700_000_000, 0),
	})
	cases := map[string]string{
		"no preamble":   strings.Replace(good, "wants you to sign in", "would like", 1),
		"bad address":   strings.Replace(good, "0x00000000000000000000000000000000000000aa", "0xnope", 1),
		"short nonce":   strings.Replace(good, "abcdefgh12", "abc", 1),
		"symbol nonce":  strings.Replace(good, "abcdefgh12", "abcd-efgh", 1),
		"version":       strings.Replace(good, "Version: 1", "Version: 2", 1),
		"bad chain":     strings.Replace(good, "Chain ID: 8453", "Chain ID: base", 1),
		"missing uri":   strings.Replace(good, "URI: ", "Link: ", 1),
		"bad timestamp": strings.Replace(good, "Issued At: ", "Issued At: yesterday ", 1),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseMessage(raw); !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestVerifierRecoversSigner(t *testing.T) {
	w := newWallet(t)
	clock := newFakeClock()
	message := buildMessage(siweFields{address: w.address, nonce: "nonce12345", issuedAt: clock.Now()})
	verifier := &Verifier{Domain: "claims.example.org", ChainID: 8453, Now: clock.Now}

	msg, err := verifier.Verify(message, w.sign(t, message), strings.ToLower(w.address))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if msg.Nonce != "nonce12345" {
		t.Fatalf("unexpected nonce %s", msg.Nonce)
	}

	impostor := newWallet(t)
	if _, err := verifier.Verify(message, impostor.sign(t, message), ""); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for foreign signature, got %v", err)
	}
	if _, err := verifier.Verify(message, w.sign(t, message), impostor.address); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for claimed address, got %v", err)
	}
	if _, err := verifier.Verify(message, "0x1234", ""); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch for short signature, got %v", err)
	}
}

func TestVerifierChecksBindings(t *testing.T) {
	w := newWallet(t)
	clock := newFakeClock()
	exp := clock.Now().Add(time.Minute)
	nbf := clock.Now().Add(time.Hour)

	cases := []struct {
		name    string
		fields  siweFields
		advance time.Duration
		want    error
	}{
		{name: "wrong domain", fields: siweFields{domain: "evil.example"}, want: ErrMalformedMessage},
		{name: "wrong chain", fields: siweFields{chainID: 1}, want: ErrMalformedMessage},
		{name: "expired", fields: siweFields{expiration: &exp}, advance: time.Minute, want: ErrNonceExpired},
		{name: "not yet valid", fields: siweFields{notBefore: &nbf}, want: ErrNonceInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := &fakeClock{now: clock.Now().Add(tc.advance)}
			verifier := &Verifier{Domain: "claims.example.org", ChainID: 8453, Now: local.Now}
			f := tc.fields
			f.address = w.address
			f.nonce = "nonce12345"
			f.issuedAt = clock.Now()
			message := buildMessage(f)
			if _, err := verifier.Verify(message, w.sign(t, message), ""); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
