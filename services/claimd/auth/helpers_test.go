package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return wallet{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), w.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig)
}

type siweFields struct {
	domain     string
	address    string
	nonce      string
	chainID    int64
	issuedAt   time.Time
	expiration *time.Time
	notBefore  *time.Time
}

func buildMessage(f siweFields) string {
	if f.domain == "" {
		f.domain = "claims.example.org"
	}
	if f.chainID == 0 {
		f.chainID = 8453
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", f.domain)
	fmt.Fprintf(&b, "%s\n\n", f.address)
	b.WriteString("Sign in to claim your rewards.\n\n")
	fmt.Fprintf(&b, "URI: https://%s\n", f.domain)
	b.WriteString("Version: 1\n")
	fmt.Fprintf(&b, "Chain ID: %d\n", f.chainID)
	fmt.Fprintf(&b, "Nonce: %s\n", f.nonce)
	fmt.Fprintf(&b, "Issued At: %s", f.issuedAt.UTC().Format(time.RFC3339))
	if f.expiration != nil {
		fmt.Fprintf(&b, "\nExpiration Time: %s", f.expiration.UTC().Format(time.RFC3339))
	}
	if f.notBefore != nil {
		fmt.Fprintf(&b, "\nNot Before: %s", f.notBefore.UTC().Format(time.RFC3339))
	}
	return b.String()
}
