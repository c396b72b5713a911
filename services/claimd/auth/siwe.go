package auth

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const siwePreambleSuffix = " wants you to sign in with your Ethereum account:"

// Message is a parsed EIP-4361 sign-in message.
type Message struct {
	Domain         string
	Address        string
	Statement      string
	URI            string
	Version        string
	ChainID        int64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime *time.Time
	NotBefore      *time.Time
	RequestID      string
	Resources      []string
}

// ParseMessage parses the plaintext EIP-4361 format.
func ParseMessage(raw string) (*Message, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 || !strings.HasSuffix(lines[0], siwePreambleSuffix) {
		return nil, fmt.Errorf("%w: missing preamble", ErrMalformedMessage)
	}
	msg := &Message{Domain: strings.TrimSuffix(lines[0], siwePreambleSuffix)}
	if msg.Domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrMalformedMessage)
	}
	msg.Address = strings.TrimSpace(lines[1])
	if !common.IsHexAddress(msg.Address) || !strings.HasPrefix(msg.Address, "0x") {
		return nil, fmt.Errorf("%w: bad address %q", ErrMalformedMessage, msg.Address)
	}

	var statement []string
	inResources := false
	for _, line := range lines[2:] {
		if inResources {
			if res, ok := strings.CutPrefix(line, "- "); ok {
				msg.Resources = append(msg.Resources, res)
				continue
			}
			inResources = false
		}
		key, value, isField := strings.Cut(line, ": ")
		switch {
		case line == "Resources:":
			inResources = true
		case isField && key == "URI":
			msg.URI = value
		case isField && key == "Version":
			msg.Version = value
		case isField && key == "Chain ID":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: chain id %q", ErrMalformedMessage, value)
			}
			msg.ChainID = id
		case isField && key == "Nonce":
			msg.Nonce = value
		case isField && key == "Issued At":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("%w: issued at %q", ErrMalformedMessage, value)
			}
			msg.IssuedAt = ts
		case isField && key == "Expiration Time":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("%w: expiration time %q", ErrMalformedMessage, value)
			}
			msg.ExpirationTime = &ts
		case isField && key == "Not Before":
			ts, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return nil, fmt.Errorf("%w: not before %q", ErrMalformedMessage, value)
			}
			msg.NotBefore = &ts
		case isField && key == "Request ID":
			msg.RequestID = value
		case msg.URI == "" && strings.TrimSpace(line) != "":
			statement = append(statement, line)
		}
	}
	msg.Statement = strings.Join(statement, "\n")

	switch {
	case msg.URI == "":
		return nil, fmt.Errorf("%w: missing URI", ErrMalformedMessage)
	case msg.Version != "1":
		return nil, fmt.Errorf("%w: unsupported version %q", ErrMalformedMessage, msg.Version)
	case msg.ChainID <= 0:
		return nil, fmt.Errorf("%w: missing chain id", ErrMalformedMessage)
	case len(msg.Nonce) < 8 || !alphanumeric(msg.Nonce):
		return nil, fmt.Errorf("%w: nonce must be at least 8 alphanumeric characters", ErrMalformedMessage)
	case msg.IssuedAt.IsZero():
		return nil, fmt.Errorf("%w: missing issued at", ErrMalformedMessage)
	}
	return msg, nil
}

func alphanumeric(s string) bool {
	for _, r := range s {
		if !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9') {
			return false
		}
	}
	return true
}

// Verifier checks SIWE messages against the deployment's expectations.
type Verifier struct {
	// Domain, when set, must equal the message's domain.
	Domain string
	// ChainID, when non-zero, must equal the message's chain id.
	ChainID int64
	Now     func() time.Time
}

// Verify parses message, checks its validity window and bindings, and
// confirms that signature recovers to the message's address. claimed, when
// non-empty, must match that address as well.
func (v *Verifier) Verify(message, signature, claimed string) (*Message, error) {
	msg, err := ParseMessage(message)
	if err != nil {
		return nil, err
	}
	if claimed != "" && !strings.EqualFold(claimed, msg.Address) {
		return nil, fmt.Errorf("%w: address does not match message", ErrSignatureMismatch)
	}
	if v.Domain != "" && !strings.EqualFold(v.Domain, msg.Domain) {
		return nil, fmt.Errorf("%w: unexpected domain %q", ErrMalformedMessage, msg.Domain)
	}
	if v.ChainID != 0 && v.ChainID != msg.ChainID {
		return nil, fmt.Errorf("%w: unexpected chain id %d", ErrMalformedMessage, msg.ChainID)
	}
	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if msg.ExpirationTime != nil && !now.Before(*msg.ExpirationTime) {
		return nil, fmt.Errorf("%w: message expired", ErrNonceExpired)
	}
	if msg.NotBefore != nil && now.Before(*msg.NotBefore) {
		return nil, fmt.Errorf("%w: message not yet valid", ErrNonceInvalid)
	}
	recovered, err := RecoverAddress(message, signature)
	if err != nil {
		return nil, err
	}
	if recovered != common.HexToAddress(msg.Address) {
		return nil, ErrSignatureMismatch
	}
	return msg, nil
}

// RecoverAddress returns the signer of an EIP-191 personal_sign signature.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: signature must be 65 hex-encoded bytes", ErrSignatureMismatch)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id", ErrSignatureMismatch)
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
