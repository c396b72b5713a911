// Package authz issues EIP-712 claim authorizations that the reward
// contract verifies before releasing tokens from the pool.
package authz

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ClaimTypeSignature is the EIP-712 type the reward contract hashes.
const ClaimTypeSignature = "Claim(address recipient,uint256 amount,uint256 nonce,uint256 deadline,uint256 campaignId)"

const domainTypeSignature = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

var (
	claimTypeHash  = ethcrypto.Keccak256([]byte(ClaimTypeSignature))
	domainTypeHash = ethcrypto.Keccak256([]byte(domainTypeSignature))

	// ErrNoSigner indicates no signing key is configured.
	ErrNoSigner = errors.New("authz: signer not configured")
)

// Domain binds signatures to one contract deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Claim is the typed message authorising a transfer.
type Claim struct {
	Recipient  common.Address
	Amount     *big.Int
	Nonce      *big.Int
	Deadline   *big.Int
	CampaignID *big.Int
}

// Authorization is a signed claim in the shape the client submits on-chain.
type Authorization struct {
	Claim  Claim
	V      uint8
	R      common.Hash
	S      common.Hash
	Digest common.Hash
}

// Signature returns the 65-byte r||s||v form with v in {27, 28}.
func (a Authorization) Signature() []byte {
	out := make([]byte, 0, 65)
	out = append(out, a.R.Bytes()...)
	out = append(out, a.S.Bytes()...)
	return append(out, a.V)
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() common.Hash {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return ethcrypto.Keccak256Hash(
		domainTypeHash,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		math.U256Bytes(new(big.Int).Set(chainID)),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// StructHash returns hashStruct(claim).
func (c Claim) StructHash() common.Hash {
	return ethcrypto.Keccak256Hash(
		claimTypeHash,
		common.LeftPadBytes(c.Recipient.Bytes(), 32),
		u256(c.Amount),
		u256(c.Nonce),
		u256(c.Deadline),
		u256(c.CampaignID),
	)
}

func u256(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}

// Digest returns keccak256("\x19\x01" || domainSeparator || hashStruct(claim)).
func Digest(domain Domain, claim Claim) common.Hash {
	sep := domain.Separator()
	sh := claim.StructHash()
	return ethcrypto.Keccak256Hash([]byte("\x19\x01"), sep.Bytes(), sh.Bytes())
}

// Signer produces claim authorizations under a fixed domain.
type Signer struct {
	key     *ecdsa.PrivateKey
	domain  Domain
	address common.Address
}

// NewSigner loads a hex-encoded secp256k1 key.
func NewSigner(privKeyHex string, domain Domain) (*Signer, error) {
	pkHex := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if pkHex == "" {
		return nil, ErrNoSigner
	}
	key, err := ethcrypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("authz: load private key: %w", err)
	}
	return NewSignerFromKey(key, domain)
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey, domain Domain) (*Signer, error) {
	if key == nil {
		return nil, ErrNoSigner
	}
	if domain.ChainID == nil || domain.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("authz: chain id must be positive")
	}
	if (domain.VerifyingContract == common.Address{}) {
		return nil, fmt.Errorf("authz: verifying contract required")
	}
	return &Signer{key: key, domain: domain, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's EVM address, which the contract trusts.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the signing domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// Sign authorises claim.
func (s *Signer) Sign(claim Claim) (Authorization, error) {
	if s == nil || s.key == nil {
		return Authorization{}, ErrNoSigner
	}
	if claim.Amount == nil || claim.Amount.Sign() <= 0 {
		return Authorization{}, fmt.Errorf("authz: amount must be positive")
	}
	if (claim.Recipient == common.Address{}) {
		return Authorization{}, fmt.Errorf("authz: recipient required")
	}
	digest := Digest(s.domain, claim)
	sig, err := ethcrypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return Authorization{}, fmt.Errorf("authz: sign claim: %w", err)
	}
	return Authorization{
		Claim:  claim,
		R:      common.BytesToHash(sig[:32]),
		S:      common.BytesToHash(sig[32:64]),
		V:      sig[64] + 27,
		Digest: digest,
	}, nil
}

// Recover returns the address that produced auth's signature.
func Recover(domain Domain, auth Authorization) (common.Address, error) {
	sig := auth.Signature()
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(Digest(domain, auth.Claim).Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("authz: recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Hex renders a 32-byte word as 0x-prefixed hex.
func Hex(h common.Hash) string {
	return hexutil.Encode(h.Bytes())
}
