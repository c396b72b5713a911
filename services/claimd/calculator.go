package claimd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"claimledger/storage"
)

// DefaultTokenDecimals matches the reward token's ERC-20 decimals.
const DefaultTokenDecimals = 18

const gameStateKeyPrefix = "gamestate:"

// EntitlementSource reports the accrued seed counter for an address. The
// counter only grows over time.
type EntitlementSource interface {
	EntitlementSeed(ctx context.Context, address string) (*big.Int, error)
}

// StoredGameState reads seed counters from the game-state records the sync
// endpoint persists into the shared store.
type StoredGameState struct {
	db     storage.Database
	prefix string
}

// NewStoredGameState builds an entitlement source over db.
func NewStoredGameState(db storage.Database) *StoredGameState {
	return &StoredGameState{db: db, prefix: gameStateKeyPrefix}
}

type gameStateRecord struct {
	Seeds json.Number `json:"seeds"`
}

// EntitlementSeed returns the seed counter, or zero when the address has no
// recorded game state. Fractional counters are floored and negative ones
// read as zero.
func (s *StoredGameState) EntitlementSeed(ctx context.Context, address string) (*big.Int, error) {
	raw, err := s.db.Get(ctx, s.prefix+address)
	if errors.Is(err, storage.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("claimd: load game state: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec gameStateRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: game state: %v", ErrCorruptRecord, err)
	}
	return parseSeed(string(rec.Seeds))
}

// PutSeed records a seed counter for address. The sync endpoint lives outside
// this service; this is used by tooling and tests to populate the store.
func (s *StoredGameState) PutSeed(ctx context.Context, address string, seeds *big.Int) error {
	payload, err := json.Marshal(map[string]json.Number{"seeds": json.Number(FormatAmount(seeds))})
	if err != nil {
		return err
	}
	return s.db.Set(ctx, s.prefix+address, payload, 0)
}

func parseSeed(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	if v, ok := new(big.Int).SetString(raw, 10); ok {
		if v.Sign() < 0 {
			return new(big.Int), nil
		}
		return v, nil
	}
	f, ok := new(big.Float).SetString(raw)
	if !ok {
		return nil, fmt.Errorf("%w: seeds %q", ErrCorruptRecord, raw)
	}
	if f.Sign() <= 0 {
		return new(big.Int), nil
	}
	v, _ := f.Int(nil)
	return v, nil
}

// Calculator derives total entitlement from the seed counter and nets out
// what the ledger has already settled or holds.
type Calculator struct {
	source EntitlementSource
	ledger *Ledger
	scale  *big.Int
}

// NewCalculator builds a calculator scaling seeds by 10^decimals.
func NewCalculator(source EntitlementSource, ledger *Ledger, decimals uint8) (*Calculator, error) {
	if source == nil || ledger == nil {
		return nil, errors.New("claimd: calculator requires an entitlement source and ledger")
	}
	return &Calculator{source: source, ledger: ledger, scale: unitScale(decimals)}, nil
}

// Entitlement returns the lifetime entitlement in the smallest token unit.
func (c *Calculator) Entitlement(ctx context.Context, address string) (*big.Int, error) {
	seed, err := c.source.EntitlementSeed(ctx, address)
	if err != nil {
		return nil, err
	}
	if seed == nil || seed.Sign() <= 0 {
		return new(big.Int), nil
	}
	return new(big.Int).Mul(seed, c.scale), nil
}

// Claimable sweeps expired holds and returns the remaining claimable amount.
func (c *Calculator) Claimable(ctx context.Context, address string) (*big.Int, error) {
	entitlement, err := c.Entitlement(ctx, address)
	if err != nil {
		return nil, err
	}
	return c.ledger.Claimable(ctx, address, entitlement)
}

// Reserve holds the full remaining claimable amount.
func (c *Calculator) Reserve(ctx context.Context, address string) (Reservation, error) {
	entitlement, err := c.Entitlement(ctx, address)
	if err != nil {
		return Reservation{}, err
	}
	return c.ledger.Reserve(ctx, address, entitlement)
}
