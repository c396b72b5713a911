package claimd

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"claimledger/observability"
)

// DefaultPoolCacheTTL bounds how long a pool balance read is reused.
const DefaultPoolCacheTTL = 15 * time.Second

// BalanceReader reports the reward pool's spendable token balance.
type BalanceReader interface {
	PoolBalance(ctx context.Context) (*big.Int, error)
}

// PoolCache memoises a BalanceReader for a fixed TTL. Failed reads are not
// cached.
type PoolCache struct {
	reader  BalanceReader
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.ClaimMetrics

	mu        sync.Mutex
	value     *big.Int
	fetchedAt time.Time
}

// NewPoolCache wraps reader with a TTL cache.
func NewPoolCache(reader BalanceReader, ttl time.Duration, now func() time.Time, metrics *observability.ClaimMetrics) *PoolCache {
	if ttl <= 0 {
		ttl = DefaultPoolCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &PoolCache{reader: reader, ttl: ttl, now: now, metrics: metrics}
}

// PoolBalance returns the cached balance while fresh, otherwise reads through.
func (c *PoolCache) PoolBalance(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.value != nil && now.Sub(c.fetchedAt) < c.ttl {
		c.metrics.RecordPoolLookup("cache", nil)
		return new(big.Int).Set(c.value), nil
	}
	balance, err := c.reader.PoolBalance(ctx)
	if err != nil {
		c.metrics.RecordPoolLookup("error", nil)
		return nil, err
	}
	if balance == nil {
		balance = new(big.Int)
	}
	c.value = new(big.Int).Set(balance)
	c.fetchedAt = now
	c.metrics.RecordPoolLookup("chain", balance)
	return new(big.Int).Set(balance), nil
}

// Invalidate drops the cached balance.
func (c *PoolCache) Invalidate() {
	c.mu.Lock()
	c.value = nil
	c.mu.Unlock()
}

// PoolCapper trims fresh reservations so the signed transfer never exceeds
// the pool balance.
type PoolCapper struct {
	balance BalanceReader
	ledger  *Ledger
	logger  *slog.Logger
}

// NewPoolCapper builds a capper. A nil balance reader disables capping.
func NewPoolCapper(balance BalanceReader, ledger *Ledger, logger *slog.Logger) *PoolCapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolCapper{balance: balance, ledger: ledger, logger: logger.With("component", "pool")}
}

// Apply caps res to the pool balance. An empty pool releases the reservation
// and returns ErrPoolEmpty; a failed release is returned as the storage error
// because the hold is still charged. When the balance cannot be read the reservation
// is returned unchanged.
func (p *PoolCapper) Apply(ctx context.Context, address string, res Reservation) (Reservation, error) {
	if p == nil || p.balance == nil {
		return res, nil
	}
	balance, err := p.balance.PoolBalance(ctx)
	if err != nil {
		p.logger.Warn("pool balance unavailable, issuing uncapped", "address", address, "nonce", res.Nonce, "error", err)
		return res, nil
	}
	if balance.Sign() <= 0 {
		if _, err := p.ledger.Release(ctx, address, res.Nonce); err != nil {
			return Reservation{}, fmt.Errorf("release on empty pool: %w", err)
		}
		return Reservation{}, ErrPoolEmpty
	}
	if res.Amount.Cmp(balance) <= 0 {
		return res, nil
	}
	capped, err := p.ledger.CapReservationAmount(ctx, address, res.Nonce, balance)
	if err != nil {
		return Reservation{}, err
	}
	res.Amount = capped
	return res, nil
}
