package claimd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"claimledger/observability"
	"claimledger/storage"
)

// DefaultReserveTTL is how long a reservation holds entitlement before it is
// swept back into the claimable pool.
const DefaultReserveTTL = 300 * time.Second

const accountKeyPrefix = "claim:account:"

// errUnchanged aborts an Update without writing when a mutation was a no-op.
var errUnchanged = errors.New("claimd: account unchanged")

// PendingReservation is a time-boxed hold against an address's entitlement.
type PendingReservation struct {
	Nonce     uint64
	Amount    *big.Int
	ExpiresAt time.Time
}

// ClaimAccount is the per-address accounting record.
type ClaimAccount struct {
	Address      string
	ClaimedTotal *big.Int
	Reserved     *big.Int
	NonceCounter uint64
	Pendings     []PendingReservation
	Version      uint64
}

// Reservation is the result of a successful reserve.
type Reservation struct {
	Amount    *big.Int
	Nonce     uint64
	ExpiresAt time.Time
}

type pendingRecord struct {
	Nonce     uint64 `json:"nonce"`
	Amount    string `json:"amount"`
	ExpiresAt int64  `json:"expiresAt"`
}

// accountRecord is the stored form; amounts are decimal strings so any
// client of the shared store can read them without precision loss.
type accountRecord struct {
	Address      string          `json:"address"`
	ClaimedTotal string          `json:"claimedTotal"`
	Reserved     string          `json:"reserved"`
	NonceCounter uint64          `json:"nonceCounter"`
	Pendings     []pendingRecord `json:"pendings"`
	Version      uint64          `json:"version"`
	UpdatedAt    int64           `json:"updatedAt"`
}

func newAccount(address string) *ClaimAccount {
	return &ClaimAccount{
		Address:      address,
		ClaimedTotal: new(big.Int),
		Reserved:     new(big.Int),
	}
}

func decodeAccount(address string, raw []byte) (*ClaimAccount, error) {
	if raw == nil {
		return newAccount(address), nil
	}
	var rec accountRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	acct := newAccount(address)
	acct.NonceCounter = rec.NonceCounter
	acct.Version = rec.Version
	if err := setDecimal(acct.ClaimedTotal, rec.ClaimedTotal); err != nil {
		return nil, err
	}
	if err := setDecimal(acct.Reserved, rec.Reserved); err != nil {
		return nil, err
	}
	acct.Pendings = make([]PendingReservation, 0, len(rec.Pendings))
	for _, p := range rec.Pendings {
		amount := new(big.Int)
		if err := setDecimal(amount, p.Amount); err != nil {
			return nil, err
		}
		acct.Pendings = append(acct.Pendings, PendingReservation{
			Nonce:     p.Nonce,
			Amount:    amount,
			ExpiresAt: time.Unix(p.ExpiresAt, 0).UTC(),
		})
	}
	return acct, nil
}

func setDecimal(dst *big.Int, raw string) error {
	if raw == "" {
		dst.SetInt64(0)
		return nil
	}
	if _, ok := dst.SetString(raw, 10); !ok || dst.Sign() < 0 {
		return fmt.Errorf("%w: bad amount %q", ErrCorruptRecord, raw)
	}
	return nil
}

func encodeAccount(acct *ClaimAccount, now time.Time) ([]byte, error) {
	rec := accountRecord{
		Address:      acct.Address,
		ClaimedTotal: FormatAmount(acct.ClaimedTotal),
		Reserved:     FormatAmount(acct.Reserved),
		NonceCounter: acct.NonceCounter,
		Pendings:     make([]pendingRecord, 0, len(acct.Pendings)),
		Version:      acct.Version,
		UpdatedAt:    now.Unix(),
	}
	for _, p := range acct.Pendings {
		rec.Pendings = append(rec.Pendings, pendingRecord{
			Nonce:     p.Nonce,
			Amount:    FormatAmount(p.Amount),
			ExpiresAt: p.ExpiresAt.Unix(),
		})
	}
	return json.Marshal(rec)
}

// sweep removes expired pendings and releases their amounts from Reserved,
// clamping at zero. It returns the number of pendings removed.
func (a *ClaimAccount) sweep(now time.Time) int {
	live := a.Pendings[:0]
	removed := 0
	for _, p := range a.Pendings {
		if !now.Before(p.ExpiresAt) {
			a.Reserved = subClamp(a.Reserved, p.Amount)
			removed++
			continue
		}
		live = append(live, p)
	}
	a.Pendings = live
	return removed
}

func (a *ClaimAccount) find(nonce uint64) int {
	for i, p := range a.Pendings {
		if p.Nonce == nonce {
			return i
		}
	}
	return -1
}

func (a *ClaimAccount) remove(i int) {
	a.Pendings = append(a.Pendings[:i], a.Pendings[i+1:]...)
}

// Clone returns a deep copy of the account.
func (a *ClaimAccount) Clone() ClaimAccount {
	out := ClaimAccount{
		Address:      a.Address,
		ClaimedTotal: cloneBigInt(a.ClaimedTotal),
		Reserved:     cloneBigInt(a.Reserved),
		NonceCounter: a.NonceCounter,
		Version:      a.Version,
		Pendings:     make([]PendingReservation, len(a.Pendings)),
	}
	for i, p := range a.Pendings {
		out.Pendings[i] = PendingReservation{Nonce: p.Nonce, Amount: cloneBigInt(p.Amount), ExpiresAt: p.ExpiresAt}
	}
	return out
}

// claimable is entitlement minus claimed and live reserved, floored at zero.
func (a *ClaimAccount) claimable(entitlement *big.Int) *big.Int {
	return subClamp(subClamp(entitlement, a.ClaimedTotal), a.Reserved)
}

// Ledger implements reserve, sweep, cap, confirm and release over a storage
// Database. Every mutation is a single atomic Update of the account record.
type Ledger struct {
	db       storage.Database
	ttl      time.Duration
	maxLive  int
	now      func() time.Time
	metrics  *observability.ClaimMetrics
	logger   *slog.Logger
	keyspace string
}

// LedgerOption customises the ledger.
type LedgerOption func(*Ledger)

// WithReserveTTL overrides the reservation hold window.
func WithReserveTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithMaxLiveReservations bounds how many unexpired reservations an address
// may hold at once. Zero leaves reservations unbounded.
func WithMaxLiveReservations(n int) LedgerOption {
	return func(l *Ledger) { l.maxLive = n }
}

// WithLedgerClock sets the function used to derive timestamps.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLedgerMetrics overrides the metrics registry.
func WithLedgerMetrics(m *observability.ClaimMetrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// WithLedgerLogger sets the structured logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger constructs a ledger on top of db.
func NewLedger(db storage.Database, opts ...LedgerOption) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("claimd: storage required")
	}
	l := &Ledger{
		db:       db,
		ttl:      DefaultReserveTTL,
		now:      time.Now,
		logger:   slog.Default(),
		keyspace: accountKeyPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ledger")
	return l, nil
}

func (l *Ledger) key(address string) string {
	return l.keyspace + address
}

// mutate loads the account, sweeps expired pendings and applies fn. fn reports
// whether it changed the account; nothing is written when neither the sweep
// nor fn changed anything. Errors from fn abort the write entirely. fn runs
// again on every optimistic retry, so it must reset anything it captures.
func (l *Ledger) mutate(ctx context.Context, op, address string, fn func(acct *ClaimAccount, now time.Time) (bool, error)) (*ClaimAccount, error) {
	var result *ClaimAccount
	var swept int
	err := l.db.Update(ctx, l.key(address), func(current []byte) ([]byte, error) {
		acct, err := decodeAccount(address, current)
		if err != nil {
			return nil, err
		}
		now := l.now().UTC()
		swept = acct.sweep(now)
		changed, err := fn(acct, now)
		if err != nil {
			return nil, err
		}
		clone := acct.Clone()
		result = &clone
		if !changed && swept == 0 {
			return nil, errUnchanged
		}
		acct.Version++
		result.Version = acct.Version
		return encodeAccount(acct, now)
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	if err != nil {
		if Classify(err) == CategoryBackend {
			l.metrics.RecordStorageError(op)
			l.logger.Error("ledger update failed", "operation", op, "address", address, "error", err)
		}
		return nil, err
	}
	if swept > 0 {
		l.metrics.RecordReleased("expired", swept)
		l.logger.Debug("swept expired reservations", "address", address, "count", swept)
	}
	return result, nil
}

// Claimable sweeps expired reservations and returns
// max(0, entitlement - claimedTotal - reserved).
func (l *Ledger) Claimable(ctx context.Context, address string, entitlement *big.Int) (*big.Int, error) {
	var out *big.Int
	_, err := l.mutate(ctx, "claimable", address, func(acct *ClaimAccount, _ time.Time) (bool, error) {
		out = acct.claimable(entitlement)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reserve places a hold for the full remaining claimable amount.
func (l *Ledger) Reserve(ctx context.Context, address string, entitlement *big.Int) (Reservation, error) {
	var res Reservation
	var reason error
	_, err := l.mutate(ctx, "reserve", address, func(acct *ClaimAccount, now time.Time) (bool, error) {
		res, reason = Reservation{}, nil
		amount := acct.claimable(entitlement)
		if amount.Sign() <= 0 {
			reason = ErrNothingToReserve
			return false, nil
		}
		if l.maxLive > 0 && len(acct.Pendings) >= l.maxLive {
			reason = ErrTooManyReservations
			return false, nil
		}
		acct.NonceCounter++
		pending := PendingReservation{
			Nonce:     acct.NonceCounter,
			Amount:    amount,
			ExpiresAt: now.Add(l.ttl).Truncate(time.Second),
		}
		acct.Pendings = append(acct.Pendings, pending)
		acct.Reserved = new(big.Int).Add(acct.Reserved, amount)
		res = Reservation{Amount: cloneBigInt(amount), Nonce: pending.Nonce, ExpiresAt: pending.ExpiresAt}
		return true, nil
	})
	if err != nil {
		return Reservation{}, err
	}
	// The sweep may have been persisted even though nothing was reserved.
	if reason != nil {
		outcome := "nothing"
		if errors.Is(reason, ErrTooManyReservations) {
			outcome = "limit"
		}
		l.metrics.RecordReservation(outcome, nil)
		return Reservation{}, reason
	}
	l.metrics.RecordReservation("created", res.Amount)
	l.logger.Info("reservation created", "address", address, "nonce", res.Nonce, "amount", res.Amount.String(), "expires_at", res.ExpiresAt.Unix())
	return res, nil
}

// CapReservationAmount shrinks a live reservation to at most maxAmount and
// returns its resulting amount. It never increases a reservation.
func (l *Ledger) CapReservationAmount(ctx context.Context, address string, nonce uint64, maxAmount *big.Int) (*big.Int, error) {
	if maxAmount == nil || maxAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: cap must be positive", ErrInvalidAmount)
	}
	var out *big.Int
	var capped bool
	var missing bool
	_, err := l.mutate(ctx, "cap", address, func(acct *ClaimAccount, _ time.Time) (bool, error) {
		out, capped, missing = nil, false, false
		i := acct.find(nonce)
		if i < 0 {
			missing = true
			return false, nil
		}
		p := &acct.Pendings[i]
		if p.Amount.Cmp(maxAmount) <= 0 {
			out = cloneBigInt(p.Amount)
			return false, nil
		}
		delta := new(big.Int).Sub(p.Amount, maxAmount)
		acct.Reserved = subClamp(acct.Reserved, delta)
		p.Amount = cloneBigInt(maxAmount)
		out = cloneBigInt(maxAmount)
		capped = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrReservationNotFound
	}
	if capped {
		l.metrics.RecordCapped()
		l.logger.Info("reservation capped", "address", address, "nonce", nonce, "amount", out.String())
	}
	return out, nil
}

// ConfirmReservation settles the live reservation matching both nonce and
// amount. It reports false when nothing matches, so a repeated confirm with
// identical arguments succeeds at most once.
func (l *Ledger) ConfirmReservation(ctx context.Context, address string, nonce uint64, amount *big.Int) (bool, error) {
	if amount == nil || amount.Sign() <= 0 {
		return false, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	var confirmed bool
	_, err := l.mutate(ctx, "confirm", address, func(acct *ClaimAccount, _ time.Time) (bool, error) {
		confirmed = false
		i := acct.find(nonce)
		if i < 0 || acct.Pendings[i].Amount.Cmp(amount) != 0 {
			return false, nil
		}
		acct.remove(i)
		acct.ClaimedTotal = new(big.Int).Add(acct.ClaimedTotal, amount)
		acct.Reserved = subClamp(acct.Reserved, amount)
		confirmed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	l.metrics.RecordSettlement(confirmed, amount)
	if confirmed {
		l.logger.Info("reservation settled", "address", address, "nonce", nonce, "amount", amount.String())
	} else {
		l.logger.Warn("confirm rejected", "address", address, "nonce", nonce, "amount", amount.String())
	}
	return confirmed, nil
}

// Release drops a live reservation without settling it, returning its amount
// to the claimable pool.
func (l *Ledger) Release(ctx context.Context, address string, nonce uint64) (bool, error) {
	var released bool
	_, err := l.mutate(ctx, "release", address, func(acct *ClaimAccount, _ time.Time) (bool, error) {
		released = false
		i := acct.find(nonce)
		if i < 0 {
			return false, nil
		}
		acct.Reserved = subClamp(acct.Reserved, acct.Pendings[i].Amount)
		acct.remove(i)
		released = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if released {
		l.metrics.RecordReleased("released", 1)
	}
	return released, nil
}

// Account returns a swept snapshot of the account without persisting the sweep.
func (l *Ledger) Account(ctx context.Context, address string) (ClaimAccount, error) {
	raw, err := l.db.Get(ctx, l.key(address))
	if errors.Is(err, storage.ErrNotFound) {
		raw, err = nil, nil
	}
	if err != nil {
		l.metrics.RecordStorageError("account")
		return ClaimAccount{}, err
	}
	acct, err := decodeAccount(address, raw)
	if err != nil {
		return ClaimAccount{}, err
	}
	acct.sweep(l.now().UTC())
	return acct.Clone(), nil
}
