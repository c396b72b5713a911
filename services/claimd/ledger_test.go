package claimd

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"claimledger/storage"
)

const testAddr = "0x00000000000000000000000000000000000000aa"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int %q", s)
	}
	return v
}

func newTestLedger(t *testing.T, clock *testClock, opts ...LedgerOption) *Ledger {
	t.Helper()
	opts = append([]LedgerOption{WithLedgerClock(clock.Now)}, opts...)
	ledger, err := NewLedger(storage.NewMemDB(), opts...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

// assertInvariants checks claimedTotal + reserved + claimable == entitlement
// and reserved == sum of live pendings.
func assertInvariants(t *testing.T, ledger *Ledger, addr string, entitlement *big.Int) {
	t.Helper()
	ctx := context.Background()
	claimable, err := ledger.Claimable(ctx, addr, entitlement)
	require.NoError(t, err)
	acct, err := ledger.Account(ctx, addr)
	require.NoError(t, err)

	sum := new(big.Int)
	for _, p := range acct.Pendings {
		require.Positive(t, p.Amount.Sign(), "pending %d has non-positive amount", p.Nonce)
		sum.Add(sum, p.Amount)
	}
	require.Zero(t, sum.Cmp(acct.Reserved), "reserved %s != sum of pendings %s", acct.Reserved, sum)

	total := new(big.Int).Add(acct.ClaimedTotal, acct.Reserved)
	total.Add(total, claimable)
	require.Zero(t, total.Cmp(entitlement), "claimed+reserved+claimable %s != entitlement %s", total, entitlement)
}

func TestLedgerReserveConfirmScenario(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ledger := newTestLedger(t, clock)
	entitlement := new(big.Int).Mul(big.NewInt(100), unitScale(18))

	claimable, err := ledger.Claimable(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "100000000000000000000", claimable.String())

	res, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "100000000000000000000", res.Amount.String())
	require.EqualValues(t, 1, res.Nonce)
	require.Equal(t, clock.Now().Add(300*time.Second).Unix(), res.ExpiresAt.Unix())

	claimable, err = ledger.Claimable(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Zero(t, claimable.Sign())
	assertInvariants(t, ledger, testAddr, entitlement)

	ok, err := ledger.ConfirmReservation(ctx, testAddr, 1, mustBig(t, "100000000000000000000"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.ConfirmReservation(ctx, testAddr, 1, mustBig(t, "100000000000000000000"))
	require.NoError(t, err)
	require.False(t, ok, "second confirm must fail")

	acct, err := ledger.Account(ctx, testAddr)
	require.NoError(t, err)
	require.Equal(t, "100000000000000000000", acct.ClaimedTotal.String())
	require.Zero(t, acct.Reserved.Sign())
	require.Empty(t, acct.Pendings)
	assertInvariants(t, ledger, testAddr, entitlement)
}

func TestLedgerExpiredReservationIsSwept(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ledger := newTestLedger(t, clock)
	entitlement := big.NewInt(500)

	res, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "500", res.Amount.String())

	clock.Advance(DefaultReserveTTL - time.Second)
	claimable, err := ledger.Claimable(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Zero(t, claimable.Sign(), "reservation still live one second before expiry")

	clock.Advance(time.Second)
	claimable, err = ledger.Claimable(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "500", claimable.String())

	acct, err := ledger.Account(ctx, testAddr)
	require.NoError(t, err)
	require.Zero(t, acct.Reserved.Sign())
	require.Empty(t, acct.Pendings)

	ok, err := ledger.ConfirmReservation(ctx, testAddr, res.Nonce, res.Amount)
	require.NoError(t, err)
	require.False(t, ok, "expired reservation must not settle")
}

func TestLedgerNonceNeverReused(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ledger := newTestLedger(t, clock)
	entitlement := big.NewInt(10)

	first, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	clock.Advance(DefaultReserveTTL)
	second, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Greater(t, second.Nonce, first.Nonce)
}

func TestLedgerCapReservation(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ledger := newTestLedger(t, clock)
	entitlement := big.NewInt(100)

	res, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)

	capped, err := ledger.CapReservationAmount(ctx, testAddr, res.Nonce, big.NewInt(40))
	require.NoError(t, err)
	require.Equal(t, "40", capped.String())

	acct, err := ledger.Account(ctx, testAddr)
	require.NoError(t, err)
	require.Equal(t, "40", acct.Reserved.String(), "reserved dropped by exactly the 60 delta")
	assertInvariants(t, ledger, testAddr, entitlement)

	again, err := ledger.CapReservationAmount(ctx, testAddr, res.Nonce, big.NewInt(90))
	require.NoError(t, err)
	require.Equal(t, "40", again.String(), "cap never increases a reservation")

	ok, err := ledger.ConfirmReservation(ctx, testAddr, res.Nonce, big.NewInt(100))
	require.NoError(t, err)
	require.False(t, ok, "stale pre-cap amount must not confirm")

	ok, err = ledger.ConfirmReservation(ctx, testAddr, res.Nonce, big.NewInt(40))
	require.NoError(t, err)
	require.True(t, ok)
	assertInvariants(t, ledger, testAddr, entitlement)

	claimable, err := ledger.Claimable(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "60", claimable.String())
}

func TestLedgerCapErrors(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, newTestClock())

	_, err := ledger.CapReservationAmount(ctx, testAddr, 7, big.NewInt(1))
	require.ErrorIs(t, err, ErrReservationNotFound)

	_, err = ledger.CapReservationAmount(ctx, testAddr, 7, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedgerNothingToReserve(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	ledger, err := NewLedger(db)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, testAddr, big.NewInt(0))
	require.ErrorIs(t, err, ErrNothingToReserve)
	_, err = db.Get(ctx, accountKeyPrefix+testAddr)
	require.ErrorIs(t, err, storage.ErrNotFound, "no record created for an empty reserve")
}

func TestLedgerStackedReservationsRespectLimit(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ledger := newTestLedger(t, clock, WithMaxLiveReservations(2))
	entitlement := big.NewInt(10)

	first, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "10", first.Amount.String())

	// Entitlement grew while the first hold is live.
	entitlement = big.NewInt(25)
	second, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "15", second.Amount.String(), "stacked reserve uses the remaining claimable")

	entitlement = big.NewInt(30)
	_, err = ledger.Reserve(ctx, testAddr, entitlement)
	require.ErrorIs(t, err, ErrTooManyReservations)
	assertInvariants(t, ledger, testAddr, entitlement)

	released, err := ledger.Release(ctx, testAddr, first.Nonce)
	require.NoError(t, err)
	require.True(t, released)
	released, err = ledger.Release(ctx, testAddr, first.Nonce)
	require.NoError(t, err)
	require.False(t, released)

	third, err := ledger.Reserve(ctx, testAddr, entitlement)
	require.NoError(t, err)
	require.Equal(t, "15", third.Amount.String())
	assertInvariants(t, ledger, testAddr, entitlement)
}

func TestLedgerRandomSequenceKeepsInvariants(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	ledger := newTestLedger(t, clock, WithMaxLiveReservations(0))
	entitlement := big.NewInt(1_000)

	var live []Reservation
	steps := []string{"reserve", "grow", "reserve", "cap", "confirm", "expire", "reserve", "grow", "reserve", "confirm", "release", "expire", "reserve", "confirm"}
	for i, step := range steps {
		switch step {
		case "reserve":
			res, err := ledger.Reserve(ctx, testAddr, entitlement)
			if errors.Is(err, ErrNothingToReserve) {
				break
			}
			require.NoError(t, err, "step %d", i)
			live = append(live, res)
		case "grow":
			entitlement = new(big.Int).Add(entitlement, big.NewInt(250))
		case "cap":
			if len(live) == 0 {
				break
			}
			last := &live[len(live)-1]
			half := new(big.Int).Div(last.Amount, big.NewInt(2))
			if half.Sign() == 0 {
				break
			}
			got, err := ledger.CapReservationAmount(ctx, testAddr, last.Nonce, half)
			require.NoError(t, err)
			last.Amount = got
		case "confirm":
			if len(live) == 0 {
				break
			}
			res := live[0]
			live = live[1:]
			ok, err := ledger.ConfirmReservation(ctx, testAddr, res.Nonce, res.Amount)
			require.NoError(t, err)
			require.True(t, ok, "step %d", i)
		case "release":
			if len(live) == 0 {
				break
			}
			res := live[len(live)-1]
			live = live[:len(live)-1]
			ok, err := ledger.Release(ctx, testAddr, res.Nonce)
			require.NoError(t, err)
			require.True(t, ok)
		case "expire":
			clock.Advance(DefaultReserveTTL)
			live = nil
		}
		assertInvariants(t, ledger, testAddr, entitlement)
	}
}

func TestLedgerConcurrentReservesOnSharedRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	entitlement := big.NewInt(1_000)

	// Two ledgers model two service instances sharing one store.
	var ledgers []*Ledger
	for i := 0; i < 2; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		ledger, err := NewLedger(storage.NewRedisDBFromClient(client, "claimd:", 64), WithMaxLiveReservations(0))
		require.NoError(t, err)
		ledgers = append(ledgers, ledger)
	}

	const workers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := new(big.Int)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(l *Ledger) {
			defer wg.Done()
			res, err := l.Reserve(ctx, testAddr, entitlement)
			if err != nil {
				if !errors.Is(err, ErrNothingToReserve) && !errors.Is(err, storage.ErrConflict) {
					t.Errorf("reserve: %v", err)
				}
				return
			}
			mu.Lock()
			total.Add(total, res.Amount)
			mu.Unlock()
		}(ledgers[i%2])
	}
	wg.Wait()

	require.Equal(t, "1000", total.String(), "reservations must never exceed entitlement")
	acct, err := ledgers[0].Account(ctx, testAddr)
	require.NoError(t, err)
	require.Equal(t, "1000", acct.Reserved.String())
	assertInvariants(t, ledgers[1], testAddr, entitlement)
}

func TestLedgerPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger")
	clock := newTestClock()

	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	ledger, err := NewLedger(db, WithLedgerClock(clock.Now))
	require.NoError(t, err)
	res, err := ledger.Reserve(ctx, testAddr, big.NewInt(77))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ledger, err = NewLedger(db, WithLedgerClock(clock.Now))
	require.NoError(t, err)
	ok, err := ledger.ConfirmReservation(ctx, testAddr, res.Nonce, big.NewInt(77))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerCorruptRecord(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemDB()
	require.NoError(t, db.Set(ctx, accountKeyPrefix+testAddr, []byte("{not json"), 0))
	ledger, err := NewLedger(db)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, testAddr, big.NewInt(5))
	require.ErrorIs(t, err, ErrCorruptRecord)
	require.Equal(t, CategoryBackend, Classify(err))
}
