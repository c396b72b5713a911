package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimMetricsOnce sync.Once
	claimRegistry    *ClaimMetrics
)

// ClaimMetrics wraps collectors tracking reservation and settlement health.
type ClaimMetrics struct {
	reservations *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	released     *prometheus.CounterVec
	capped       prometheus.Counter
	reservedWei  prometheus.Counter
	settledWei   prometheus.Counter
	storage      *prometheus.CounterVec
	poolLookups  *prometheus.CounterVec
	poolBalance  prometheus.Gauge
	auth         *prometheus.CounterVec
	claimLatency prometheus.Histogram
}

// Claims exposes the lazily initialised metrics registry for the claim service.
func Claims() *ClaimMetrics {
	claimMetricsOnce.Do(func() {
		claimRegistry = &ClaimMetrics{
			reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "ledger",
				Name:      "reservations_total",
				Help:      "Reserve attempts segmented by outcome.",
			}, []string{"outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "ledger",
				Name:      "settlements_total",
				Help:      "Confirm attempts segmented by outcome.",
			}, []string{"outcome"}),
			released: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "ledger",
				Name:      "released_reservations_total",
				Help:      "Reservations dropped without settlement, by reason (expired, released).",
			}, []string{"reason"}),
			capped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "ledger",
				Name:      "capped_reservations_total",
				Help:      "Reservations shrunk to fit the reward pool balance.",
			}),
			reservedWei: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "ledger",
				Name:      "reserved_units_total",
				Help:      "Token units placed on hold (float approximation).",
			}),
			settledWei: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "ledger",
				Name:      "settled_units_total",
				Help:      "Token units moved into claimed totals (float approximation).",
			}),
			storage: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "storage",
				Name:      "errors_total",
				Help:      "Storage backend failures segmented by ledger operation.",
			}, []string{"operation"}),
			poolLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "pool",
				Name:      "balance_lookups_total",
				Help:      "Pool balance reads segmented by source (cache, chain, error).",
			}, []string{"source"}),
			poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "claimd",
				Subsystem: "pool",
				Name:      "balance_units",
				Help:      "Most recent on-chain reward pool balance (float approximation).",
			}),
			auth: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "claimd",
				Subsystem: "auth",
				Name:      "events_total",
				Help:      "Sign-in events segmented by step and outcome.",
			}, []string{"step", "outcome"}),
			claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "claimd",
				Subsystem: "http",
				Name:      "claim_duration_seconds",
				Help:      "Latency distribution for claim authorization issuance.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			claimRegistry.reservations,
			claimRegistry.settlements,
			claimRegistry.released,
			claimRegistry.capped,
			claimRegistry.reservedWei,
			claimRegistry.settledWei,
			claimRegistry.storage,
			claimRegistry.poolLookups,
			claimRegistry.poolBalance,
			claimRegistry.auth,
			claimRegistry.claimLatency,
		)
	})
	return claimRegistry
}

// RecordReservation counts a reserve attempt. amount may be nil for failures.
func (m *ClaimMetrics) RecordReservation(outcome string, amount *big.Int) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(label(outcome)).Inc()
	if amount != nil && amount.Sign() > 0 {
		m.reservedWei.Add(bigToFloat(amount))
	}
}

// RecordSettlement counts a confirm attempt.
func (m *ClaimMetrics) RecordSettlement(confirmed bool, amount *big.Int) {
	if m == nil {
		return
	}
	if !confirmed {
		m.settlements.WithLabelValues("rejected").Inc()
		return
	}
	m.settlements.WithLabelValues("confirmed").Inc()
	if amount != nil && amount.Sign() > 0 {
		m.settledWei.Add(bigToFloat(amount))
	}
}

// RecordReleased counts reservations removed without settlement.
func (m *ClaimMetrics) RecordReleased(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.released.WithLabelValues(label(reason)).Add(float64(count))
}

// RecordCapped counts a reservation trimmed to the pool balance.
func (m *ClaimMetrics) RecordCapped() {
	if m == nil {
		return
	}
	m.capped.Inc()
}

// RecordStorageError counts a backend failure for the ledger operation.
func (m *ClaimMetrics) RecordStorageError(operation string) {
	if m == nil {
		return
	}
	m.storage.WithLabelValues(label(operation)).Inc()
}

// RecordPoolLookup counts a pool balance read and updates the balance gauge.
func (m *ClaimMetrics) RecordPoolLookup(source string, balance *big.Int) {
	if m == nil {
		return
	}
	m.poolLookups.WithLabelValues(label(source)).Inc()
	if balance != nil {
		m.poolBalance.Set(bigToFloat(balance))
	}
}

// RecordAuth counts a sign-in step (nonce, verify) outcome.
func (m *ClaimMetrics) RecordAuth(step, outcome string) {
	if m == nil {
		return
	}
	m.auth.WithLabelValues(label(step), label(outcome)).Inc()
}

// ObserveClaim records how long a claim request took.
func (m *ClaimMetrics) ObserveClaim(d time.Duration) {
	if m == nil {
		return
	}
	m.claimLatency.Observe(d.Seconds())
}

func label(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return "unspecified"
	}
	return v
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
