package observability

import (
	"math/big"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	fpmath "RateEngine/internal/math"
)

// Metrics holds all Prometheus metrics for the rate engine.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreSequence       prometheus.Gauge

	// --- Rate Model ---
	QuotesComputed   *prometheus.CounterVec
	QuoteErrors      *prometheus.CounterVec
	QuoteDuration    prometheus.Histogram
	BorrowRateAPR    *prometheus.GaugeVec
	UtilizationRatio *prometheus.GaugeVec
	ReserveFactor    *prometheus.GaugeVec
	YieldUpdates     *prometheus.CounterVec
	YieldAPY         *prometheus.GaugeVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistQuotesWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Projection ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Recovery ---
	RecoveryEventsLoaded prometheus.Counter
	RecoveryDuration     prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rate_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "rate_core_sequence",
			Help: "Current global sequence number",
		}),

		// Rate Model
		QuotesComputed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_quotes_computed_total",
			Help: "Rate quotes computed, by winning curve",
		}, []string{"ilk", "curve"}),

		QuoteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_quote_errors_total",
			Help: "Rate computations that failed",
		}, []string{"reason"}),

		QuoteDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rate_quote_duration_seconds",
			Help:    "Time to evaluate the rate curve",
			Buckets: latencyBuckets,
		}),

		BorrowRateAPR: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_borrow_rate_apr",
			Help: "Latest borrow rate, annualized (1.0 = 100%)",
		}, []string{"ilk"}),

		UtilizationRatio: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_utilization_ratio",
			Help: "Latest utilization (1.0 = 100%)",
		}, []string{"ilk"}),

		ReserveFactor: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_reserve_factor_ratio",
			Help: "Latest reserve factor (1.0 = 100%)",
		}, []string{"ilk"}),

		YieldUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_yield_updates_total",
			Help: "Yield readings received (applied/ignored)",
		}, []string{"ilk", "result"}),

		YieldAPY: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_yield_apy_ratio",
			Help: "Latest applied yield (1.0 = 100%)",
		}, []string{"ilk"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rate_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_publish_drops_total",
			Help: "Quotes dropped due to full publish channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "rate_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistQuotesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_persist_quotes_written_total",
			Help: "Rate quotes written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rate_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rate_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "rate_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Projection
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rate_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		// Recovery
		RecoveryEventsLoaded: f.NewCounter(prometheus.CounterOpts{
			Name: "rate_recovery_events_loaded_total",
			Help: "Events read back from the log on startup",
		}),

		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "rate_recovery_duration_seconds",
			Help: "Total recovery time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rate_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}

// ObserveQuote records the gauges and counters of one computed quote.
// borrowRate is per second; it is annualized for the gauge.
func (m *Metrics) ObserveQuote(ilk uint8, borrowRate, utilization, reserveFactor fpmath.Ray, minimumCurve bool) {
	label := strconv.Itoa(int(ilk))
	curve := "adjusted"
	if minimumCurve {
		curve = "minimum"
	}
	m.QuotesComputed.WithLabelValues(label, curve).Inc()
	m.BorrowRateAPR.WithLabelValues(label).Set(Ratio(borrowRate, fpmath.RayDecimals) * fpmath.SecondsInAYear)
	m.UtilizationRatio.WithLabelValues(label).Set(Ratio(utilization, fpmath.RayDecimals))
	m.ReserveFactor.WithLabelValues(label).Set(Ratio(reserveFactor, fpmath.RayDecimals))
}

// ObserveYield records a yield reading and whether the feed accepted it.
func (m *Metrics) ObserveYield(ilk uint8, apy fpmath.Apy, applied bool) {
	label := strconv.Itoa(int(ilk))
	if !applied {
		m.YieldUpdates.WithLabelValues(label, "ignored").Inc()
		return
	}
	m.YieldUpdates.WithLabelValues(label, "applied").Inc()
	m.YieldAPY.WithLabelValues(label).Set(Ratio(apy, fpmath.ApyDecimals))
}

// Ratio converts a fixed-point value to a float for gauges. Precision
// loss is acceptable here; never use the result for pricing.
func Ratio[T fpmath.Scaled](x T, decimals int) float64 {
	num := new(big.Float).SetInt(fpmath.U256(x).ToBig())
	den := new(big.Float).SetInt(fpmath.Pow10(decimals).ToBig())
	r, _ := num.Quo(num, den).Float64()
	return r
}
