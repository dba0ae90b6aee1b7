package core_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateEngine/internal/core"
	"RateEngine/internal/event"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
	"RateEngine/internal/oracle"
	"RateEngine/internal/rates"
)

// --- Test helpers ---

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *rates.ConfigStore {
	t.Helper()
	cfg := rates.CollateralRateConfig{
		AdjustedAboveKinkSlope: math.FromUint64[math.Bps](2500),
		MinimumAboveKinkSlope:  math.FromUint64[math.Bps](1000),
		AdjustedReserveFactor:  math.FromUint64[math.Bps](1000),
		MinimumReserveFactor:   math.FromUint64[math.Bps](2000),
		OptimalUtilizationRate: math.FromUint64[math.Bps](9000),
		DistributionFactor:     math.FromUint64[math.Bps](5000),
	}
	store, err := rates.NewConfigStore([]rates.CollateralRateConfig{cfg, cfg})
	require.NoError(t, err)
	return store
}

type harness struct {
	engine  *core.QuoteEngine
	feed    *oracle.Feed
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	metrics *observability.Metrics
}

func newHarness(t *testing.T, maxAge time.Duration) *harness {
	t.Helper()
	h := &harness{
		feed:    oracle.NewFeed(),
		persist: make(chan core.CoreOutput, 64),
		proj:    make(chan core.CoreOutput, 64),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.engine = core.NewQuoteEngine(testStore(t), h.feed, core.EngineConfig{
		LRUCapacity:    128,
		YieldMaxAge:    maxAge,
		Metrics:        h.metrics,
		Logger:         zerolog.Nop(),
		PersistChan:    h.persist,
		ProjectionChan: h.proj,
	})
	return h
}

func yieldUpdate(ilk uint8, apy uint64, seq int64) *event.YieldUpdate {
	return &event.YieldUpdate{
		IlkIndex:  ilk,
		Apy:       math.FromUint64[math.Apy](apy),
		Sequence:  seq,
		Timestamp: t0.Add(time.Duration(seq) * time.Second),
	}
}

func snapshot(ilk uint8, debt string, seq int64) *event.UtilizationSnapshot {
	return &event.UtilizationSnapshot{
		IlkIndex:       ilk,
		TotalIlkDebt:   math.MustFromDecimal[math.Rad](debt),
		TotalEthSupply: math.MustFromDecimal[math.Wad]("100000000000000000000"),
		Sequence:       seq,
		Timestamp:      t0.Add(time.Duration(seq) * time.Second),
	}
}

const debt25 = "25000000000000000000000000000000000000000000000"

// --- Tests ---

func TestSnapshotIsPricedWithLatestYield(t *testing.T) {
	h := newHarness(t, 0)

	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 1)))

	yieldOut := <-h.persist
	assert.Nil(t, yieldOut.Quote)
	assert.Equal(t, event.EventTypeYieldUpdate, yieldOut.Envelope.EventType)
	assert.Equal(t, core.GenesisHash(), yieldOut.Envelope.PrevHash)

	out := <-h.persist
	require.NotNil(t, out.Quote)
	q := out.Quote
	assert.Equal(t, int64(1), q.Sequence)
	assert.Equal(t, "500000000000000000000000000", q.Utilization.String())
	assert.Equal(t, "880827555104571847", q.BorrowRate.String())
	assert.Equal(t, "100000000000000000000000000", q.ReserveFactor.String())
	assert.Equal(t, "5000000", q.Yield.String())
	assert.Equal(t, yieldOut.Envelope.Hash, out.Envelope.PrevHash)
	assert.Equal(t, out.Envelope.Hash, q.Hash)
	assert.Equal(t, h.engine.ChainTip(), q.Hash)

	projected := <-h.proj
	assert.Equal(t, q.QuoteID, projected.Quote.QuoteID)
	assert.Len(t, h.proj, 0, "yield updates are not projected")
}

func TestHashChainIsDeterministic(t *testing.T) {
	run := func() [32]byte {
		h := newHarness(t, 0)
		require.NoError(t, h.engine.ProcessEvent(yieldUpdate(1, 3_000_000, 10)))
		require.NoError(t, h.engine.ProcessEvent(snapshot(1, debt25, 4)))
		require.NoError(t, h.engine.ProcessEvent(snapshot(1, "0", 5)))
		return h.engine.ChainTip()
	}
	assert.Equal(t, run(), run())
}

func TestDuplicateEventsAreSkipped(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 1)))

	assert.Len(t, h.persist, 2)
	assert.Equal(t, int64(2), h.engine.Sequence())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CoreEventsRejected.WithLabelValues("UtilizationSnapshot", "duplicate")))
}

func TestUtilizationSequenceNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 7)))

	// A gap cannot be filled later, so the snapshot is priced and counted.
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 9)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventSequenceGap.WithLabelValues("util:0")))

	err := h.engine.ProcessEvent(snapshot(0, "1", 8))
	require.ErrorIs(t, err, core.ErrOutOfOrder)

	err = h.engine.ProcessEvent(snapshot(0, "1", 3))
	require.ErrorIs(t, err, core.ErrOutOfOrder)
	assert.Len(t, h.persist, 3)

	// Partitions are per collateral.
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(1, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(1, debt25, 100)))
}

func TestFailedSnapshotDoesNotConsumeSequence(t *testing.T) {
	h := newHarness(t, time.Minute)
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 1)))

	late := snapshot(0, debt25, 2)
	late.Timestamp = t0.Add(5 * time.Minute)
	require.ErrorIs(t, h.engine.ProcessEvent(late), oracle.ErrStaleYield)

	next, ok := h.engine.ExpectedSequence("util:0")
	require.True(t, ok)
	assert.Equal(t, int64(2), next)

	// A fresh yield arrives; both the retried and the following snapshot price.
	fresh := yieldUpdate(0, 6_000_000, 2)
	fresh.Timestamp = late.Timestamp
	require.NoError(t, h.engine.ProcessEvent(fresh))
	require.NoError(t, h.engine.ProcessEvent(late))
	following := snapshot(0, debt25, 3)
	following.Timestamp = late.Timestamp.Add(time.Second)
	require.NoError(t, h.engine.ProcessEvent(following))

	for _, want := range []int64{1, 2, 3} {
		out := <-h.persist
		if out.Quote == nil {
			out = <-h.persist
		}
		require.NotNil(t, out.Quote)
		assert.Equal(t, want, out.Envelope.SourceSequence)
	}
}

func TestSnapshotsResumeAfterUnloggedFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.engine.Restore(&core.RecoveryState{
		NextSequence: 1,
		Partitions:   map[string]int64{"util:0": 1, "yield:0": 2},
		Yields: map[uint8]oracle.Reading{
			0: {Apy: math.FromUint64[math.Apy](5_000_000), Sequence: 1, Timestamp: t0},
		},
	})

	// Sequence 1 failed before the restart and is not in the log.
	for seq := int64(2); seq <= 5; seq++ {
		require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, seq)))
	}
	assert.Len(t, h.persist, 4)
	next, _ := h.engine.ExpectedSequence("util:0")
	assert.Equal(t, int64(6), next)
}

type failingDedup struct{ calls int }

func (f *failingDedup) IsDuplicate(string, string) (bool, error) {
	f.calls++
	return false, errors.New("connection refused")
}

func TestDedupLookupFailureLeavesStateUntouched(t *testing.T) {
	persist := make(chan core.CoreOutput, 4)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	db := &failingDedup{}
	engine := core.NewQuoteEngine(testStore(t), oracle.NewFeed(), core.EngineConfig{
		LRUCapacity:    16,
		DBChecker:      db,
		Metrics:        metrics,
		Logger:         zerolog.Nop(),
		PersistChan:    persist,
		ProjectionChan: make(chan core.CoreOutput, 4),
	})

	err := engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1))
	require.ErrorIs(t, err, core.ErrDedupUnavailable)
	assert.Equal(t, 1, db.calls)
	assert.Len(t, persist, 0)
	assert.Equal(t, int64(0), engine.Sequence())
	_, seen := engine.ExpectedSequence("yield:0")
	assert.False(t, seen)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DedupTier2Errors))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CoreEventsRejected.WithLabelValues("YieldUpdate", "dedup_unavailable")))
}

func TestYieldSequenceToleratesGapsAndIgnoresStale(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 6_000_000, 5)))
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 1_000_000, 3)))

	got, err := h.feed.Yield(0)
	require.NoError(t, err)
	assert.Equal(t, "6000000", got.String())
	assert.Len(t, h.persist, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CoreEventsRejected.WithLabelValues("YieldUpdate", "stale")))
}

func TestSnapshotWithoutYieldFails(t *testing.T) {
	h := newHarness(t, 0)
	err := h.engine.ProcessEvent(snapshot(0, debt25, 1))
	require.ErrorIs(t, err, oracle.ErrNoReading)
	assert.Len(t, h.persist, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.QuoteErrors.WithLabelValues("no_yield")))
}

func TestStaleYieldIsJudgedByEventTime(t *testing.T) {
	h := newHarness(t, time.Minute)
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1))) // t0+1s

	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 30))) // t0+30s

	err := h.engine.ProcessEvent(snapshot(0, debt25, 31))
	require.NoError(t, err)

	late := snapshot(0, debt25, 32)
	late.Timestamp = t0.Add(5 * time.Minute)
	err = h.engine.ProcessEvent(late)
	require.ErrorIs(t, err, oracle.ErrStaleYield)
}

func TestUnknownIlkIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	err := h.engine.ProcessEvent(yieldUpdate(2, 5_000_000, 1))
	require.ErrorIs(t, err, rates.ErrCollateralIndexOutOfBounds)
	assert.Len(t, h.persist, 0)
}

func TestRestoreResumesChain(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.engine.ProcessEvent(yieldUpdate(0, 5_000_000, 1)))
	require.NoError(t, h.engine.ProcessEvent(snapshot(0, debt25, 1)))
	first := <-h.persist
	second := <-h.persist

	resumed := newHarness(t, 0)
	resumed.engine.Restore(&core.RecoveryState{
		NextSequence: 2,
		ChainTip:     second.Envelope.Hash,
		Partitions:   map[string]int64{"util:0": 2, "yield:0": 2},
		RecentKeys:   []string{core.CompositeKey("UtilizationSnapshot", "util:0:1")},
		Yields: map[uint8]oracle.Reading{
			0: {Apy: math.FromUint64[math.Apy](5_000_000), Sequence: 1, Timestamp: first.Envelope.Timestamp},
		},
	})

	require.NoError(t, resumed.engine.ProcessEvent(snapshot(0, debt25, 1)), "duplicate after restart")
	assert.Len(t, resumed.persist, 0)

	require.NoError(t, resumed.engine.ProcessEvent(snapshot(0, debt25, 2)))
	out := <-resumed.persist
	assert.Equal(t, int64(2), out.Envelope.Sequence)
	assert.Equal(t, second.Envelope.Hash, out.Envelope.PrevHash)
	assert.Equal(t, second.Quote.BorrowRate, out.Quote.BorrowRate)
}

func TestLRUEvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.WarmFromKeys([]string{"a", "b"})
	assert.True(t, lru.Contains("a")) // promote a
	lru.Add("c")

	assert.True(t, lru.Contains("a"))
	assert.False(t, lru.Contains("b"))
	assert.True(t, lru.Contains("c"))
	assert.Equal(t, int64(1), lru.Evictions())
	assert.Equal(t, 2, lru.Size())
}

func TestChainHashMatchesHasher(t *testing.T) {
	h := core.NewChainHasher()
	got := h.Next(0, []byte("digest"))
	assert.Equal(t, core.ChainHash(core.GenesisHash(), 0, []byte("digest")), got)
	assert.Equal(t, got, h.Tip())
}
