package projection_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateEngine/internal/core"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
	"RateEngine/internal/projection"
)

func quote(ilk uint8, seq int64, rate uint64) core.RateQuote {
	return core.RateQuote{
		QuoteID:    uuid.New(),
		Sequence:   seq,
		IlkIndex:   ilk,
		BorrowRate: math.FromUint64[math.Ray](rate),
		Timestamp:  time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestRateHistoryKeepsNewestFirst(t *testing.T) {
	h := projection.NewRateHistory(3)
	for seq := int64(1); seq <= 5; seq++ {
		require.True(t, h.Add(quote(0, seq, uint64(seq*10))))
	}
	h.Add(quote(1, 6, 1))

	got := h.History(0, 10)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{got[0].Sequence, got[1].Sequence, got[2].Sequence})

	assert.Len(t, h.History(0, 2), 2)
	assert.Empty(t, h.History(0, 0))
	assert.Empty(t, h.History(7, 5))

	latest, ok := h.Latest(0)
	require.True(t, ok)
	assert.Equal(t, int64(5), latest.Sequence)
	assert.Equal(t, int64(6), h.LastSequence())
}

func TestRateHistoryIgnoresOlderQuotes(t *testing.T) {
	h := projection.NewRateHistory(4)
	require.True(t, h.Add(quote(0, 10, 1)))
	assert.False(t, h.Add(quote(0, 10, 2)))
	assert.False(t, h.Add(quote(0, 9, 3)))

	latest, ok := h.Latest(0)
	require.True(t, ok)
	assert.Equal(t, "1", latest.BorrowRate.String())

	_, ok = h.Latest(1)
	assert.False(t, ok)
	assert.Equal(t, int64(-1), projection.NewRateHistory(1).LastSequence())
}

func TestLatestRateWorkerMemoryOnly(t *testing.T) {
	h := projection.NewRateHistory(8)
	in := make(chan core.CoreOutput, 4)
	w := projection.NewLatestRateWorker(nil, h, in,
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	q1, q2 := quote(0, 1, 100), quote(1, 2, 200)
	in <- core.CoreOutput{Quote: &q1}
	in <- core.CoreOutput{} // yield updates carry no quote
	in <- core.CoreOutput{Quote: &q2}
	close(in)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(2), w.LastSequence())

	latest, ok := h.Latest(1)
	require.True(t, ok)
	assert.Equal(t, q2.QuoteID, latest.QuoteID)
}

func TestLatestRateWorkerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := projection.NewLatestRateWorker(nil, nil, make(chan core.CoreOutput), nil, zerolog.Nop())
	assert.ErrorIs(t, w.Run(ctx), context.Canceled)
	assert.Equal(t, int64(-1), w.LastSequence())
}
