package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateEngine/internal/event"
	"RateEngine/internal/ingestion"
)

func rawFromJSON(t *testing.T, subject string, eventType event.EventType, v any) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:   subject,
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseYieldUpdate(t *testing.T) {
	payload := map[string]any{
		"ilk_index":    1,
		"apy":          "5000000",
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
		"source":       "lido",
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "rates.yield.1", event.EventTypeYieldUpdate, payload))
	require.NoError(t, err)

	y, ok := evt.(*event.YieldUpdate)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, uint8(1), y.IlkIndex)
	assert.Equal(t, "5000000", y.Apy.String())
	assert.Equal(t, int64(42), y.Sequence)
	assert.Equal(t, time.UnixMicro(1700000000000000).UTC(), y.Timestamp)
	assert.Equal(t, "lido", y.Source)
	assert.Equal(t, "yield:1:42", y.IdempotencyKey())
}

func TestParseUtilizationSnapshot(t *testing.T) {
	payload := map[string]any{
		"ilk_index":        0,
		"total_ilk_debt":   "25000000000000000000000000000000000000000000000",
		"total_eth_supply": "100000000000000000000",
		"sequence":         int64(7),
		"timestamp_us":     int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "rates.utilization.0", event.EventTypeUtilizationSnapshot, payload))
	require.NoError(t, err)

	u, ok := evt.(*event.UtilizationSnapshot)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, "25000000000000000000000000000000000000000000000", u.TotalIlkDebt.String())
	assert.Equal(t, "100000000000000000000", u.TotalEthSupply.String())
	assert.Equal(t, "util:0", u.Partition())
}

func TestParseRejectsMalformedPayloads(t *testing.T) {
	valid := func() map[string]any {
		return map[string]any{
			"ilk_index":        2,
			"total_ilk_debt":   "1",
			"total_eth_supply": "1",
			"sequence":         int64(1),
			"timestamp_us":     int64(1),
		}
	}

	cases := map[string]func(m map[string]any){
		"missing ilk":      func(m map[string]any) { delete(m, "ilk_index") },
		"ilk out of range": func(m map[string]any) { m["ilk_index"] = 8 },
		"negative seq":     func(m map[string]any) { m["sequence"] = -1 },
		"missing time":     func(m map[string]any) { delete(m, "timestamp_us") },
		"missing debt":     func(m map[string]any) { delete(m, "total_ilk_debt") },
		"hex debt":         func(m map[string]any) { m["total_ilk_debt"] = "0x10" },
		"negative supply":  func(m map[string]any) { m["total_eth_supply"] = "-1" },
		"numeric debt":     func(m map[string]any) { m["total_ilk_debt"] = 12 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := valid()
			mutate(m)
			_, err := ingestion.ParseRawEvent(rawFromJSON(t, "rates.utilization.2", event.EventTypeUtilizationSnapshot, m))
			assert.ErrorIs(t, err, ingestion.ErrMalformedEvent)
		})
	}
}

func TestParseRejectsSubjectIlkMismatch(t *testing.T) {
	payload := map[string]any{"ilk_index": 1, "apy": "1", "sequence": 1, "timestamp_us": 1}
	_, err := ingestion.ParseRawEvent(rawFromJSON(t, "rates.yield.3", event.EventTypeYieldUpdate, payload))
	assert.ErrorIs(t, err, ingestion.ErrMalformedEvent)

	// A non-numeric last token is not an ilk.
	_, err = ingestion.ParseRawEvent(rawFromJSON(t, "rates.yield.steth", event.EventTypeYieldUpdate, payload))
	assert.NoError(t, err)
}

func TestParseUnknownEventTypeFails(t *testing.T) {
	_, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ingestion.ErrMalformedEvent)
}

func TestParseInvalidJSONFails(t *testing.T) {
	_, err := ingestion.ParseRawEvent(ingestion.RawEvent{EventType: event.EventTypeYieldUpdate, Data: []byte(`{not json`)})
	assert.ErrorIs(t, err, ingestion.ErrMalformedEvent)
}

func TestResolveEventType(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	assert.Equal(t, event.EventTypeYieldUpdate, ingestion.ResolveEventType("rates.yield.0", subjects))
	assert.Equal(t, event.EventTypeUtilizationSnapshot, ingestion.ResolveEventType("rates.utilization.7", subjects))
	assert.Equal(t, event.EventTypeUnknown, ingestion.ResolveEventType("rates.quotes.0", subjects))
}
