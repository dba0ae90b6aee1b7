package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"RateEngine/internal/event"
	"RateEngine/internal/math"
	"RateEngine/internal/rates"
)

var ErrMalformedEvent = errors.New("malformed event")

// ParseRawEvent decodes a RawEvent into a typed event.Event according to
// raw.EventType. When the subject ends in a numeric token it must agree
// with the payload's ilk_index.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	var (
		evt event.Event
		err error
	)
	switch raw.EventType {
	case event.EventTypeYieldUpdate:
		evt, err = parseYieldUpdate(raw.Data)
	case event.EventTypeUtilizationSnapshot:
		evt, err = parseUtilizationSnapshot(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", raw.EventType, ErrMalformedEvent)
	}
	if err != nil {
		return nil, err
	}

	if ilk, ok := subjectIlk(raw.Subject); ok && ilk != evt.Ilk() {
		return nil, fmt.Errorf("subject %s carries ilk %d, payload %d: %w",
			raw.Subject, ilk, evt.Ilk(), ErrMalformedEvent)
	}
	return evt, nil
}

// subjectIlk extracts the collateral index from "rates.<kind>.<ilk>".
func subjectIlk(subject string) (uint8, bool) {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(subject[i+1:], 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

// --- JSON wire formats ---
// Fixed-point amounts are raw integers encoded as decimal strings, since
// they exceed the range JSON numbers survive in most producers.

type yieldUpdateJSON struct {
	IlkIndex    *uint8 `json:"ilk_index"`
	Apy         string `json:"apy"` // 8 decimals
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
	Source      string `json:"source"`
}

type utilizationSnapshotJSON struct {
	IlkIndex       *uint8 `json:"ilk_index"`
	TotalIlkDebt   string `json:"total_ilk_debt"`   // 45 decimals
	TotalEthSupply string `json:"total_eth_supply"` // 18 decimals
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parseYieldUpdate(data []byte) (*event.YieldUpdate, error) {
	var j yieldUpdateJSON
	if err := decodeJSON(data, &j); err != nil {
		return nil, fmt.Errorf("parse YieldUpdate: %w", err)
	}
	ilk, err := checkHeader(j.IlkIndex, j.Sequence, j.TimestampUs)
	if err != nil {
		return nil, fmt.Errorf("parse YieldUpdate: %w", err)
	}
	apy, err := parseAmount[math.Apy]("apy", j.Apy)
	if err != nil {
		return nil, fmt.Errorf("parse YieldUpdate: %w", err)
	}

	return &event.YieldUpdate{
		IlkIndex:  ilk,
		Apy:       apy,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
		Source:    j.Source,
	}, nil
}

func parseUtilizationSnapshot(data []byte) (*event.UtilizationSnapshot, error) {
	var j utilizationSnapshotJSON
	if err := decodeJSON(data, &j); err != nil {
		return nil, fmt.Errorf("parse UtilizationSnapshot: %w", err)
	}
	ilk, err := checkHeader(j.IlkIndex, j.Sequence, j.TimestampUs)
	if err != nil {
		return nil, fmt.Errorf("parse UtilizationSnapshot: %w", err)
	}
	debt, err := parseAmount[math.Rad]("total_ilk_debt", j.TotalIlkDebt)
	if err != nil {
		return nil, fmt.Errorf("parse UtilizationSnapshot: %w", err)
	}
	supply, err := parseAmount[math.Wad]("total_eth_supply", j.TotalEthSupply)
	if err != nil {
		return nil, fmt.Errorf("parse UtilizationSnapshot: %w", err)
	}

	return &event.UtilizationSnapshot{
		IlkIndex:       ilk,
		TotalIlkDebt:   debt,
		TotalEthSupply: supply,
		Sequence:       j.Sequence,
		Timestamp:      time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedEvent)
	}
	return nil
}

func checkHeader(ilk *uint8, sequence, timestampUs int64) (uint8, error) {
	switch {
	case ilk == nil:
		return 0, fmt.Errorf("ilk_index missing: %w", ErrMalformedEvent)
	case *ilk >= rates.Capacity:
		return 0, fmt.Errorf("ilk_index %d >= %d: %w", *ilk, rates.Capacity, ErrMalformedEvent)
	case sequence < 0:
		return 0, fmt.Errorf("negative sequence %d: %w", sequence, ErrMalformedEvent)
	case timestampUs <= 0:
		return 0, fmt.Errorf("timestamp_us missing: %w", ErrMalformedEvent)
	}
	return *ilk, nil
}

func parseAmount[T math.Scaled](field, s string) (T, error) {
	if s == "" {
		return T{}, fmt.Errorf("%s missing: %w", field, ErrMalformedEvent)
	}
	v, err := math.FromDecimal[T](s)
	if err != nil {
		return T{}, fmt.Errorf("%s: %v: %w", field, err, ErrMalformedEvent)
	}
	return v, nil
}
