package query

import (
	"time"

	"github.com/google/uuid"

	"RateEngine/internal/core"
	"RateEngine/internal/math"
)

// RateResponse is one quote as served to API clients. Fixed-point values
// serialize as raw integer strings.
type RateResponse struct {
	QuoteID       uuid.UUID `json:"quote_id"`
	IlkIndex      uint8     `json:"ilk_index"`
	Sequence      int64     `json:"sequence"`
	YieldApy      math.Apy  `json:"yield_apy"`
	Utilization   math.Ray  `json:"utilization"`
	BorrowRate    math.Ray  `json:"borrow_rate"` // per second
	BorrowAPY     math.Apy  `json:"borrow_apy"`  // derived at query time
	ReserveFactor math.Ray  `json:"reserve_factor"`
	MinimumCurve  bool      `json:"minimum_curve"`
	Timestamp     time.Time `json:"timestamp"`
	AsOfSequence  int64     `json:"as_of_sequence"`
}

// IntegrityReport is the result of walking the event log hash chain.
type IntegrityReport struct {
	IsHealthy     bool   `json:"is_healthy"`
	EventsChecked int64  `json:"events_checked"`
	Error         string `json:"error,omitempty"`
}

func newRateResponse(q core.RateQuote, asOf int64) (RateResponse, error) {
	apy, err := math.PerSecondToAnnual(q.BorrowRate)
	if err != nil {
		return RateResponse{}, err
	}
	return RateResponse{
		QuoteID:       q.QuoteID,
		IlkIndex:      q.IlkIndex,
		Sequence:      q.Sequence,
		YieldApy:      q.Yield,
		Utilization:   q.Utilization,
		BorrowRate:    q.BorrowRate,
		BorrowAPY:     apy,
		ReserveFactor: q.ReserveFactor,
		MinimumCurve:  q.MinimumCurve,
		Timestamp:     q.Timestamp,
		AsOfSequence:  asOf,
	}, nil
}
