package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"RateEngine/internal/persistence"
	"RateEngine/internal/projection"
)

var ErrRateNotFound = errors.New("no rate quoted for collateral")

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

// RateReader serves rate queries. QueryService reads Postgres;
// MemoryService reads the in-process projection.
type RateReader interface {
	GetLatestRate(ctx context.Context, ilkIndex uint8) (*RateResponse, error)
	GetRateHistory(ctx context.Context, ilkIndex uint8, limit int) ([]RateResponse, error)
}

// ClampLimit maps a requested page size onto [1, MaxHistoryLimit], using
// DefaultHistoryLimit for zero or negative requests.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}

// QueryService provides read-only access to the latest-rate projection and
// the quote log. Responses carry as_of_sequence, the newest sequence the
// projection has applied.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetLatestRate returns the newest quote for a collateral.
func (qs *QueryService) GetLatestRate(ctx context.Context, ilkIndex uint8) (*RateResponse, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT q.quote_id, q.sequence, q.ilk_index, q.total_ilk_debt, q.total_eth_supply, q.yield_apy,
		       q.utilization, q.borrow_rate, q.reserve_factor, q.minimum_curve, q.hash, q.timestamp
		FROM projections.latest_rates lr
		JOIN rates.quotes q ON q.quote_id = lr.quote_id
		WHERE lr.ilk_index = $1
	`, int16(ilkIndex))

	q, err := projection.ScanQuote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ilk %d: %w", ilkIndex, ErrRateNotFound)
	}
	if err != nil {
		return nil, err
	}

	resp, err := newRateResponse(q, asOf)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRateHistory returns up to limit quotes for a collateral, newest first.
func (qs *QueryService) GetRateHistory(ctx context.Context, ilkIndex uint8, limit int) ([]RateResponse, error) {
	asOf, err := qs.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT quote_id, sequence, ilk_index, total_ilk_debt, total_eth_supply, yield_apy,
		       utilization, borrow_rate, reserve_factor, minimum_curve, hash, timestamp
		FROM rates.quotes
		WHERE ilk_index = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, int16(ilkIndex), ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []RateResponse
	for rows.Next() {
		q, err := projection.ScanQuote(rows)
		if err != nil {
			return nil, err
		}
		resp, err := newRateResponse(q, asOf)
		if err != nil {
			return nil, err
		}
		history = append(history, resp)
	}
	return history, rows.Err()
}

// VerifyIntegrity walks the event log hash chain from genesis.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	n, err := persistence.NewRecoveryLoader(qs.db, 0).VerifyChain(ctx)
	if errors.Is(err, persistence.ErrChainBroken) {
		return &IntegrityReport{IsHealthy: false, EventsChecked: n, Error: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &IntegrityReport{IsHealthy: true, EventsChecked: n}, nil
}

func (qs *QueryService) watermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := qs.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM projections.latest_rates`,
	).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// MemoryService answers rate queries from a RateHistory.
type MemoryService struct {
	history *projection.RateHistory
}

func NewMemoryService(history *projection.RateHistory) *MemoryService {
	return &MemoryService{history: history}
}

func (ms *MemoryService) GetLatestRate(_ context.Context, ilkIndex uint8) (*RateResponse, error) {
	q, ok := ms.history.Latest(ilkIndex)
	if !ok {
		return nil, fmt.Errorf("ilk %d: %w", ilkIndex, ErrRateNotFound)
	}
	resp, err := newRateResponse(q, ms.history.LastSequence())
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (ms *MemoryService) GetRateHistory(_ context.Context, ilkIndex uint8, limit int) ([]RateResponse, error) {
	asOf := ms.history.LastSequence()
	quotes := ms.history.History(ilkIndex, ClampLimit(limit))
	out := make([]RateResponse, 0, len(quotes))
	for _, q := range quotes {
		resp, err := newRateResponse(q, asOf)
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
	return out, nil
}

var (
	_ RateReader = (*QueryService)(nil)
	_ RateReader = (*MemoryService)(nil)
)
