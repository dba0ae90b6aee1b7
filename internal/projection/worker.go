package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"RateEngine/internal/core"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
)

const latestRatesProjection = "latest_rates"

// LatestRateWorker keeps projections.latest_rates at one row per
// collateral. The engine sends on its channel without blocking, so the
// projection may miss quotes; RebuildLatestRates restores it from the
// quote log.
type LatestRateWorker struct {
	db        *sql.DB // nil runs memory-only
	history   *RateHistory
	inputChan <-chan core.CoreOutput
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewLatestRateWorker(
	db *sql.DB,
	history *RateHistory,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *LatestRateWorker {
	w := &LatestRateWorker{
		db:        db,
		history:   history,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
	w.lastSeq.Store(-1)
	return w
}

// Run applies quotes until ctx is cancelled or the channel closes.
func (w *LatestRateWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}
			if output.Quote == nil {
				continue
			}
			if err := w.apply(ctx, output.Quote); err != nil {
				// The quote log stays authoritative; keep going.
				w.log.Warn().Err(err).Int64("sequence", output.Quote.Sequence).Msg("projection update failed")
				continue
			}
			w.lastSeq.Store(output.Quote.Sequence)
		}
	}
}

// LastSequence is the sequence of the last quote applied.
func (w *LatestRateWorker) LastSequence() int64 {
	return w.lastSeq.Load()
}

func (w *LatestRateWorker) apply(ctx context.Context, q *core.RateQuote) error {
	start := time.Now()
	if w.history != nil {
		w.history.Add(*q)
	}
	if w.db != nil {
		if err := upsertLatestRate(ctx, w.db, q); err != nil {
			return err
		}
	}
	if w.metrics != nil {
		w.metrics.ProjectionUpdateDur.WithLabelValues(latestRatesProjection).Observe(time.Since(start).Seconds())
	}
	return nil
}

func upsertLatestRate(ctx context.Context, db *sql.DB, q *core.RateQuote) error {
	// A late or replayed quote never overwrites a newer one.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.latest_rates
			(ilk_index, quote_id, sequence, yield_apy, utilization, borrow_rate,
			 reserve_factor, minimum_curve, timestamp, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (ilk_index) DO UPDATE SET
			quote_id       = EXCLUDED.quote_id,
			sequence       = EXCLUDED.sequence,
			yield_apy      = EXCLUDED.yield_apy,
			utilization    = EXCLUDED.utilization,
			borrow_rate    = EXCLUDED.borrow_rate,
			reserve_factor = EXCLUDED.reserve_factor,
			minimum_curve  = EXCLUDED.minimum_curve,
			timestamp      = EXCLUDED.timestamp,
			updated_at     = NOW()
		WHERE projections.latest_rates.sequence < EXCLUDED.sequence
	`,
		int16(q.IlkIndex), q.QuoteID, q.Sequence,
		math.Dec(q.Yield), math.Dec(q.Utilization), math.Dec(q.BorrowRate),
		math.Dec(q.ReserveFactor), q.MinimumCurve, q.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert latest rate ilk=%d: %w", q.IlkIndex, err)
	}
	return nil
}

// RebuildLatestRates recomputes projections.latest_rates from rates.quotes.
func RebuildLatestRates(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.latest_rates`); err != nil {
		return fmt.Errorf("truncate latest rates: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO projections.latest_rates
			(ilk_index, quote_id, sequence, yield_apy, utilization, borrow_rate,
			 reserve_factor, minimum_curve, timestamp)
		SELECT DISTINCT ON (ilk_index)
			ilk_index, quote_id, sequence, yield_apy, utilization, borrow_rate,
			reserve_factor, minimum_curve, timestamp
		FROM rates.quotes
		ORDER BY ilk_index, sequence DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild latest rates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	n, _ := res.RowsAffected()
	log.Info().Int64("rows", n).Msg("latest rates projection rebuilt")
	return nil
}

// WarmHistory loads the newest quotes per collateral from the quote log
// into h, so queries answer immediately after a restart.
func WarmHistory(ctx context.Context, db *sql.DB, h *RateHistory, perIlk int) error {
	rows, err := db.QueryContext(ctx, `
		SELECT quote_id, sequence, ilk_index, total_ilk_debt, total_eth_supply, yield_apy,
		       utilization, borrow_rate, reserve_factor, minimum_curve, hash, timestamp
		FROM (
			SELECT q.*, ROW_NUMBER() OVER (PARTITION BY ilk_index ORDER BY sequence DESC) AS rn
			FROM rates.quotes q
		) ranked
		WHERE rn <= $1
		ORDER BY sequence ASC
	`, perIlk)
	if err != nil {
		return fmt.Errorf("warm history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		q, err := ScanQuote(rows)
		if err != nil {
			return err
		}
		h.Add(q)
	}
	return rows.Err()
}

// ScanQuote reads one rates.quotes row in the column order used by
// WarmHistory.
func ScanQuote(rows interface{ Scan(...any) error }) (core.RateQuote, error) {
	var (
		q                                   core.RateQuote
		ilk                                 int16
		debt, supply, yield, util, rate, rf string
		hash                                []byte
		at                                  time.Time
	)
	if err := rows.Scan(&q.QuoteID, &q.Sequence, &ilk, &debt, &supply, &yield,
		&util, &rate, &rf, &q.MinimumCurve, &hash, &at); err != nil {
		return q, fmt.Errorf("scan quote: %w", err)
	}
	q.IlkIndex = uint8(ilk)
	q.Timestamp = at.UTC()
	copy(q.Hash[:], hash)

	var err error
	if q.TotalIlkDebt, err = math.FromDecimal[math.Rad](debt); err != nil {
		return q, err
	}
	if q.TotalEthSupply, err = math.FromDecimal[math.Wad](supply); err != nil {
		return q, err
	}
	if q.Yield, err = math.FromDecimal[math.Apy](yield); err != nil {
		return q, err
	}
	if q.Utilization, err = math.FromDecimal[math.Ray](util); err != nil {
		return q, err
	}
	if q.BorrowRate, err = math.FromDecimal[math.Ray](rate); err != nil {
		return q, err
	}
	if q.ReserveFactor, err = math.FromDecimal[math.Ray](rf); err != nil {
		return q, err
	}
	return q, nil
}
