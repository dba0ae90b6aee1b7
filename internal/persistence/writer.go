package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"RateEngine/internal/core"
	"RateEngine/internal/event"
	"RateEngine/internal/math"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// QuoteLogWriter writes the event log and the quote log with multi-row
// INSERTs. Writes are idempotent on the primary keys, so a retried batch
// that partially landed is harmless.
type QuoteLogWriter struct {
	db *sql.DB
}

// EventRow is a row in rates.event_log.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	IlkIndex       uint8
	SourceSequence int64
	Payload        []byte
	Hash           []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// QuoteRow is a row in rates.quotes. Fixed-point columns carry the raw
// integer in base 10.
type QuoteRow struct {
	QuoteID        uuid.UUID
	Sequence       int64
	IlkIndex       uint8
	TotalIlkDebt   string
	TotalEthSupply string
	YieldApy       string
	Utilization    string
	BorrowRate     string
	ReserveFactor  string
	MinimumCurve   bool
	Hash           []byte
	Timestamp      time.Time
}

func NewQuoteLogWriter(db *sql.DB) *QuoteLogWriter {
	return &QuoteLogWriter{db: db}
}

func NewEventRow(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		IlkIndex:       env.IlkIndex,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		Hash:           env.Hash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp.UTC(),
	}
}

func NewQuoteRow(q *core.RateQuote) QuoteRow {
	return QuoteRow{
		QuoteID:        q.QuoteID,
		Sequence:       q.Sequence,
		IlkIndex:       q.IlkIndex,
		TotalIlkDebt:   math.Dec(q.TotalIlkDebt),
		TotalEthSupply: math.Dec(q.TotalEthSupply),
		YieldApy:       math.Dec(q.Yield),
		Utilization:    math.Dec(q.Utilization),
		BorrowRate:     math.Dec(q.BorrowRate),
		ReserveFactor:  math.Dec(q.ReserveFactor),
		MinimumCurve:   q.MinimumCurve,
		Hash:           q.Hash[:],
		Timestamp:      q.Timestamp.UTC(),
	}
}

const eventColumns = 9

// WriteEventBatch inserts events into rates.event_log.
func (w *QuoteLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, len(events)*eventColumns)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, int16(e.IlkIndex), e.SourceSequence,
			e.Payload, e.Hash, e.PrevHash, e.Timestamp,
		)
	}

	query := `INSERT INTO rates.event_log
		(sequence, event_type, idempotency_key, ilk_index, source_sequence, payload, hash, prev_hash, timestamp)
		VALUES ` + placeholders(len(events), eventColumns) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

const quoteColumns = 12

// WriteQuoteBatch inserts quotes into rates.quotes. The referenced events
// must be written first.
func (w *QuoteLogWriter) WriteQuoteBatch(ctx context.Context, ex execer, quotes []QuoteRow) error {
	if len(quotes) == 0 {
		return nil
	}

	args := make([]any, 0, len(quotes)*quoteColumns)
	for _, q := range quotes {
		args = append(args,
			q.QuoteID, q.Sequence, int16(q.IlkIndex),
			q.TotalIlkDebt, q.TotalEthSupply, q.YieldApy,
			q.Utilization, q.BorrowRate, q.ReserveFactor,
			q.MinimumCurve, q.Hash, q.Timestamp,
		)
	}

	query := `INSERT INTO rates.quotes
		(quote_id, sequence, ilk_index, total_ilk_debt, total_eth_supply, yield_apy,
		 utilization, borrow_rate, reserve_factor, minimum_curve, hash, timestamp)
		VALUES ` + placeholders(len(quotes), quoteColumns) +
		` ON CONFLICT (quote_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($1, $2), ($3, $4)" for rows x cols parameters.
func placeholders(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}
