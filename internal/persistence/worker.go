package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"RateEngine/internal/core"
	"RateEngine/internal/observability"
)

// QuoteWorker drains the persist channel and batch-writes events and quotes
// to Postgres. The engine sends on this channel with a blocking send, so a
// slow database stalls the engine rather than losing events.
type QuoteWorker struct {
	db           *sql.DB
	writer       *QuoteLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	forward      chan<- core.CoreOutput
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewQuoteWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *QuoteWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &QuoteWorker{
		db:           db,
		writer:       NewQuoteLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		log:          log,
	}
}

// ForwardTo makes the worker pass every committed quote to ch. Sends never
// block; a full channel drops the quote and counts it.
func (qw *QuoteWorker) ForwardTo(ch chan<- core.CoreOutput) *QuoteWorker {
	qw.forward = ch
	return qw
}

// batch accumulates rows between flushes.
type batch struct {
	events  []EventRow
	quotes  []QuoteRow
	outputs []core.CoreOutput // quotes to forward after commit
}

func (b *batch) add(out core.CoreOutput) {
	if out.Envelope != nil {
		b.events = append(b.events, NewEventRow(out.Envelope))
	}
	if out.Quote != nil {
		b.quotes = append(b.quotes, NewQuoteRow(out.Quote))
		b.outputs = append(b.outputs, out)
	}
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.quotes = b.quotes[:0]
	clear(b.outputs)
	b.outputs = b.outputs[:0]
}

// Run batches outputs and flushes when the batch is full or the flush
// timeout expires. It returns when ctx is cancelled or the channel closes,
// flushing whatever is pending first.
func (qw *QuoteWorker) Run(ctx context.Context) error {
	b := &batch{
		events: make([]EventRow, 0, qw.batchSize),
		quotes: make([]QuoteRow, 0, qw.batchSize),
	}

	timer := time.NewTimer(qw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(b.events) > 0 {
				if err := qw.flush(context.Background(), b); err != nil {
					qw.log.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-qw.inputChan:
			if !ok {
				if len(b.events) > 0 {
					if err := qw.flush(context.Background(), b); err != nil {
						qw.log.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			b.add(out)
			if len(b.events) >= qw.batchSize {
				if err := qw.flushWithRetry(ctx, b); err != nil {
					qw.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(qw.flushTimeout)
			}

		case <-timer.C:
			if len(b.events) > 0 {
				if err := qw.flushWithRetry(ctx, b); err != nil {
					qw.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(qw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. On cancellation it makes one last attempt. A batch
// rejected by an integrity constraint fails the same way on every attempt,
// so it is returned without retrying.
func (qw *QuoteWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			qw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(b.events)).
				Msg("persistence retry")
			if qw.metrics != nil {
				qw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := qw.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, qw.maxBackoff)
		}

		err := qw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				qw.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		if isConstraintViolation(err) {
			qw.countError("constraint")
			return fmt.Errorf("batch rejected: %w", err)
		}
	}
}

// isConstraintViolation reports a Postgres integrity constraint error
// (SQLSTATE class 23), such as a unique or foreign key violation.
func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}

func (qw *QuoteWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := qw.db.BeginTx(ctx, nil)
	if err != nil {
		qw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := qw.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		qw.countError("write_events")
		return fmt.Errorf("write events: %w", err)
	}
	if err := qw.writer.WriteQuoteBatch(ctx, tx, b.quotes); err != nil {
		qw.countError("write_quotes")
		return fmt.Errorf("write quotes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		qw.countError("tx_commit")
		return err
	}

	if qw.metrics != nil {
		qw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		qw.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		qw.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		qw.metrics.PersistQuotesWritten.Add(float64(len(b.quotes)))
		qw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
	}
	qw.forwardCommitted(b)
	return nil
}

func (qw *QuoteWorker) forwardCommitted(b *batch) {
	if qw.forward == nil {
		return
	}
	for _, out := range b.outputs {
		select {
		case qw.forward <- out:
		default:
			if qw.metrics != nil {
				qw.metrics.PublishDrops.Inc()
			}
		}
	}
}

func (qw *QuoteWorker) countError(stage string) {
	if qw.metrics != nil {
		qw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
