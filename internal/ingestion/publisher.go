package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"RateEngine/internal/core"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
)

// Publisher is the subset of jetstream.JetStream the outbound side uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes persisted quotes to rates.quotes.<ilk>.
// The quote ID doubles as the JetStream message ID, so a republished quote
// is dropped by the stream's duplicate window.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// QuoteMessage is the outbound wire format.
type QuoteMessage struct {
	QuoteID        uuid.UUID `json:"quote_id"`
	Sequence       int64     `json:"sequence"`
	IlkIndex       uint8     `json:"ilk_index"`
	TotalIlkDebt   math.Rad  `json:"total_ilk_debt"`
	TotalEthSupply math.Wad  `json:"total_eth_supply"`
	YieldApy       math.Apy  `json:"yield_apy"`
	Utilization    math.Ray  `json:"utilization"`
	BorrowRate     math.Ray  `json:"borrow_rate"`
	ReserveFactor  math.Ray  `json:"reserve_factor"`
	MinimumCurve   bool      `json:"minimum_curve"`
	Hash           string    `json:"hash"`
	Timestamp      time.Time `json:"timestamp"`
}

func NewQuoteMessage(q *core.RateQuote) QuoteMessage {
	return QuoteMessage{
		QuoteID:        q.QuoteID,
		Sequence:       q.Sequence,
		IlkIndex:       q.IlkIndex,
		TotalIlkDebt:   q.TotalIlkDebt,
		TotalEthSupply: q.TotalEthSupply,
		YieldApy:       q.Yield,
		Utilization:    q.Utilization,
		BorrowRate:     q.BorrowRate,
		ReserveFactor:  q.ReserveFactor,
		MinimumCurve:   q.MinimumCurve,
		Hash:           hex.EncodeToString(q.Hash[:]),
		Timestamp:      q.Timestamp,
	}
}

// QuoteSubject is the subject a quote for ilkIndex is published on.
func QuoteSubject(ilkIndex uint8) string {
	return fmt.Sprintf("rates.quotes.%d", ilkIndex)
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run publishes until ctx is cancelled or the channel closes. Publish
// failures are logged and counted; consumers can backfill from the quote
// log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Quote == nil {
				continue
			}
			if err := op.publish(ctx, out.Quote); err != nil {
				op.log.Warn().Err(err).Int64("sequence", out.Quote.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, q *core.RateQuote) error {
	data, err := json.Marshal(NewQuoteMessage(q))
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	_, err = op.js.Publish(ctx, QuoteSubject(q.IlkIndex), data, jetstream.WithMsgID(q.QuoteID.String()))
	return err
}

// EnsureOutboundStream creates the quotes stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	cfg := streamConfig(StreamQuotes, "rates.quotes.>")
	cfg.Duplicates = 2 * time.Minute
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", StreamQuotes).Msg("ensured outbound stream")
	return nil
}
