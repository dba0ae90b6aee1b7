package core

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"RateEngine/internal/event"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
	"RateEngine/internal/oracle"
	"RateEngine/internal/rates"
)

var ErrUnknownEvent = errors.New("unknown event type")

// quoteNamespace derives quote IDs from idempotency keys, so a replayed
// snapshot gets the same quote ID.
var quoteNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rateengine:quote"))

// QuoteEngine is the single-threaded event processor. Yield updates feed
// the oracle; utilization snapshots are priced into quotes.
type QuoteEngine struct {
	sequence    int64
	hasher      *ChainHasher
	store       *rates.ConfigStore
	feed        *oracle.Feed
	model       *rates.RateModel
	clock       time.Time // timestamp of the event being processed
	idempotency *IdempotencyChecker
	sequences   *SequenceValidator
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied event. Quote is set for utilization snapshots.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Quote    *RateQuote
}

// RateQuote is a priced utilization snapshot together with every input
// needed to recompute it.
type RateQuote struct {
	QuoteID        uuid.UUID
	Sequence       int64
	IlkIndex       uint8
	TotalIlkDebt   math.Rad
	TotalEthSupply math.Wad
	Yield          math.Apy
	Utilization    math.Ray
	BorrowRate     math.Ray
	ReserveFactor  math.Ray
	MinimumCurve   bool
	Timestamp      time.Time
	Hash           [32]byte
}

type EngineConfig struct {
	StartSequence  int64
	LRUCapacity    int
	YieldMaxAge    time.Duration // measured against event timestamps
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewQuoteEngine(store *rates.ConfigStore, feed *oracle.Feed, cfg EngineConfig) *QuoteEngine {
	c := &QuoteEngine{
		sequence:       cfg.StartSequence,
		hasher:         NewChainHasher(),
		store:          store,
		feed:           feed,
		idempotency:    NewIdempotencyChecker(cfg.LRUCapacity, cfg.DBChecker, cfg.Metrics, cfg.Logger),
		sequences:      NewSequenceValidator(cfg.Metrics),
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
	// Staleness is judged against the snapshot's own timestamp, never the
	// wall clock, so replaying the log reproduces the same quotes.
	guard := oracle.NewStalenessGuard(feed, cfg.YieldMaxAge)
	guard.Now = func() time.Time { return c.clock }
	c.model = rates.NewRateModel(store, guard)
	return c
}

// ProcessEvent is the main processing pipeline
func (c *QuoteEngine) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate, err := c.idempotency.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		c.reject(eventType, "dedup_unavailable")
		return err
	}
	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 2: Sequence validation. Neither partition may move backwards;
	// the sequence is recorded only once the event is emitted.
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()
	switch evt.(type) {
	case *event.YieldUpdate:
		if err := c.sequences.ValidateTolerant(partition, sourceSequence); err != nil {
			c.reject(eventType, "stale")
			return nil
		}
	default:
		err := c.sequences.ValidateStrict(partition, sourceSequence, false)
		switch {
		case errors.Is(err, ErrSequenceGap):
			// Rejected snapshots are never redelivered, so a missing
			// sequence cannot arrive later. Price past the gap.
			c.log.Warn().Err(err).Msg("utilization sequence gap")
		case err != nil:
			c.reject(eventType, "sequence")
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if int(evt.Ilk()) >= c.store.CollateralCount() {
		c.reject(eventType, "unknown_ilk")
		return fmt.Errorf("ilk %d: %w", evt.Ilk(), rates.ErrCollateralIndexOutOfBounds)
	}

	// Step 3: Dispatch
	c.clock = evt.OccurredAt()
	var (
		digest []byte
		quote  *RateQuote
	)
	switch e := evt.(type) {
	case *event.YieldUpdate:
		digest = c.applyYield(e)
	case *event.UtilizationSnapshot:
		quote, err = c.priceSnapshot(e)
		if err != nil {
			c.reject(eventType, "quote")
			return fmt.Errorf("price snapshot %s: %w", idempotencyKey, err)
		}
		digest = quoteDigest(quote)
	default:
		c.reject(eventType, "unknown")
		return fmt.Errorf("%T: %w", evt, ErrUnknownEvent)
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	// Step 4: Chain hash and envelope
	prevHash := c.hasher.Tip()
	hash := c.hasher.Next(c.sequence, digest)
	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		IlkIndex:       evt.Ilk(),
		Timestamp:      evt.OccurredAt(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		Hash:           hash,
		PrevHash:       prevHash,
	}
	if quote != nil {
		quote.Sequence = c.sequence
		quote.Hash = hash
	}
	output := CoreOutput{Envelope: envelope, Quote: quote}
	c.sequence++

	// Step 5: Emit. Persistence blocks (backpressure); the projection
	// channel drops when full since the quote log is authoritative.
	c.persistChan <- output
	if quote != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("latest_rates").Inc()
			}
		}
	}

	c.sequences.Advance(partition, sourceSequence)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

func (c *QuoteEngine) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *QuoteEngine) applyYield(e *event.YieldUpdate) []byte {
	applied := c.feed.Update(e.IlkIndex, oracle.Reading{
		Apy:       e.Apy,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
	})
	if c.metrics != nil {
		c.metrics.ObserveYield(e.IlkIndex, e.Apy, applied)
	}
	c.log.Debug().
		Uint8("ilk", e.IlkIndex).
		Str("apy", e.Apy.String()).
		Int64("source_seq", e.Sequence).
		Bool("applied", applied).
		Msg("yield update")

	digest := make([]byte, 0, 1+32+8)
	digest = append(digest, e.IlkIndex)
	digest = appendWord(digest, math.U256(e.Apy).Bytes32())
	return binary.LittleEndian.AppendUint64(digest, uint64(e.Sequence))
}

func (c *QuoteEngine) priceSnapshot(e *event.UtilizationSnapshot) (*RateQuote, error) {
	start := time.Now()
	q, err := c.model.Quote(e.IlkIndex, e.TotalIlkDebt, e.TotalEthSupply)
	if err != nil {
		if c.metrics != nil {
			c.metrics.QuoteErrors.WithLabelValues(quoteErrorReason(err)).Inc()
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.QuoteDuration.Observe(time.Since(start).Seconds())
		c.metrics.ObserveQuote(q.IlkIndex, q.BorrowRate, q.Utilization, q.ReserveFactor, q.MinimumCurve)
	}

	return &RateQuote{
		QuoteID:        uuid.NewSHA1(quoteNamespace, []byte(e.IdempotencyKey())),
		IlkIndex:       e.IlkIndex,
		TotalIlkDebt:   e.TotalIlkDebt,
		TotalEthSupply: e.TotalEthSupply,
		Yield:          q.Yield,
		Utilization:    q.Utilization,
		BorrowRate:     q.BorrowRate,
		ReserveFactor:  q.ReserveFactor,
		MinimumCurve:   q.MinimumCurve,
		Timestamp:      e.Timestamp,
	}, nil
}

func quoteErrorReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrNoReading):
		return "no_yield"
	case errors.Is(err, oracle.ErrStaleYield):
		return "stale_yield"
	case errors.Is(err, math.ErrOverflow):
		return "overflow"
	case errors.Is(err, math.ErrDivisionByZero):
		return "division_by_zero"
	default:
		return "other"
	}
}

// quoteDigest covers the quote's inputs and outputs as fixed-width words.
func quoteDigest(q *RateQuote) []byte {
	digest := make([]byte, 0, 2+6*32)
	digest = append(digest, q.IlkIndex)
	if q.MinimumCurve {
		digest = append(digest, 1)
	} else {
		digest = append(digest, 0)
	}
	digest = appendWord(digest, math.U256(q.TotalIlkDebt).Bytes32())
	digest = appendWord(digest, math.U256(q.TotalEthSupply).Bytes32())
	digest = appendWord(digest, math.U256(q.Yield).Bytes32())
	digest = appendWord(digest, math.U256(q.Utilization).Bytes32())
	digest = appendWord(digest, math.U256(q.BorrowRate).Bytes32())
	return appendWord(digest, math.U256(q.ReserveFactor).Bytes32())
}

func appendWord(buf []byte, w [32]byte) []byte {
	return append(buf, w[:]...)
}

// --- Recovery ---

// RecoveryState is what the engine needs to resume after a restart.
type RecoveryState struct {
	NextSequence int64
	ChainTip     [32]byte
	Partitions   map[string]int64 // next expected source sequence
	RecentKeys   []string         // composite keys, oldest first
	Yields       map[uint8]oracle.Reading
}

// Restore resumes from persisted state. A zero ChainTip keeps genesis.
func (c *QuoteEngine) Restore(st *RecoveryState) {
	c.sequence = st.NextSequence
	if st.ChainTip != ([32]byte{}) {
		c.hasher.Reset(st.ChainTip)
	}
	for p, seq := range st.Partitions {
		c.sequences.SetExpectedSequence(p, seq)
	}
	c.idempotency.Warm(st.RecentKeys)
	for ilk, r := range st.Yields {
		c.feed.Update(ilk, r)
	}
	c.log.Info().
		Int64("next_sequence", c.sequence).
		Int("partitions", len(st.Partitions)).
		Int("warm_keys", len(st.RecentKeys)).
		Int("yields", len(st.Yields)).
		Msg("engine state restored")
}

// Sequence returns the next global sequence to be assigned.
func (c *QuoteEngine) Sequence() int64 {
	return c.sequence
}

// ExpectedSequence returns the next source sequence expected on partition.
func (c *QuoteEngine) ExpectedSequence(partition string) (int64, bool) {
	return c.sequences.ExpectedSequence(partition)
}

// ChainTip returns the hash of the last applied event.
func (c *QuoteEngine) ChainTip() [32]byte {
	return c.hasher.Tip()
}
