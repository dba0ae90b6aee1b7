package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"RateEngine/internal/core"
	"RateEngine/internal/event"
	"RateEngine/internal/observability"
)

// Processor applies one event. *core.QuoteEngine implements it.
type Processor interface {
	ProcessEvent(evt event.Event) error
}

var _ Processor = (*core.QuoteEngine)(nil)

// Dispatcher is the only goroutine that calls into the engine. It merges
// broker messages and admin injections in arrival order.
type Dispatcher struct {
	proc     Processor
	raw      <-chan RawEvent
	injected <-chan event.Event
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewDispatcher(proc Processor, raw <-chan RawEvent, injected <-chan event.Event, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		proc:     proc,
		raw:      raw,
		injected: injected,
		metrics:  metrics,
		log:      log,
	}
}

// Run processes events until ctx is cancelled or both inputs close.
//
// Broker messages are acked once the engine has handled them, including
// when the engine rejects them: a rejected event would be rejected again on
// redelivery. Unparseable messages are acked and dropped for the same
// reason. Messages the engine could not deduplicate, and messages still
// queued at shutdown, are nak'd for redelivery.
func (d *Dispatcher) Run(ctx context.Context) error {
	raw, injected := d.raw, d.injected
	for raw != nil || injected != nil {
		select {
		case <-ctx.Done():
			d.nakPending(raw)
			return ctx.Err()

		case msg, ok := <-raw:
			if !ok {
				raw = nil
				continue
			}
			d.handleRaw(msg)

		case evt, ok := <-injected:
			if !ok {
				injected = nil
				continue
			}
			d.process(evt)
		}
	}
	return nil
}

func (d *Dispatcher) handleRaw(msg RawEvent) {
	evt, err := ParseRawEvent(msg)
	if err != nil {
		d.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping unparseable event")
		if d.metrics != nil {
			d.metrics.CoreEventsRejected.WithLabelValues(msg.EventType.String(), "parse").Inc()
		}
		ack(msg)
		return
	}
	if err := d.process(evt); errors.Is(err, core.ErrDedupUnavailable) {
		nak(msg)
		return
	}
	ack(msg)
}

func (d *Dispatcher) process(evt event.Event) error {
	err := d.proc.ProcessEvent(evt)
	if err == nil {
		return nil
	}
	lvl := d.log.Error()
	if errors.Is(err, core.ErrOutOfOrder) || errors.Is(err, core.ErrDedupUnavailable) {
		lvl = d.log.Warn()
	}
	lvl.Err(err).
		Str("type", evt.EventType().String()).
		Str("key", evt.IdempotencyKey()).
		Msg("event not applied")
	return err
}

func (d *Dispatcher) nakPending(raw <-chan RawEvent) {
	for {
		select {
		case msg, ok := <-raw:
			if !ok {
				return
			}
			nak(msg)
		default:
			return
		}
	}
}

func ack(msg RawEvent) {
	if msg.AckFunc != nil {
		msg.AckFunc()
	}
}

func nak(msg RawEvent) {
	if msg.NakFunc != nil {
		msg.NakFunc()
	}
}
