package ingestion

import (
	"context"
	"fmt"
	"time"

	"RateEngine/internal/event"
	"RateEngine/internal/math"
	"RateEngine/internal/rates"
)

// GRPCIngestService injects admin yield readings. High-throughput feeds go
// through NATS; this path is for manual overrides and bootstrapping.
type GRPCIngestService struct {
	eventChan chan<- event.Event
	now       func() time.Time
}

func NewGRPCIngestService(eventChan chan<- event.Event) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan, now: time.Now}
}

// InjectYield queues a YieldUpdate. A zero sequence is replaced by the
// current time in microseconds, which keeps admin readings ahead of any
// feed using small counters.
func (s *GRPCIngestService) InjectYield(ctx context.Context, ilkIndex uint8, apy math.Apy, sequence int64) (*event.YieldUpdate, error) {
	if ilkIndex >= rates.Capacity {
		return nil, fmt.Errorf("ilk_index %d: %w", ilkIndex, rates.ErrCollateralIndexOutOfBounds)
	}
	if sequence < 0 {
		return nil, fmt.Errorf("negative sequence %d: %w", sequence, ErrMalformedEvent)
	}

	now := s.now().UTC()
	if sequence == 0 {
		sequence = now.UnixMicro()
	}
	evt := &event.YieldUpdate{
		IlkIndex:  ilkIndex,
		Apy:       apy,
		Sequence:  sequence,
		Timestamp: now,
		Source:    "admin",
	}

	select {
	case s.eventChan <- evt:
		return evt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
