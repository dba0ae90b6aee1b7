package event

import (
	"fmt"
	"time"

	"RateEngine/internal/math"
)

// YieldUpdate is a new annualized yield reading for one collateral.
// Readings are ordered per collateral; gaps are allowed.
type YieldUpdate struct {
	IlkIndex  uint8     `json:"ilk_index"`
	Apy       math.Apy  `json:"apy"` // 8 decimals
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

func (y *YieldUpdate) IdempotencyKey() string {
	return fmt.Sprintf("yield:%d:%d", y.IlkIndex, y.Sequence)
}

func (y *YieldUpdate) EventType() EventType {
	return EventTypeYieldUpdate
}

func (y *YieldUpdate) Ilk() uint8 {
	return y.IlkIndex
}

func (y *YieldUpdate) Partition() string {
	return fmt.Sprintf("yield:%d", y.IlkIndex)
}

func (y *YieldUpdate) SourceSequence() int64 {
	return y.Sequence
}

func (y *YieldUpdate) OccurredAt() time.Time {
	return y.Timestamp
}
