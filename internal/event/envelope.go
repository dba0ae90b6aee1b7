package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeYieldUpdate
	EventTypeUtilizationSnapshot
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Collateral the event refers to
	IlkIndex uint8

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event
	Payload []byte

	// hash[n] = SHA-256(hash[n-1] || sequence || digest)
	Hash [32]byte

	// Chain tip before this event
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Ilk returns the collateral index
	Ilk() uint8

	// Partition returns the sequence-validation partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt returns the upstream timestamp
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeYieldUpdate:
		return "YieldUpdate"
	case EventTypeUtilizationSnapshot:
		return "UtilizationSnapshot"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	switch s {
	case "YieldUpdate":
		return EventTypeYieldUpdate
	case "UtilizationSnapshot":
		return EventTypeUtilizationSnapshot
	default:
		return EventTypeUnknown
	}
}
