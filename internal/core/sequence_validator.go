package core

import (
	"errors"
	"fmt"

	"RateEngine/internal/observability"
)

var (
	ErrSequenceGap   = errors.New("sequence gap")
	ErrOutOfOrder    = errors.New("out-of-order event")
	ErrStaleSequence = errors.New("stale sequence")
)

// SequenceValidator validates source sequences per partition. Checks never
// change state; Advance records a sequence once its event has been emitted,
// so an event that fails later in the pipeline does not consume its slot.
// Not thread-safe; only accessed from the single-threaded quote engine.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateStrict checks that sourceSequence is exactly the next one. A
// sequence ahead of the expected one returns ErrSequenceGap; an older one
// returns ErrOutOfOrder unless the event is a known duplicate. The first
// event on a partition always passes.
func (sv *SequenceValidator) ValidateStrict(partition string, sourceSequence int64, isDuplicate bool) error {
	expected, seen := sv.expectedNextSeq[partition]
	switch {
	case !seen || sourceSequence == expected:
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("partition=%s, expected=%d, got=%d: %w", partition, expected, sourceSequence, ErrOutOfOrder)
	default:
		return fmt.Errorf("partition=%s, expected=%d, got=%d: %w", partition, expected, sourceSequence, ErrSequenceGap)
	}
}

// ValidateTolerant accepts any sequence at or after the expected one.
// Older or repeated sequences return ErrStaleSequence.
func (sv *SequenceValidator) ValidateTolerant(partition string, sourceSequence int64) error {
	expected, seen := sv.expectedNextSeq[partition]
	if seen && sourceSequence < expected {
		return fmt.Errorf("partition=%s, next=%d, got=%d: %w", partition, expected, sourceSequence, ErrStaleSequence)
	}
	return nil
}

// Advance records sourceSequence as applied. Skipped sequences are counted
// as a gap. The expected sequence never moves backwards.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	expected, seen := sv.expectedNextSeq[partition]
	if seen && sourceSequence < expected {
		return
	}
	if seen && sourceSequence > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// ExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) ExpectedSequence(partition string) (int64, bool) {
	seq, ok := sv.expectedNextSeq[partition]
	return seq, ok
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Partitions copies the per-partition state.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
