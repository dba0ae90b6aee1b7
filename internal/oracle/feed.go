package oracle

import (
	"fmt"
	"sync"
	"time"

	"RateEngine/internal/math"
)

// Reading is one yield observation.
type Reading struct {
	Apy       math.Apy
	Sequence  int64
	Timestamp time.Time
}

// Feed keeps the latest yield reading per collateral. Readings arrive from
// the yield stream with a per-collateral sequence; an older or repeated
// sequence is ignored, gaps are fine since only the latest value matters.
type Feed struct {
	mu       sync.RWMutex
	readings map[uint8]Reading
}

func NewFeed() *Feed {
	return &Feed{readings: make(map[uint8]Reading)}
}

// Update stores r for ilkIndex if it is newer than the current reading and
// reports whether it was applied.
func (f *Feed) Update(ilkIndex uint8, r Reading) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.readings[ilkIndex]; ok && r.Sequence <= cur.Sequence {
		return false
	}
	f.readings[ilkIndex] = r
	return true
}

// Latest returns the stored reading for ilkIndex.
func (f *Feed) Latest(ilkIndex uint8) (Reading, error) {
	f.mu.RLock()
	r, ok := f.readings[ilkIndex]
	f.mu.RUnlock()
	if !ok {
		return Reading{}, fmt.Errorf("ilk %d: %w", ilkIndex, ErrNoReading)
	}
	return r, nil
}

func (f *Feed) Yield(ilkIndex uint8) (math.Apy, error) {
	r, err := f.Latest(ilkIndex)
	if err != nil {
		return math.Apy{}, err
	}
	return r.Apy, nil
}

// Snapshot copies all readings, keyed by collateral.
func (f *Feed) Snapshot() map[uint8]Reading {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[uint8]Reading, len(f.readings))
	for k, v := range f.readings {
		out[k] = v
	}
	return out
}
