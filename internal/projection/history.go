package projection

import (
	"sync"

	"RateEngine/internal/core"
)

// RateHistory keeps the most recent quotes per collateral in memory. It
// backs rate queries when no database is configured and serves as a hot
// cache in front of Postgres otherwise.
type RateHistory struct {
	mu       sync.RWMutex
	perIlk   map[uint8][]core.RateQuote // oldest first
	capacity int
}

func NewRateHistory(capacity int) *RateHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &RateHistory{
		perIlk:   make(map[uint8][]core.RateQuote),
		capacity: capacity,
	}
}

// Add records a quote. Quotes not newer than the latest one held for the
// same collateral are ignored.
func (h *RateHistory) Add(q core.RateQuote) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.perIlk[q.IlkIndex]
	if n := len(entries); n > 0 && entries[n-1].Sequence >= q.Sequence {
		return false
	}
	if len(entries) == h.capacity {
		copy(entries, entries[1:])
		entries = entries[:len(entries)-1]
	}
	h.perIlk[q.IlkIndex] = append(entries, q)
	return true
}

// Latest returns the newest quote for ilkIndex.
func (h *RateHistory) Latest(ilkIndex uint8) (core.RateQuote, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.perIlk[ilkIndex]
	if len(entries) == 0 {
		return core.RateQuote{}, false
	}
	return entries[len(entries)-1], true
}

// History returns up to limit quotes for ilkIndex, newest first.
func (h *RateHistory) History(ilkIndex uint8, limit int) []core.RateQuote {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 {
		return nil
	}
	entries := h.perIlk[ilkIndex]
	result := make([]core.RateQuote, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, entries[i])
	}
	return result
}

// LastSequence returns the highest sequence held across all collaterals,
// or -1 when empty.
func (h *RateHistory) LastSequence() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	last := int64(-1)
	for _, entries := range h.perIlk {
		if n := len(entries); n > 0 && entries[n-1].Sequence > last {
			last = entries[n-1].Sequence
		}
	}
	return last
}
