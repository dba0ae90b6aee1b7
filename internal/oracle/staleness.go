package oracle

import (
	"fmt"
	"time"

	"RateEngine/internal/math"
)

// StalenessGuard rejects readings older than MaxAge. A zero MaxAge
// disables the check.
type StalenessGuard struct {
	Feed   *Feed
	MaxAge time.Duration
	Now    func() time.Time
}

func NewStalenessGuard(feed *Feed, maxAge time.Duration) *StalenessGuard {
	return &StalenessGuard{Feed: feed, MaxAge: maxAge, Now: time.Now}
}

func (g *StalenessGuard) Yield(ilkIndex uint8) (math.Apy, error) {
	r, err := g.Feed.Latest(ilkIndex)
	if err != nil {
		return math.Apy{}, err
	}
	if g.MaxAge > 0 {
		if age := g.Now().Sub(r.Timestamp); age > g.MaxAge {
			return math.Apy{}, fmt.Errorf("ilk %d reading age %s > %s: %w", ilkIndex, age, g.MaxAge, ErrStaleYield)
		}
	}
	return r.Apy, nil
}
