package oracle

import (
	"errors"
	"fmt"

	"RateEngine/internal/math"
)

var (
	ErrNoReading  = errors.New("oracle: no yield reading for collateral")
	ErrStaleYield = errors.New("oracle: yield reading is stale")
)

// YieldOracle supplies the annualized yield (8 decimals) of a collateral.
type YieldOracle interface {
	Yield(ilkIndex uint8) (math.Apy, error)
}

// StaticOracle serves a fixed yield table indexed by collateral.
type StaticOracle []math.Apy

func (s StaticOracle) Yield(ilkIndex uint8) (math.Apy, error) {
	if int(ilkIndex) >= len(s) {
		return math.Apy{}, fmt.Errorf("static oracle ilk %d: %w", ilkIndex, ErrNoReading)
	}
	return s[ilkIndex], nil
}
