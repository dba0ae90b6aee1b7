package rates

import (
	"fmt"

	"RateEngine/internal/math"
)

// CollateralRateConfig holds the curve parameters of one collateral class.
// RAY fields carry 27 decimals; Bps fields carry 4 (10_000 == 100%).
type CollateralRateConfig struct {
	AdjustedProfitMargin   math.Ray
	MinimumKinkRate        math.Ray
	AdjustedAboveKinkSlope math.Bps
	MinimumAboveKinkSlope  math.Bps
	AdjustedReserveFactor  math.Bps
	MinimumReserveFactor   math.Bps
	AdjustedBaseRate       math.Ray
	MinimumBaseRate        math.Ray
	OptimalUtilizationRate math.Bps
	DistributionFactor     math.Bps
}

// Validate checks that every field fits its packed width and that the
// curve is well formed: the minimum kink rate sits at or above the minimum
// base rate and the kink is above zero. A kink past 100% is allowed, since
// a collateral's utilization of its share of supply can exceed 100%.
func (c *CollateralRateConfig) Validate() error {
	for i := range layout {
		f := &layout[i]
		if f.get(c).BitLen() > int(f.bits) {
			return fmt.Errorf("%s exceeds %d bits: %w", f.name, f.bits, ErrFieldOverflow)
		}
	}
	if math.Cmp(c.MinimumKinkRate, c.MinimumBaseRate) < 0 {
		return fmt.Errorf("minimumKinkRate %s < minimumBaseRate %s: %w",
			math.Dec(c.MinimumKinkRate), math.Dec(c.MinimumBaseRate), ErrMinimumKinkBelowBase)
	}
	if math.IsZero(c.OptimalUtilizationRate) {
		return fmt.Errorf("optimalUtilizationRate %s: %w", math.Dec(c.OptimalUtilizationRate), ErrInvalidOptimalUtilization)
	}
	return nil
}

// ValidateConfigs runs Validate over a full collateral list, checks the
// capacity and that distribution factors sum to exactly 10_000.
func ValidateConfigs(list []CollateralRateConfig) error {
	if len(list) > Capacity {
		return fmt.Errorf("%d collaterals, capacity %d: %w", len(list), Capacity, ErrTooManyCollaterals)
	}
	for i := range list {
		if err := list[i].Validate(); err != nil {
			return fmt.Errorf("collateral %d: %w", i, err)
		}
	}
	var sum uint64
	for i := range list {
		// Validate bounds each factor to 16 bits, so the sum fits.
		sum += math.U256(list[i].DistributionFactor).Uint64()
	}
	if sum != bpsOne {
		return &DistributionFactorsDoNotSumToOneError{Sum: sum}
	}
	return nil
}

const bpsOne = 10_000
