package rates

import (
	"errors"
	"fmt"
)

var (
	ErrCollateralIndexOutOfBounds = errors.New("rates: collateral index out of bounds")
	ErrCollateralCountMismatch    = errors.New("rates: debt list length does not match collateral count")
	ErrTooManyCollaterals         = errors.New("rates: too many collaterals")
	ErrFieldOverflow              = errors.New("rates: field exceeds its packed width")
	ErrMinimumKinkBelowBase       = errors.New("rates: minimum kink rate below minimum base rate")
	ErrInvalidOptimalUtilization  = errors.New("rates: optimal utilization must be above zero")
	ErrCorruptSlot                = errors.New("rates: packed slot does not round-trip")
)

// DistributionFactorsDoNotSumToOneError is returned at construction when the
// distribution factors of the collateral list do not total 10_000.
type DistributionFactorsDoNotSumToOneError struct {
	Sum uint64
}

func (e *DistributionFactorsDoNotSumToOneError) Error() string {
	return fmt.Sprintf("rates: distribution factors sum to %d, want %d", e.Sum, bpsOne)
}
