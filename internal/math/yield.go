package math

import "github.com/holiman/uint256"

// SecondsInAYear is the non-leap year used to de-annualize yields.
const SecondsInAYear = 31_536_000

var secondsInAYear = uint256.NewInt(SecondsInAYear)

// AnnualToPerSecond converts an annualized 1e8 yield into a per-second RAY rate:
// apy * 1e19 / SecondsInAYear, floored.
func AnnualToPerSecond(apy Apy) (Ray, error) {
	r, err := ApyToRay(apy)
	if err != nil {
		return Ray{}, err
	}
	z := new(uint256.Int).Div(U256(r), secondsInAYear)
	return From[Ray](z), nil
}

// PerSecondToAnnual is the linear inverse of AnnualToPerSecond, rounded down to 1e8.
// Round-tripping loses at most one APY unit. The result never exceeds the
// input, so any RAY rate converts.
func PerSecondToAnnual(perSecond Ray) (Apy, error) {
	z, err := MulDivDown(U256(perSecond), secondsInAYear, &pow10[RayDecimals-ApyDecimals])
	if err != nil {
		return Apy{}, err
	}
	return From[Apy](z), nil
}
