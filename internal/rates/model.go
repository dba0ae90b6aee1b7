package rates

import (
	"fmt"

	"RateEngine/internal/math"
	"RateEngine/internal/oracle"
)

// Quote is the full result of one rate evaluation, including the inputs
// needed to replay it.
type Quote struct {
	IlkIndex       uint8
	BorrowRate     math.Ray // per second
	ReserveFactor  math.Ray
	Utilization    math.Ray
	Yield          math.Apy
	PerSecondYield math.Ray
	MinimumCurve   bool // true when the minimum curve set the rate
}

// RateModel prices borrowing per collateral from a ConfigStore and a yield
// oracle. It holds no mutable state.
type RateModel struct {
	store  *ConfigStore
	oracle oracle.YieldOracle
}

// New validates list, builds the store and binds it to o.
func New(list []CollateralRateConfig, o oracle.YieldOracle) (*RateModel, error) {
	store, err := NewConfigStore(list)
	if err != nil {
		return nil, err
	}
	return NewRateModel(store, o), nil
}

func NewRateModel(store *ConfigStore, o oracle.YieldOracle) *RateModel {
	return &RateModel{store: store, oracle: o}
}

func (m *RateModel) Store() *ConfigStore {
	return m.store
}

// Calculate returns the per-second borrow rate and the reserve factor of the
// winning curve, both in RAY.
func (m *RateModel) Calculate(ilkIndex uint8, totalIlkDebt math.Rad, totalEthSupply math.Wad) (math.Ray, math.Ray, error) {
	q, err := m.Quote(ilkIndex, totalIlkDebt, totalEthSupply)
	if err != nil {
		return math.Ray{}, math.Ray{}, err
	}
	return q.BorrowRate, q.ReserveFactor, nil
}

// Quote is Calculate plus the utilization and yield it used. The oracle is
// read exactly once.
func (m *RateModel) Quote(ilkIndex uint8, totalIlkDebt math.Rad, totalEthSupply math.Wad) (Quote, error) {
	cfg, err := m.store.Unpack(ilkIndex)
	if err != nil {
		return Quote{}, err
	}
	apy, err := m.oracle.Yield(ilkIndex)
	if err != nil {
		return Quote{}, fmt.Errorf("yield for ilk %d: %w", ilkIndex, err)
	}
	q, err := Evaluate(&cfg, apy, totalIlkDebt, totalEthSupply)
	if err != nil {
		return Quote{}, fmt.Errorf("ilk %d: %w", ilkIndex, err)
	}
	q.IlkIndex = ilkIndex
	return q, nil
}

// CalculateAll quotes every configured collateral against one total supply.
// debts is indexed by collateral and must have exactly CollateralCount
// entries.
func (m *RateModel) CalculateAll(debts []math.Rad, totalEthSupply math.Wad) ([]Quote, error) {
	if len(debts) != m.store.CollateralCount() {
		return nil, fmt.Errorf("%d debts for %d collaterals: %w", len(debts), m.store.CollateralCount(), ErrCollateralCountMismatch)
	}
	out := make([]Quote, len(debts))
	for i := range debts {
		q, err := m.Quote(uint8(i), debts[i], totalEthSupply)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// Utilization is debt over this collateral's share of supply, in RAY.
// Zero supply yields zero utilization.
func Utilization(totalIlkDebt math.Rad, totalEthSupply math.Wad, distributionFactor math.Bps) (math.Ray, error) {
	if math.IsZero(totalEthSupply) {
		return math.Ray{}, nil
	}
	df, err := math.BpsToWad(distributionFactor)
	if err != nil {
		return math.Ray{}, err
	}
	share, err := math.WadMulDown(totalEthSupply, df)
	if err != nil {
		return math.Ray{}, err
	}
	return math.RadDivWad(totalIlkDebt, share)
}

// Evaluate runs the dual kink curve for one config and one yield reading.
// It is deterministic in its arguments, so a recorded Quote can be replayed.
func Evaluate(cfg *CollateralRateConfig, apy math.Apy, totalIlkDebt math.Rad, totalEthSupply math.Wad) (Quote, error) {
	optimal, err := math.BpsToRay(cfg.OptimalUtilizationRate)
	if err != nil {
		return Quote{}, err
	}
	perSecond, err := math.AnnualToPerSecond(apy)
	if err != nil {
		return Quote{}, err
	}
	util, err := Utilization(totalIlkDebt, totalEthSupply, cfg.DistributionFactor)
	if err != nil {
		return Quote{}, fmt.Errorf("utilization: %w", err)
	}

	// Margin plus base above the yield leaves no room for a yield slope.
	floor, err := math.Add(cfg.AdjustedProfitMargin, cfg.AdjustedBaseRate)
	if err != nil {
		return Quote{}, err
	}
	adjustedSlope, err := math.RayDivDown(math.SaturatingSub(perSecond, floor), optimal)
	if err != nil {
		return Quote{}, err
	}
	minimumRise, err := math.Sub(cfg.MinimumKinkRate, cfg.MinimumBaseRate)
	if err != nil {
		return Quote{}, fmt.Errorf("minimum curve: %w", err)
	}
	minimumSlope, err := math.RayDivDown(minimumRise, optimal)
	if err != nil {
		return Quote{}, err
	}

	adjusted, err := curve(util, optimal, adjustedSlope, cfg.AdjustedBaseRate, cfg.AdjustedAboveKinkSlope)
	if err != nil {
		return Quote{}, fmt.Errorf("adjusted curve: %w", err)
	}
	minimum, err := curve(util, optimal, minimumSlope, cfg.MinimumBaseRate, cfg.MinimumAboveKinkSlope)
	if err != nil {
		return Quote{}, fmt.Errorf("minimum curve: %w", err)
	}

	q := Quote{Utilization: util, Yield: apy, PerSecondYield: perSecond}
	reserve := cfg.AdjustedReserveFactor
	q.BorrowRate = adjusted
	if math.Cmp(adjusted, minimum) < 0 {
		reserve = cfg.MinimumReserveFactor
		q.BorrowRate = minimum
		q.MinimumCurve = true
	}
	if q.ReserveFactor, err = math.BpsToRay(reserve); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// curve evaluates one kinked line. Below the kink the rate is
// slope*util + base; above it the above-kink slope (rescaled to WAD)
// applies to the excess and is added to the rate at the kink.
func curve(util, optimal, slope, base math.Ray, aboveSlope math.Bps) (math.Ray, error) {
	if math.Cmp(util, optimal) < 0 {
		r, err := math.RayMulDown(slope, util)
		if err != nil {
			return math.Ray{}, err
		}
		return math.Add(r, base)
	}

	excess, err := math.Sub(util, optimal)
	if err != nil {
		return math.Ray{}, err
	}
	atKink, err := math.RayMulDown(slope, optimal)
	if err != nil {
		return math.Ray{}, err
	}
	if atKink, err = math.Add(atKink, base); err != nil {
		return math.Ray{}, err
	}
	steep, err := math.BpsToWad(aboveSlope)
	if err != nil {
		return math.Ray{}, err
	}
	r, err := math.WadMulDown(excess, steep)
	if err != nil {
		return math.Ray{}, err
	}
	return math.Add(r, atKink)
}
