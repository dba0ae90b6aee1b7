package rates_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateEngine/internal/math"
	"RateEngine/internal/rates"
)

func bps(v uint64) math.Bps { return math.FromUint64[math.Bps](v) }

func ray(s string) math.Ray { return math.MustFromDecimal[math.Ray](s) }

// randBits returns a uniformly random value below 2^bits.
func randBits(r *rand.Rand, bits uint) *uint256.Int {
	u := uint256.Int{r.Uint64(), r.Uint64(), r.Uint64(), r.Uint64()}
	return u.Rsh(&u, 256-bits)
}

func randomConfig(r *rand.Rand, df uint64) rates.CollateralRateConfig {
	c := rates.CollateralRateConfig{
		AdjustedProfitMargin:   math.From[math.Ray](randBits(r, 96)),
		MinimumKinkRate:        math.From[math.Ray](randBits(r, 96)),
		AdjustedAboveKinkSlope: math.From[math.Bps](randBits(r, 24)),
		MinimumAboveKinkSlope:  math.From[math.Bps](randBits(r, 24)),
		AdjustedReserveFactor:  math.From[math.Bps](randBits(r, 16)),
		MinimumReserveFactor:   math.From[math.Bps](randBits(r, 16)),
		AdjustedBaseRate:       math.From[math.Ray](randBits(r, 96)),
		MinimumBaseRate:        math.From[math.Ray](randBits(r, 96)),
		OptimalUtilizationRate: bps(1 + r.Uint64N(10_000)),
		DistributionFactor:     bps(df),
	}
	if math.Cmp(c.MinimumKinkRate, c.MinimumBaseRate) < 0 {
		c.MinimumKinkRate, c.MinimumBaseRate = c.MinimumBaseRate, c.MinimumKinkRate
	}
	return c
}

// split returns n distribution factors summing to 10_000.
func split(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = 10_000 / uint64(n)
	}
	out[0] += 10_000 % uint64(n)
	return out
}

func randomList(r *rand.Rand, n int) []rates.CollateralRateConfig {
	list := make([]rates.CollateralRateConfig, n)
	for i, df := range split(n) {
		list[i] = randomConfig(r, df)
	}
	return list
}

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		n := 1 + r.IntN(rates.Capacity)
		list := randomList(r, n)

		store, err := rates.NewConfigStore(list)
		require.NoError(t, err)
		require.Equal(t, n, store.CollateralCount())

		for i := range list {
			slot := rates.Pack(list, i)
			require.Equal(t, list[i], slot.Unpack(), "pack/unpack slot %d", i)

			got, err := store.Unpack(uint8(i))
			require.NoError(t, err)
			require.Equal(t, list[i], got, "store slot %d", i)
		}
		require.Equal(t, list, store.Configs())
	}
}

func TestPackFullWidthFields(t *testing.T) {
	ones := func(bits uint) *uint256.Int {
		one := uint256.NewInt(1)
		v := new(uint256.Int).Lsh(one, bits)
		return v.Sub(v, one)
	}
	c := rates.CollateralRateConfig{
		AdjustedProfitMargin:   math.From[math.Ray](ones(96)),
		MinimumKinkRate:        math.From[math.Ray](ones(96)),
		AdjustedAboveKinkSlope: math.From[math.Bps](ones(24)),
		MinimumAboveKinkSlope:  math.From[math.Bps](ones(24)),
		AdjustedReserveFactor:  math.From[math.Bps](ones(16)),
		MinimumReserveFactor:   math.From[math.Bps](ones(16)),
		AdjustedBaseRate:       math.From[math.Ray](ones(96)),
		MinimumBaseRate:        math.From[math.Ray](ones(96)),
		OptimalUtilizationRate: math.From[math.Bps](ones(16)),
		DistributionFactor:     math.From[math.Bps](ones(16)),
	}
	slot := rates.Pack([]rates.CollateralRateConfig{c}, 0)
	assert.Equal(t, *ones(256), slot.WordA)
	assert.Equal(t, *ones(240), slot.WordB)
	assert.Equal(t, c, slot.Unpack())
}

func TestPackOffsets(t *testing.T) {
	c := rates.CollateralRateConfig{
		MinimumKinkRate:        math.FromUint64[math.Ray](1),
		AdjustedReserveFactor:  bps(1),
		AdjustedBaseRate:       math.FromUint64[math.Ray](1),
		DistributionFactor:     bps(1),
		OptimalUtilizationRate: bps(1),
	}
	slot := rates.Pack([]rates.CollateralRateConfig{c}, 0)

	wantA := new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	wantA.Or(wantA, new(uint256.Int).Lsh(uint256.NewInt(1), 240))
	wantB := new(uint256.Int).Lsh(uint256.NewInt(1), 16)
	wantB.Or(wantB, new(uint256.Int).Lsh(uint256.NewInt(1), 208))
	wantB.Or(wantB, new(uint256.Int).Lsh(uint256.NewInt(1), 224))

	assert.Equal(t, *wantA, slot.WordA)
	assert.Equal(t, *wantB, slot.WordB)
}

func TestPackPastEndIsEmpty(t *testing.T) {
	list := randomList(rand.New(rand.NewPCG(3, 4)), 2)
	for _, i := range []int{2, 7, -1} {
		slot := rates.Pack(list, i)
		assert.True(t, slot.IsEmpty(), "slot %d", i)
	}
}

func TestDistributionFactorSum(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))

	list := randomList(r, 3)
	_, err := rates.NewConfigStore(list)
	require.NoError(t, err)

	for _, delta := range []int64{-1, 1, -3000} {
		bad := append([]rates.CollateralRateConfig(nil), list...)
		df := int64(math.U256(bad[0].DistributionFactor).Uint64()) + delta
		bad[0].DistributionFactor = bps(uint64(df))

		_, err := rates.NewConfigStore(bad)
		var sumErr *rates.DistributionFactorsDoNotSumToOneError
		require.True(t, errors.As(err, &sumErr), "delta %d: %v", delta, err)
		assert.Equal(t, uint64(10_000+delta), sumErr.Sum)
	}

	_, err = rates.NewConfigStore(nil)
	var sumErr *rates.DistributionFactorsDoNotSumToOneError
	require.ErrorAs(t, err, &sumErr)
	assert.Zero(t, sumErr.Sum)
}

func TestCapacityBoundary(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	store, err := rates.NewConfigStore(randomList(r, rates.Capacity))
	require.NoError(t, err)

	for i := 0; i < rates.Capacity; i++ {
		_, err := store.Unpack(uint8(i))
		require.NoError(t, err)
	}
	_, err = store.Unpack(rates.Capacity)
	require.ErrorIs(t, err, rates.ErrCollateralIndexOutOfBounds)
	_, err = store.PackedSlot(rates.Capacity)
	require.ErrorIs(t, err, rates.ErrCollateralIndexOutOfBounds)

	_, err = rates.NewConfigStore(randomList(r, rates.Capacity+1))
	require.ErrorIs(t, err, rates.ErrTooManyCollaterals)
}

func TestIndexBounds(t *testing.T) {
	store, err := rates.NewConfigStore(randomList(rand.New(rand.NewPCG(9, 10)), 3))
	require.NoError(t, err)
	for i := 3; i < 256; i++ {
		_, err := store.Unpack(uint8(i))
		require.ErrorIs(t, err, rates.ErrCollateralIndexOutOfBounds, "index %d", i)
	}
}

func TestValidateRejectsMalformedConfigs(t *testing.T) {
	r := rand.New(rand.NewPCG(11, 12))
	base := randomConfig(r, 10_000)
	require.NoError(t, base.Validate())

	wide := base
	wide.AdjustedAboveKinkSlope = math.From[math.Bps](new(uint256.Int).Lsh(uint256.NewInt(1), 24))
	require.ErrorIs(t, wide.Validate(), rates.ErrFieldOverflow)

	wideRay := base
	wideRay.AdjustedBaseRate = math.From[math.Ray](new(uint256.Int).Lsh(uint256.NewInt(1), 96))
	require.ErrorIs(t, wideRay.Validate(), rates.ErrFieldOverflow)

	inverted := base
	inverted.MinimumKinkRate = ray("1")
	inverted.MinimumBaseRate = ray("2")
	require.ErrorIs(t, inverted.Validate(), rates.ErrMinimumKinkBelowBase)

	noKink := base
	noKink.OptimalUtilizationRate = bps(0)
	require.ErrorIs(t, noKink.Validate(), rates.ErrInvalidOptimalUtilization)

	pastFull := base
	pastFull.OptimalUtilizationRate = bps(15_000)
	require.NoError(t, pastFull.Validate())

	_, err := rates.NewConfigStore([]rates.CollateralRateConfig{inverted})
	require.ErrorIs(t, err, rates.ErrMinimumKinkBelowBase)
}

func TestNewConfigStoreFromPacked(t *testing.T) {
	list := randomList(rand.New(rand.NewPCG(13, 14)), 4)
	store, err := rates.NewConfigStore(list)
	require.NoError(t, err)

	reloaded, err := rates.NewConfigStoreFromPacked(store.Slots(), store.CollateralCount())
	require.NoError(t, err)
	require.Equal(t, store.Configs(), reloaded.Configs())

	slots := store.Slots()
	slots[1].WordB.Or(&slots[1].WordB, new(uint256.Int).Lsh(uint256.NewInt(1), 250)) // unused high bits
	_, err = rates.NewConfigStoreFromPacked(slots, 4)
	require.ErrorIs(t, err, rates.ErrCorruptSlot)

	_, err = rates.NewConfigStoreFromPacked(store.Slots(), 5)
	require.ErrorIs(t, err, rates.ErrCollateralCountMismatch)
}
