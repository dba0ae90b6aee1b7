package math_test

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	fp "RateEngine/internal/math"
)

func TestAnnualToPerSecond(t *testing.T) {
	// 5% APY: 5e25 / 31_536_000 floors to 1585489599188229325.
	r, err := fp.AnnualToPerSecond(fp.FromUint64[fp.Apy](5_000_000))
	require.NoError(t, err)
	require.Equal(t, "1585489599188229325", fp.Dec(r))

	zero, err := fp.AnnualToPerSecond(fp.Apy{})
	require.NoError(t, err)
	require.True(t, fp.IsZero(zero))
}

func TestPerSecondToAnnualRoundTrip(t *testing.T) {
	for _, apy := range []uint64{0, 1, 5_000_000, 12_345_678, 100_000_000} {
		r, err := fp.AnnualToPerSecond(fp.FromUint64[fp.Apy](apy))
		require.NoError(t, err)
		back, err := fp.PerSecondToAnnual(r)
		require.NoError(t, err)
		got := fp.U256(back).Uint64()
		require.LessOrEqual(t, got, apy)
		require.LessOrEqual(t, apy-got, uint64(1), "apy %d", apy)
	}
}

func TestPerSecondToAnnualAcceptsMaxRate(t *testing.T) {
	maxRate := fp.From[fp.Ray](new(uint256.Int).SetAllOne())
	got, err := fp.PerSecondToAnnual(maxRate)
	require.NoError(t, err)
	require.Equal(t, "365161932618800353887773458323398186206072223641564082754833436927", fp.Dec(got))
}
