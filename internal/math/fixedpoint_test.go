package math_test

import (
	"encoding/json"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	fp "RateEngine/internal/math"
)

func TestUnitValues(t *testing.T) {
	require.Equal(t, "10000", fp.Dec(fp.Unit[fp.Bps](fp.BpsDecimals)))
	require.Equal(t, "1000000000000000000", fp.Dec(fp.Unit[fp.Wad](fp.WadDecimals)))
	require.Equal(t, "1000000000000000000000000000", fp.Dec(fp.Unit[fp.Ray](fp.RayDecimals)))
	require.Equal(t, 150, fp.Pow10(45).BitLen())
}

func TestScaleConversions(t *testing.T) {
	ray, err := fp.BpsToRay(fp.FromUint64[fp.Bps](9000))
	require.NoError(t, err)
	require.Equal(t, "900000000000000000000000000", fp.Dec(ray))

	wad, err := fp.BpsToWad(fp.FromUint64[fp.Bps](10_000))
	require.NoError(t, err)
	require.Equal(t, fp.Unit[fp.Wad](fp.WadDecimals), wad)

	ray, err = fp.ApyToRay(fp.FromUint64[fp.Apy](5_000_000))
	require.NoError(t, err)
	require.Equal(t, "50000000000000000000000000", fp.Dec(ray))

	_, err = fp.ScaleUp(uint256.NewInt(1), fp.RayDecimals, fp.BpsDecimals)
	require.ErrorIs(t, err, fp.ErrScaleDown)

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	_, err = fp.ScaleUp(huge, fp.BpsDecimals, fp.RayDecimals)
	require.ErrorIs(t, err, fp.ErrOverflow)
}

func TestRayMulDivRoundDown(t *testing.T) {
	half := fp.MustFromDecimal[fp.Ray]("500000000000000000000000000")
	three := fp.FromUint64[fp.Ray](3)

	// 3 * 0.5 = 1.5 floors to 1 wei.
	got, err := fp.RayMulDown(three, half)
	require.NoError(t, err)
	require.Equal(t, "1", fp.Dec(got))

	// 1 / 0.5 = 2 wei.
	got, err = fp.RayDivDown(fp.FromUint64[fp.Ray](1), half)
	require.NoError(t, err)
	require.Equal(t, "2", fp.Dec(got))

	_, err = fp.RayDivDown(three, fp.Ray{})
	require.ErrorIs(t, err, fp.ErrDivisionByZero)
}

func TestMulDivUses512BitIntermediate(t *testing.T) {
	// (2^200 * 2^100) / 2^100 would overflow a naive 256-bit multiply.
	x := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	y := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	got, err := fp.MulDivDown(x, y, y)
	require.NoError(t, err)
	require.Equal(t, x, got)

	_, err = fp.MulDivDown(x, y, uint256.NewInt(1))
	require.ErrorIs(t, err, fp.ErrOverflow)
}

func TestRadDivWadIsRay(t *testing.T) {
	debt := fp.MustFromDecimal[fp.Rad]("50" + zeros(45))
	supply := fp.MustFromDecimal[fp.Wad]("100" + zeros(18))
	util, err := fp.RadDivWad(debt, supply)
	require.NoError(t, err)
	require.Equal(t, "5"+zeros(26), fp.Dec(util))

	_, err = fp.RadDivWad(debt, fp.Wad{})
	require.ErrorIs(t, err, fp.ErrDivisionByZero)
}

func TestSaturatingSub(t *testing.T) {
	a := fp.FromUint64[fp.Ray](5)
	b := fp.FromUint64[fp.Ray](7)
	require.True(t, fp.IsZero(fp.SaturatingSub(a, b)))
	require.Equal(t, "2", fp.Dec(fp.SaturatingSub(b, a)))

	_, err := fp.Sub(a, b)
	require.ErrorIs(t, err, fp.ErrUnderflow)
}

func TestAddOverflow(t *testing.T) {
	max := fp.From[fp.Ray](new(uint256.Int).SetAllOne())
	_, err := fp.Add(max, fp.FromUint64[fp.Ray](1))
	require.ErrorIs(t, err, fp.ErrOverflow)
}

func TestFromDecimalRejectsGarbage(t *testing.T) {
	_, err := fp.FromDecimal[fp.Wad]("12abc")
	require.Error(t, err)
	_, err = fp.FromDecimal[fp.Wad]("-1")
	require.Error(t, err)
}

func zeros(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

func TestJSONUsesDecimalStrings(t *testing.T) {
	type wire struct {
		Rate fp.Ray `json:"rate"`
		Debt fp.Rad `json:"debt"`
	}
	in := wire{Rate: fp.MustFromDecimal[fp.Ray]("1585489599188229325"), Debt: fp.MustFromDecimal[fp.Rad]("5" + zeros(46))}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"rate":"1585489599188229325","debt":"5`+zeros(46)+`"}`, string(b))

	var out wire
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in, out)

	require.Error(t, json.Unmarshal([]byte(`{"rate":"0x10"}`), &out))
}
