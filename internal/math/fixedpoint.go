package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Decimal precision of each fixed-point scale used by the rate engine.
const (
	BpsDecimals = 4  // 1e4: basis points (slopes, reserve factors, utilization targets)
	ApyDecimals = 8  // 1e8: oracle annualized yield
	WadDecimals = 18 // 1e18: ETH supply amounts
	RayDecimals = 27 // 1e27: rates and utilization
	RadDecimals = 45 // 1e45: ilk debt (WAD * RAY)
)

var (
	ErrOverflow       = errors.New("fixed-point: result exceeds 256 bits")
	ErrUnderflow      = errors.New("fixed-point: subtraction underflow")
	ErrDivisionByZero = errors.New("fixed-point: division by zero")
	ErrScaleDown      = errors.New("fixed-point: target scale below source scale")
)

// Scaled is satisfied by every fixed-point type in this package. They all
// share uint256.Int's representation, so conversions between them are free;
// the distinct names keep call sites from mixing scales.
type Scaled interface {
	~[4]uint64
}

type (
	// Bps is a value with 4 decimals (10_000 == 100%).
	Bps uint256.Int
	// Apy is an annualized yield with 8 decimals.
	Apy uint256.Int
	// Wad is a value with 18 decimals.
	Wad uint256.Int
	// Ray is a value with 27 decimals.
	Ray uint256.Int
	// Rad is a value with 45 decimals.
	Rad uint256.Int
)

var pow10 [RadDecimals + 1]uint256.Int

func init() {
	ten := uint256.NewInt(10)
	pow10[0] = *uint256.NewInt(1)
	for i := 1; i < len(pow10); i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns 10^n for 0 <= n <= 45.
func Pow10(n int) *uint256.Int {
	return new(uint256.Int).Set(&pow10[n])
}

// Unit returns the fixed-point representation of 1.0 at the given scale.
func Unit[T Scaled](decimals int) T {
	return T(pow10[decimals])
}

// U256 returns a copy of x as a plain uint256.
func U256[T Scaled](x T) *uint256.Int {
	u := uint256.Int(x)
	return &u
}

// From wraps a plain uint256 in a scaled type. A nil input yields zero.
func From[T Scaled](u *uint256.Int) T {
	if u == nil {
		return T{}
	}
	return T(*u)
}

// FromUint64 builds a scaled value from its raw integer representation.
func FromUint64[T Scaled](raw uint64) T {
	return T(*uint256.NewInt(raw))
}

// FromDecimal parses the raw integer representation (e.g. "1000000000000000000000000000"
// for one RAY). Hex with a 0x prefix is rejected.
func FromDecimal[T Scaled](s string) (T, error) {
	u, err := uint256.FromDecimal(s)
	if err != nil {
		return T{}, fmt.Errorf("parse fixed-point %q: %w", s, err)
	}
	return T(*u), nil
}

// MustFromDecimal is FromDecimal for constants; it panics on malformed input.
func MustFromDecimal[T Scaled](s string) T {
	v, err := FromDecimal[T](s)
	if err != nil {
		panic(err)
	}
	return v
}

// Dec renders the raw integer representation in base 10.
func Dec[T Scaled](x T) string {
	return U256(x).Dec()
}

// IsZero reports whether x == 0.
func IsZero[T Scaled](x T) bool {
	return U256(x).IsZero()
}

// Cmp compares two values of the same scale.
func Cmp[T Scaled](x, y T) int {
	return U256(x).Cmp(U256(y))
}

// BitLen returns the number of bits needed to represent x.
func BitLen[T Scaled](x T) int {
	return U256(x).BitLen()
}

// Add returns x + y or ErrOverflow.
func Add[T Scaled](x, y T) (T, error) {
	z, overflow := new(uint256.Int).AddOverflow(U256(x), U256(y))
	if overflow {
		return T{}, ErrOverflow
	}
	return T(*z), nil
}

// Sub returns x - y or ErrUnderflow when y > x.
func Sub[T Scaled](x, y T) (T, error) {
	z, underflow := new(uint256.Int).SubOverflow(U256(x), U256(y))
	if underflow {
		return T{}, ErrUnderflow
	}
	return T(*z), nil
}

// SaturatingSub returns max(0, x - y).
func SaturatingSub[T Scaled](x, y T) T {
	z, underflow := new(uint256.Int).SubOverflow(U256(x), U256(y))
	if underflow {
		return T{}
	}
	return T(*z)
}

// MulDivDown returns floor(x * y / d) with a 512-bit intermediate product.
func MulDivDown(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// ScaleUp multiplies x by 10^(toDecimals-fromDecimals).
func ScaleUp(x *uint256.Int, fromDecimals, toDecimals int) (*uint256.Int, error) {
	if toDecimals < fromDecimals {
		return nil, ErrScaleDown
	}
	z, overflow := new(uint256.Int).MulOverflow(x, &pow10[toDecimals-fromDecimals])
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// BpsToWad rescales a 1e4 value to 1e18.
func BpsToWad(b Bps) (Wad, error) {
	z, err := ScaleUp(U256(b), BpsDecimals, WadDecimals)
	return From[Wad](z), err
}

// BpsToRay rescales a 1e4 value to 1e27.
func BpsToRay(b Bps) (Ray, error) {
	z, err := ScaleUp(U256(b), BpsDecimals, RayDecimals)
	return From[Ray](z), err
}

// ApyToRay rescales a 1e8 yield to 1e27.
func ApyToRay(a Apy) (Ray, error) {
	z, err := ScaleUp(U256(a), ApyDecimals, RayDecimals)
	return From[Ray](z), err
}

// WadMulDown returns floor(x * w / 1e18). The result keeps x's scale.
func WadMulDown[T Scaled](x T, w Wad) (T, error) {
	z, err := MulDivDown(U256(x), U256(w), &pow10[WadDecimals])
	return From[T](z), err
}

// RayMulDown returns floor(x * r / 1e27). The result keeps x's scale.
func RayMulDown[T Scaled](x T, r Ray) (T, error) {
	z, err := MulDivDown(U256(x), U256(r), &pow10[RayDecimals])
	return From[T](z), err
}

// RayDivDown returns floor(x * 1e27 / r). The result keeps x's scale.
func RayDivDown[T Scaled](x T, r Ray) (T, error) {
	z, err := MulDivDown(U256(x), &pow10[RayDecimals], U256(r))
	return From[T](z), err
}

// RadDivWad returns floor(debt / supply). RAD / WAD lands on RAY.
func RadDivWad(debt Rad, supply Wad) (Ray, error) {
	if IsZero(supply) {
		return Ray{}, ErrDivisionByZero
	}
	z := new(uint256.Int).Div(U256(debt), U256(supply))
	return From[Ray](z), nil
}
