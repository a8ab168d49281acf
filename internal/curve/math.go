// Package curve implements the fixed-point StableSwap invariant shared by
// both pool families. All values are 256-bit unsigned integers; results
// round down unless the function name says otherwise.
package curve

import (
	"github.com/holiman/uint256"

	"dexcore/internal/dexerr"
)

const (
	// MaxIterations caps every Newton solve.
	MaxIterations = 255

	// APrecision scales the amplification coefficient.
	APrecision = 100
)

var (
	// Precision is the fixed-point unit (1e18).
	Precision = uint256.NewInt(1e18)

	// FeeDenominator is the unit fees are expressed in (1e10 = 100%).
	FeeDenominator = uint256.NewInt(1e10)

	aPrecision = uint256.NewInt(APrecision)
	one        = uint256.NewInt(1)
)

func overflow(op string) error {
	return dexerr.New(dexerr.Overflow, op)
}

// Add returns x+y or an arithmetic error on overflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, o := new(uint256.Int).AddOverflow(x, y)
	if o {
		return nil, overflow("curve.add")
	}
	return z, nil
}

// Sub returns x-y or an arithmetic error on underflow.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, o := new(uint256.Int).SubOverflow(x, y)
	if o {
		return nil, dexerr.Values(dexerr.Overflow, "curve.sub", y, x)
	}
	return z, nil
}

// Mul returns x*y or an arithmetic error on overflow.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, o := new(uint256.Int).MulOverflow(x, y)
	if o {
		return nil, overflow("curve.mul")
	}
	return z, nil
}

// MulDiv returns floor(x*y/d) with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, dexerr.Newf(dexerr.Overflow, "curve.mulDiv", "division by zero")
	}
	z, o := new(uint256.Int).MulDivOverflow(x, y, d)
	if o {
		return nil, overflow("curve.mulDiv")
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	if new(uint256.Int).MulMod(x, y, d).IsZero() {
		return z, nil
	}
	return Add(z, one)
}

// FeeUp returns ceil(amount*fee/FeeDenominator).
func FeeUp(amount, fee *uint256.Int) (*uint256.Int, error) {
	return MulDivUp(amount, fee, FeeDenominator)
}

// ImbalanceFee returns the per-token fee charged on the imbalanced part of
// a liquidity change: fee*n/(4*(n-1)).
func ImbalanceFee(fee *uint256.Int, n int) *uint256.Int {
	if n < 2 {
		return new(uint256.Int)
	}
	num := new(uint256.Int).Mul(fee, uint256.NewInt(uint64(n)))
	return num.Div(num, uint256.NewInt(uint64(4*(n-1))))
}

// AbsDiff returns |x-y|.
func AbsDiff(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Sub(y, x)
	}
	return new(uint256.Int).Sub(x, y)
}

func withinOne(x, y *uint256.Int) bool {
	return !AbsDiff(x, y).Gt(one)
}
