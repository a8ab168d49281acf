package curve

import (
	"github.com/holiman/uint256"

	"dexcore/internal/dexerr"
)

// GetD solves the StableSwap invariant D for normalized balances xp and
// amplification amp (A * APrecision).
func GetD(xp []*uint256.Int, amp *uint256.Int) (*uint256.Int, error) {
	n := uint256.NewInt(uint64(len(xp)))
	s := new(uint256.Int)
	for _, x := range xp {
		var err error
		if s, err = Add(s, x); err != nil {
			return nil, err
		}
	}
	if s.IsZero() {
		return new(uint256.Int), nil
	}

	ann, err := Mul(amp, n)
	if err != nil {
		return nil, err
	}
	annMinusOne, err := Sub(ann, aPrecision)
	if err != nil {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "curve.getD", "amplification too small")
	}
	nPlusOne := uint256.NewInt(uint64(len(xp) + 1))

	d := s.Clone()
	for i := 0; i < MaxIterations; i++ {
		dP := d.Clone()
		for _, x := range xp {
			if x.IsZero() {
				return nil, dexerr.Newf(dexerr.Overflow, "curve.getD", "zero balance")
			}
			xn, err := Mul(x, n)
			if err != nil {
				return nil, err
			}
			if dP, err = MulDiv(dP, d, xn); err != nil {
				return nil, err
			}
		}
		prev := d

		// D = (Ann*S/A_PREC + D_P*N) * D / ((Ann - A_PREC)*D/A_PREC + (N+1)*D_P)
		annS, err := MulDiv(ann, s, aPrecision)
		if err != nil {
			return nil, err
		}
		dPN, err := Mul(dP, n)
		if err != nil {
			return nil, err
		}
		num, err := Add(annS, dPN)
		if err != nil {
			return nil, err
		}
		left, err := MulDiv(annMinusOne, d, aPrecision)
		if err != nil {
			return nil, err
		}
		right, err := Mul(nPlusOne, dP)
		if err != nil {
			return nil, err
		}
		den, err := Add(left, right)
		if err != nil {
			return nil, err
		}
		if d, err = MulDiv(num, d, den); err != nil {
			return nil, err
		}

		if withinOne(d, prev) {
			return d, nil
		}
	}
	return nil, dexerr.New(dexerr.ConvergenceError, "curve.getD")
}

// GetY returns the new balance of coin j that keeps D constant after the
// balance of coin i is set to x.
func GetY(i, j int, x *uint256.Int, xp []*uint256.Int, amp, d *uint256.Int) (*uint256.Int, error) {
	if i == j || i < 0 || j < 0 || i >= len(xp) || j >= len(xp) {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "curve.getY", "bad coin indices %d, %d", i, j)
	}
	others := make([]*uint256.Int, 0, len(xp)-1)
	for k := range xp {
		switch k {
		case i:
			others = append(others, x)
		case j:
		default:
			others = append(others, xp[k])
		}
	}
	return solveY("curve.getY", others, len(xp), amp, d)
}

// GetYD returns the balance of coin i that satisfies invariant d given the
// other balances in xp.
func GetYD(i int, xp []*uint256.Int, amp, d *uint256.Int) (*uint256.Int, error) {
	if i < 0 || i >= len(xp) {
		return nil, dexerr.Newf(dexerr.InvalidParameter, "curve.getYD", "bad coin index %d", i)
	}
	others := make([]*uint256.Int, 0, len(xp)-1)
	for k := range xp {
		if k != i {
			others = append(others, xp[k])
		}
	}
	return solveY("curve.getYD", others, len(xp), amp, d)
}

// solveY runs Newton's method for y in y^2 + (b - D)*y = c.
func solveY(op string, others []*uint256.Int, coins int, amp, d *uint256.Int) (*uint256.Int, error) {
	n := uint256.NewInt(uint64(coins))
	ann, err := Mul(amp, n)
	if err != nil {
		return nil, err
	}

	c := d.Clone()
	s := new(uint256.Int)
	for _, x := range others {
		if x.IsZero() {
			return nil, dexerr.Newf(dexerr.Overflow, op, "zero balance")
		}
		if s, err = Add(s, x); err != nil {
			return nil, err
		}
		xn, err := Mul(x, n)
		if err != nil {
			return nil, err
		}
		if c, err = MulDiv(c, d, xn); err != nil {
			return nil, err
		}
	}
	dA, err := Mul(d, aPrecision)
	if err != nil {
		return nil, err
	}
	annN, err := Mul(ann, n)
	if err != nil {
		return nil, err
	}
	if c, err = MulDiv(c, dA, annN); err != nil {
		return nil, err
	}
	dOverAnn, err := MulDiv(d, aPrecision, ann)
	if err != nil {
		return nil, err
	}
	b, err := Add(s, dOverAnn)
	if err != nil {
		return nil, err
	}

	y := d.Clone()
	for k := 0; k < MaxIterations; k++ {
		prev := y
		yy, err := Mul(y, y)
		if err != nil {
			return nil, err
		}
		num, err := Add(yy, c)
		if err != nil {
			return nil, err
		}
		twoY, err := Add(y, y)
		if err != nil {
			return nil, err
		}
		den, err := Add(twoY, b)
		if err != nil {
			return nil, err
		}
		if den, err = Sub(den, d); err != nil {
			return nil, err
		}
		if den.IsZero() {
			return nil, dexerr.Newf(dexerr.Overflow, op, "division by zero")
		}
		y = new(uint256.Int).Div(num, den)

		if withinOne(y, prev) {
			return y, nil
		}
	}
	return nil, dexerr.New(dexerr.ConvergenceError, op)
}
