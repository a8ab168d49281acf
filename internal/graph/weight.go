package graph

import (
	"math"
	"math/big"

	"github.com/holiman/uint256"

	"dexcore/internal/curve"
)

const (
	// maxWeight is used when the effective rate is effectively zero or invalid.
	maxWeight = 230.0

	// minWeight is used when the effective rate would cause -log to be extremely negative.
	minWeight = -230.0
)

// CalculateWeight computes the edge weight used to rank routes.
// Weight = -log(effectiveRate) where effectiveRate = (reserveOut / reserveIn) * (1 - fee)
//
// Summing weights along a path multiplies the rates, so the path with the
// lowest total weight has the best spot rate.
func CalculateWeight(reserveIn, reserveOut *uint256.Int, fee float64) float64 {
	effectiveRate := CalculateEffectiveRate(reserveIn, reserveOut, fee)

	if effectiveRate <= 0 || math.IsNaN(effectiveRate) {
		return maxWeight
	}
	if math.IsInf(effectiveRate, 1) {
		return minWeight
	}

	weight := -math.Log(effectiveRate)

	// Clamp to reasonable range
	if weight > maxWeight {
		return maxWeight
	}
	if weight < minWeight {
		return minWeight
	}
	return weight
}

// CalculateEffectiveRate computes the spot exchange rate including fees.
func CalculateEffectiveRate(reserveIn, reserveOut *uint256.Int, fee float64) float64 {
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return 0
	}

	// For very large reserves this loses precision, which is acceptable for ranking
	in := new(big.Float).SetInt(reserveIn.ToBig())
	out := new(big.Float).SetInt(reserveOut.ToBig())

	rate := new(big.Float).Quo(out, in)
	rate.Mul(rate, new(big.Float).SetFloat64(1-fee))

	effectiveRate, _ := rate.Float64()
	return effectiveRate
}

// WeightToRate converts a weight back to an effective rate.
func WeightToRate(weight float64) float64 {
	return math.Exp(-weight)
}

// FeeRate converts a fee in curve.FeeDenominator units to a fraction.
func FeeRate(fee uint64) float64 {
	return float64(fee) / float64(curve.FeeDenominator.Uint64())
}
