package media

import (
	"math"
	"math/bits"
)

// Rounding selects how Rescale resolves a fractional result.
type Rounding int

// Rounding modes. RoundPassMinMax may be or'ed with any mode.
const (
	RoundZero    Rounding = 0 // toward zero
	RoundInf     Rounding = 1 // away from zero
	RoundDown    Rounding = 2 // toward -inf
	RoundUp      Rounding = 3 // toward +inf
	RoundNearInf Rounding = 5 // to nearest, ties away from zero

	// RoundPassMinMax returns math.MinInt64 and math.MaxInt64 unchanged
	// instead of rescaling them.
	RoundPassMinMax Rounding = 8192
)

// Rescale converts a from time base bq to cq, rounding to nearest with ties
// away from zero.
func Rescale(a int64, bq, cq Rational) int64 {
	return RescaleRnd(a, bq, cq, RoundNearInf)
}

// RescaleTimestamp converts an absolute timestamp between time bases.
// Saturated values (NoPTS and math.MaxInt64) pass through unchanged.
func RescaleTimestamp(a int64, bq, cq Rational) int64 {
	return RescaleRnd(a, bq, cq, RoundNearInf|RoundPassMinMax)
}

// RescaleRnd converts a from time base bq to cq with the given rounding.
// It returns math.MinInt64 when the result does not fit or the arguments are
// invalid.
func RescaleRnd(a int64, bq, cq Rational, rnd Rounding) int64 {
	b := bq.Num * cq.Den
	c := cq.Num * bq.Den
	return rescaleRnd(a, b, c, rnd)
}

// rescaleRnd computes a*b/c with 128-bit intermediates.
func rescaleRnd(a, b, c int64, rnd Rounding) int64 {
	mode := rnd &^ RoundPassMinMax
	if c <= 0 || b < 0 || mode < 0 || mode > 5 || mode == 4 {
		return math.MinInt64
	}

	if rnd&RoundPassMinMax != 0 {
		if a == math.MinInt64 || a == math.MaxInt64 {
			return a
		}
	}

	if a < 0 {
		// Mirror the mode so Down/Up stay directional after negation.
		mirrored := mode ^ ((mode >> 1) & 1)
		return -rescaleRnd(-max(a, -math.MaxInt64), b, c, mirrored)
	}

	var r uint64
	switch {
	case mode == RoundNearInf:
		r = uint64(c / 2)
	case mode&1 != 0:
		r = uint64(c - 1)
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	var carry uint64
	lo, carry = bits.Add64(lo, r, 0)
	hi += carry
	if hi >= uint64(c) {
		return math.MinInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return math.MinInt64
	}
	return int64(q)
}
