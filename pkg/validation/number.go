package validation

import "math"

// Epsilon is the tolerance used for every monetary equality comparison.
const Epsilon = 1e-6

func AlmostEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// RoundMoney rounds to cents.
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

func IsNaNOrInf(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// Exceeds reports whether a is greater than b by more than Epsilon.
func Exceeds(a, b float64) bool {
	return a-b > Epsilon
}
