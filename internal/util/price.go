// Package util provides common utility functions for price calculations.
package util

import "math"

// TickSize is the minimum price increment for NSE equity and F&O contracts.
const TickSize = 0.05

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.05, 101.27 becomes 101.25 and 101.28 becomes 101.30.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// RoundPlaces rounds x to n decimal places. Negative n is treated as zero.
func RoundPlaces(x float64, n int) float64 {
	if n < 0 {
		n = 0
	}
	p := math.Pow(10, float64(n))
	return math.Round(x*p) / p
}
