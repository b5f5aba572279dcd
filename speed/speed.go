// Package speed converts between fan percentages and the discrete speed
// ranks of an N-speed fan.
package speed

import (
	"errors"
	"fmt"
	"math"
)

var ErrPercentageOutOfRange = errors.New("percentage out of range")

// StatesInRange returns the number of discrete values in [low, high].
func StatesInRange(low, high int) int {
	return high - low + 1
}

// PercentageToRangedValue maps a percentage onto the range [low, high].
func PercentageToRangedValue(low, high int, pct float64) float64 {
	return float64(StatesInRange(low, high))*pct/100 + float64(low-1)
}

// RangedValueToPercentage maps a value in [low, high] to a percentage,
// rounding down.
func RangedValueToPercentage(low, high int, value int) int {
	offset := low - 1
	return (value - offset) * 100 / StatesInRange(low, high)
}

// Index returns the 1-based speed rank a percentage selects on a fan with n
// speeds. 0 means off. Percentages between two steps round up, so 1% selects
// the lowest speed.
func Index(n int, pct float64) (int, error) {
	if err := Validate(pct); err != nil {
		return 0, err
	}

	if pct == 0 {
		return 0, nil
	}

	rank := int(math.Ceil(PercentageToRangedValue(1, n, pct)))
	if rank < 1 {
		rank = 1
	} else if rank > n {
		rank = n
	}

	return rank, nil
}

// Percentage returns the percentage reported for a 1-based speed rank.
func Percentage(n int, rank int) int {
	if rank <= 0 {
		return 0
	}

	if rank > n {
		rank = n
	}

	return RangedValueToPercentage(1, n, rank)
}

// Step is the percentage distance between two adjacent speeds.
func Step(n int) float64 {
	return 100 / float64(n)
}

func Validate(pct float64) error {
	if pct < 0 || pct > 100 || math.IsNaN(pct) {
		return fmt.Errorf("%w: %v", ErrPercentageOutOfRange, pct)
	}

	return nil
}
