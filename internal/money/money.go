// Package money converts between user-facing decimal amounts and the
// integer minor units (cents) every balance and entry is stored in.
// Balance arithmetic is never done in floating point; floats appear
// only transiently when an exchange rate is applied, and the result is
// rounded to minor units before touching any balance.
package money

import (
	"errors"
	"math"
	"strconv"
)

// MinorUnitFactor is the number of minor units per major unit.
const MinorUnitFactor = 100

var ErrInvalidAmount = errors.New("invalid money amount")

// ToMinorUnit converts a decimal string like "12.34" to minor units,
// rounding to the nearest integer.
func ToMinorUnit(amount string) (int64, error) {
	f, err := strconv.ParseFloat(amount, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrInvalidAmount
	}
	return int64(math.Round(f * MinorUnitFactor)), nil
}

// ToMajorUnit converts minor units back to a decimal amount for display.
func ToMajorUnit(amount int64) float64 {
	return float64(amount) / MinorUnitFactor
}

// ConvertCeil applies a conversion divisor and rounds up, so the
// receiving party gets the ceiling of the converted amount. Used for
// transfer and deposit credit legs.
func ConvertCeil(amount int64, rate float64) int64 {
	return int64(math.Ceil(float64(amount) / rate))
}

// ConvertFloor applies a conversion multiplier and rounds down, so the
// receiving party gets the floor of the converted amount. Used for
// charge credit legs.
func ConvertFloor(amount int64, rate float64) int64 {
	return int64(math.Floor(float64(amount) * rate))
}
