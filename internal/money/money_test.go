package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToMinorUnit(t *testing.T) {
	t.Run("whole amount", func(t *testing.T) {
		v, err := ToMinorUnit("12")
		assert.NoError(t, err)
		assert.Equal(t, int64(1200), v)
	})

	t.Run("decimal amount rounds to nearest", func(t *testing.T) {
		v, err := ToMinorUnit("12.345")
		assert.NoError(t, err)
		assert.Equal(t, int64(1235), v)

		v, err = ToMinorUnit("12.344")
		assert.NoError(t, err)
		assert.Equal(t, int64(1234), v)
	})

	t.Run("invalid input", func(t *testing.T) {
		_, err := ToMinorUnit("twelve")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestToMajorUnit(t *testing.T) {
	assert.Equal(t, 12.34, ToMajorUnit(1234))
	assert.Equal(t, -0.5, ToMajorUnit(-50))
}

func TestConversionRounding(t *testing.T) {
	// Transfer/deposit legs ceil in the recipient's favor, charge legs
	// floor in the bank's favor. The asymmetry is deliberate.
	assert.Equal(t, int64(1112), ConvertCeil(1000, 0.90))
	assert.Equal(t, int64(104), ConvertCeil(100, 0.97))
	assert.Equal(t, int64(97), ConvertFloor(100, 0.97))
	assert.Equal(t, int64(100), ConvertCeil(100, 1.0))
	assert.Equal(t, int64(100), ConvertFloor(100, 1.0))
}
