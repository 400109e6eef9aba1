package market

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFeeSchedule(t *testing.T) {
	_, err := NewFeeSchedule(1, 0)
	require.Error(t, err)

	_, err = NewFeeSchedule(101, 100)
	require.Error(t, err)

	fs, err := NewFeeSchedule(0, 100)
	require.NoError(t, err)
	assert.Zero(t, fs.Fee(big.NewInt(12345)).Sign())
}

func TestFeeSplit(t *testing.T) {
	fs, err := NewFeeSchedule(1, 100)
	require.NoError(t, err)

	cases := []struct {
		amount, fee, due int64
	}{
		{0, 0, 0},
		{1, 0, 1},
		{99, 0, 99},
		{100, 1, 99},
		{199, 1, 198},
		{1000, 10, 990},
		{12345, 123, 12222},
	}
	for _, tc := range cases {
		fee, due := fs.Split(big.NewInt(tc.amount))
		assert.Equal(t, tc.fee, fee.Int64(), "fee of %d", tc.amount)
		assert.Equal(t, tc.due, due.Int64(), "due of %d", tc.amount)
	}
}

// The split must be exact for arbitrary schedules and amounts: no unit is
// ever created or destroyed.
func TestFeeSplitConservation(t *testing.T) {
	schedules := [][2]uint64{{1, 100}, {3, 1000}, {25, 1000}, {1, 1}}
	amounts := []int64{0, 1, 7, 99, 100, 101, 999, 1_000_000_007}

	for _, s := range schedules {
		fs, err := NewFeeSchedule(s[0], s[1])
		require.NoError(t, err)
		for _, a := range amounts {
			amount := big.NewInt(a)
			fee, due := fs.Split(amount)
			sum := new(big.Int).Add(fee, due)
			assert.Zero(t, sum.Cmp(amount), "schedule %s amount %d", fs, a)
			assert.True(t, fee.Sign() >= 0)
			assert.True(t, due.Sign() >= 0)
		}
	}
}
