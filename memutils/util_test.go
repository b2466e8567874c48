package memutils

import (
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 16))
	require.Equal(t, 16, AlignUp(1, 16))
	require.Equal(t, 112, AlignUp(100, 16))
	require.Equal(t, 1008, AlignUp(1000, 16))
	require.Equal(t, 1024, AlignUp(1024, 16))
	require.Equal(t, 7, AlignUp(7, 1))
	require.Equal(t, uint(8), AlignUp(uint(5), 4))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 96, AlignDown(100, 16))
	require.Equal(t, 0, AlignDown(15, 16))
	require.Equal(t, 4, AlignDown(7, 4))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, CheckPow2(1, "alignment"))
	require.NoError(t, CheckPow2(16, "alignment"))
	require.NoError(t, CheckPow2(uint(4), "alignment"))

	err := CheckPow2(12, "alignment")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrNotPowerOfTwo))
	require.Contains(t, err.Error(), "alignment is 12")

	require.ErrorIs(t, CheckPow2(0, "alignment"), ErrNotPowerOfTwo)
	require.ErrorIs(t, CheckPow2(-4, "alignment"), ErrNotPowerOfTwo)
}

func TestCheckRange(t *testing.T) {
	require.NoError(t, CheckRange(0, 1024, 1024))
	require.NoError(t, CheckRange(1024, 0, 1024))
	require.NoError(t, CheckRange(100, 12, 112))

	require.ErrorIs(t, CheckRange(-1, 4, 1024), ErrOutOfBounds)
	require.ErrorIs(t, CheckRange(1000, 25, 1024), ErrOutOfBounds)
	require.ErrorIs(t, CheckRange(1025, 0, 1024), ErrOutOfBounds)
	require.ErrorIs(t, CheckRange(0, -1, 1024), ErrOutOfBounds)
}

func TestRangesOverlap(t *testing.T) {
	require.True(t, RangesOverlap(0, 16, 8, 16))
	require.True(t, RangesOverlap(8, 16, 0, 16))
	require.True(t, RangesOverlap(0, 32, 8, 4))
	require.False(t, RangesOverlap(0, 16, 16, 16))
	require.False(t, RangesOverlap(16, 16, 0, 16))
	require.False(t, RangesOverlap(0, 0, 0, 16))
}

type validity struct {
	err error
}

func (v validity) Validate() error { return v.err }

func TestValidateAll(t *testing.T) {
	require.NoError(t, ValidateAll[validity]())
	require.NoError(t, ValidateAll(validity{}, validity{}))

	first := errors.New("first")
	second := errors.New("second")
	err := ValidateAll(validity{}, validity{err: first}, validity{err: second})
	require.ErrorIs(t, err, first)
	require.Contains(t, fmt.Sprintf("%+v", err), "second")
}
