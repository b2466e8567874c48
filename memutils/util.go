package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns ErrNotPowerOfTwo, annotated with the provided name, if number is not a positive
// power of two
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return errors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T constraints.Integer](value T, alignment T) T {
	DebugCheckPow2(alignment, "alignment")
	return (value + alignment - 1) & ^(alignment - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T constraints.Integer](value T, alignment T) T {
	DebugCheckPow2(alignment, "alignment")
	return value & ^(alignment - 1)
}

// CheckRange verifies that [offset, offset+size) lies within [0, limit)
func CheckRange(offset, size, limit int) error {
	if offset < 0 || size < 0 || offset > limit || size > limit-offset {
		return errors.Wrapf(ErrOutOfBounds, "range [%d, %d) exceeds limit %d", offset, offset+size, limit)
	}
	return nil
}

// RangesOverlap returns true if [aOffset, aOffset+aSize) and [bOffset, bOffset+bSize) share at least one byte
func RangesOverlap(aOffset, aSize, bOffset, bSize int) bool {
	return aOffset < bOffset+bSize && bOffset < aOffset+aSize
}
