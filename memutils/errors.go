package memutils

import "github.com/cockroachdb/errors"

// ErrNotPowerOfTwo is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var ErrNotPowerOfTwo = errors.New("number must be a power of two")

// ErrOutOfBounds is returned when a byte range falls outside of the region it is being checked against
var ErrOutOfBounds = errors.New("range is out of bounds")
