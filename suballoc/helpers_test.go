package suballoc

import (
	"strconv"
	"sync/atomic"
)

func itoa(value uint64) string {
	return strconv.FormatUint(value, 10)
}

// manualSignal is a CompletionSignal the test flips by hand
type manualSignal struct {
	signaled atomic.Bool
	err      error
	checks   atomic.Int32
}

func (s *manualSignal) Signal() {
	s.signaled.Store(true)
}

func (s *manualSignal) Signaled() (bool, error) {
	s.checks.Add(1)
	if s.err != nil {
		return false, s.err
	}
	return s.signaled.Load(), nil
}
