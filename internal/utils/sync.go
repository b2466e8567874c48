package utils

import (
	"sync"
)

// OptionalMutex is skipped entirely when UseMutex is false, for objects whose owner has promised to
// confine them to a single goroutine
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// HandoffMutex is acquired by one call and released by a later one, so it may stay held while control
// returns to the caller. With Wait unset, Acquire reports failure instead of blocking: an owner that
// promised single-goroutine use can only find it held if it overlapped two acquisitions itself, and
// waiting would deadlock.
type HandoffMutex struct {
	mutex sync.Mutex
	Wait  bool
}

// Acquire takes the mutex and returns true, or returns false if Wait is unset and the mutex is held
func (m *HandoffMutex) Acquire() bool {
	if m.Wait {
		m.mutex.Lock()
		return true
	}

	return m.mutex.TryLock()
}

func (m *HandoffMutex) Release() {
	m.mutex.Unlock()
}
