package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionalMutexDisabled(t *testing.T) {
	var m OptionalMutex

	// Lock is a no-op, so locking twice from one goroutine cannot deadlock
	m.Lock()
	m.Lock()
	m.Unlock()
	m.Unlock()

	require.True(t, m.Mutex.TryLock())
	m.Mutex.Unlock()
}

func TestOptionalMutexEnabled(t *testing.T) {
	m := OptionalMutex{UseMutex: true}

	m.Lock()
	require.False(t, m.Mutex.TryLock())
	m.Unlock()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8000, counter)
}

func TestHandoffMutexFailsFast(t *testing.T) {
	var m HandoffMutex

	require.True(t, m.Acquire())
	require.False(t, m.Acquire())
	m.Release()
	require.True(t, m.Acquire())
	m.Release()
}

func TestHandoffMutexWaits(t *testing.T) {
	m := HandoffMutex{Wait: true}
	require.True(t, m.Acquire())

	acquired := make(chan struct{})
	go func() {
		m.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire did not wait for release")
	case <-time.After(20 * time.Millisecond):
	}

	// Released from a different goroutine than the one that acquired
	m.Release()
	<-acquired
	m.Release()
}
