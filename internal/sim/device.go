// Package sim is an in-process stand-in for a GPU and its presentation engine. Fences are signaled by
// simulated submissions that complete after a configurable latency, or by hand from tests.
package sim

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/pacer"
)

// Fence is a pacer.Fence backed by a condition variable
type Fence struct {
	device *Device
	id     int

	mu        sync.Mutex
	cond      *sync.Cond
	signaled  bool
	destroyed bool
	waits     int
	resets    int
}

var _ pacer.Fence = &Fence{}

func (f *Fence) ID() int { return f.id }

// Signal marks the fence as signaled, releasing every waiter
func (f *Fence) Signal() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.signaled = true
	f.cond.Broadcast()
}

func (f *Fence) Wait() error {
	if err := f.device.checkLost(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.waits++
	for !f.signaled && !f.destroyed {
		f.cond.Wait()
	}

	if f.destroyed {
		return errors.Newf("fence %d was destroyed while being waited on", f.id)
	}

	return nil
}

func (f *Fence) Reset() error {
	if err := f.device.checkLost(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.signaled = false
	f.resets++
	return nil
}

func (f *Fence) Signaled() (bool, error) {
	if err := f.device.checkLost(); err != nil {
		return false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.signaled, nil
}

func (f *Fence) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyed {
		return
	}

	f.destroyed = true
	f.cond.Broadcast()
	f.device.objectDestroyed()
}

// Waits is the number of times Wait has been called
func (f *Fence) Waits() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.waits
}

// Resets is the number of times Reset has been called
func (f *Fence) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.resets
}

// IsDestroyed returns true once Destroy has been called
func (f *Fence) IsDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.destroyed
}

// Semaphore is a pacer.Semaphore. The simulation does not model GPU-side ordering, so it only tracks its
// own lifetime.
type Semaphore struct {
	device    *Device
	id        int
	destroyed bool
}

var _ pacer.Semaphore = &Semaphore{}

func (s *Semaphore) ID() int { return s.id }

func (s *Semaphore) Destroy() {
	if s.destroyed {
		return
	}

	s.destroyed = true
	s.device.objectDestroyed()
}

// Device is a pacer.Device whose submissions complete on timers
type Device struct {
	mu        sync.Mutex
	nextID    int
	live      int
	waitIdles int
	lost      bool
	fences    []*Fence

	pending sync.WaitGroup
}

var _ pacer.Device = &Device{}

func NewDevice() *Device {
	return &Device{}
}

func (d *Device) CreateFence(signaled bool) (pacer.Fence, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.live++
	fence := &Fence{
		device:   d,
		id:       d.nextID,
		signaled: signaled,
	}
	fence.cond = sync.NewCond(&fence.mu)
	d.fences = append(d.fences, fence)

	return fence, nil
}

func (d *Device) CreateSemaphore() (pacer.Semaphore, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	d.live++
	return &Semaphore{device: d, id: d.nextID}, nil
}

// Submit simulates a queue submission that signals fence after latency
func (d *Device) Submit(fence pacer.Fence, latency time.Duration) error {
	simFence, ok := fence.(*Fence)
	if !ok || simFence.device != d {
		return errors.New("submitted fence was not created by this device")
	}

	if err := d.checkLost(); err != nil {
		return err
	}

	d.pending.Add(1)
	time.AfterFunc(latency, func() {
		defer d.pending.Done()
		simFence.Signal()
	})

	return nil
}

func (d *Device) WaitIdle() error {
	if err := d.checkLost(); err != nil {
		return err
	}

	d.pending.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.waitIdles++

	return nil
}

// WaitIdleCount is the number of times WaitIdle has completed
func (d *Device) WaitIdleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.waitIdles
}

// LiveObjects is the number of fences and semaphores that have been created and not destroyed
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.live
}

// Fences returns every fence this device has created, in creation order
func (d *Device) Fences() []*Fence {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]*Fence(nil), d.fences...)
}

// Lose makes every subsequent call fail with pacer.ErrDeviceLost
func (d *Device) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lost = true
}

func (d *Device) checkLost() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lost {
		return pacer.ErrDeviceLost
	}
	return nil
}

func (d *Device) objectDestroyed() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.live--
}
