package sim_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/lifecycle/internal/sim"
	"github.com/vkngwrapper/lifecycle/pacer"
)

func TestFenceSignaledBySubmission(t *testing.T) {
	device := sim.NewDevice()

	fence, err := device.CreateFence(false)
	require.NoError(t, err)

	signaled, err := fence.Signaled()
	require.NoError(t, err)
	require.False(t, signaled)

	require.NoError(t, device.Submit(fence, time.Millisecond))
	require.NoError(t, fence.Wait())

	signaled, err = fence.Signaled()
	require.NoError(t, err)
	require.True(t, signaled)

	require.NoError(t, fence.Reset())
	signaled, err = fence.Signaled()
	require.NoError(t, err)
	require.False(t, signaled)

	simFence := fence.(*sim.Fence)
	require.Equal(t, 1, simFence.Waits())
	require.Equal(t, 1, simFence.Resets())
}

func TestWaitIdleDrainsSubmissions(t *testing.T) {
	device := sim.NewDevice()

	first, err := device.CreateFence(false)
	require.NoError(t, err)
	second, err := device.CreateFence(false)
	require.NoError(t, err)

	require.NoError(t, device.Submit(first, time.Millisecond))
	require.NoError(t, device.Submit(second, 5*time.Millisecond))
	require.NoError(t, device.WaitIdle())

	for _, fence := range device.Fences() {
		signaled, err := fence.Signaled()
		require.NoError(t, err)
		require.True(t, signaled)
	}
	require.Equal(t, 1, device.WaitIdleCount())
}

func TestSubmitForeignFence(t *testing.T) {
	device := sim.NewDevice()
	other := sim.NewDevice()

	fence, err := other.CreateFence(true)
	require.NoError(t, err)

	require.Error(t, device.Submit(fence, 0))
}

func TestDestroyReleasesWaiters(t *testing.T) {
	device := sim.NewDevice()

	fence, err := device.CreateFence(false)
	require.NoError(t, err)
	semaphore, err := device.CreateSemaphore()
	require.NoError(t, err)
	require.Equal(t, 2, device.LiveObjects())

	done := make(chan error)
	go func() {
		done <- fence.Wait()
	}()

	require.Eventually(t, func() bool {
		return fence.(*sim.Fence).Waits() == 1
	}, time.Second, time.Millisecond)

	fence.Destroy()
	require.Error(t, <-done)

	fence.Destroy()
	semaphore.Destroy()
	semaphore.Destroy()
	require.Equal(t, 0, device.LiveObjects())
	require.True(t, fence.(*sim.Fence).IsDestroyed())
}

func TestLostDevice(t *testing.T) {
	device := sim.NewDevice()

	fence, err := device.CreateFence(true)
	require.NoError(t, err)

	device.Lose()

	_, err = device.CreateFence(true)
	require.True(t, errors.Is(err, pacer.ErrDeviceLost))
	_, err = device.CreateSemaphore()
	require.True(t, errors.Is(err, pacer.ErrDeviceLost))
	require.True(t, errors.Is(fence.Wait(), pacer.ErrDeviceLost))
	require.True(t, errors.Is(device.WaitIdle(), pacer.ErrDeviceLost))
}

func TestSurfaceAcquireRoundRobin(t *testing.T) {
	device := sim.NewDevice()
	semaphore, err := device.CreateSemaphore()
	require.NoError(t, err)

	surface := sim.NewSurface(pacer.Extent{Width: 800, Height: 600}, 3)

	_, err = surface.AcquireNextImage(semaphore)
	require.True(t, errors.Is(err, pacer.ErrOutOfDate))

	count, err := surface.Rebuild(pacer.Extent{Width: 800, Height: 600})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	for i := 0; i < 4; i++ {
		_, err = surface.AcquireNextImage(semaphore)
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 1, 2, 0}, surface.Acquired())

	_, err = surface.AcquireNextImage(nil)
	require.Error(t, err)
}

func TestSurfaceScriptedFailures(t *testing.T) {
	device := sim.NewDevice()
	semaphore, err := device.CreateSemaphore()
	require.NoError(t, err)

	extent := pacer.Extent{Width: 640, Height: 480}
	surface := sim.NewSurface(extent, 2)
	_, err = surface.Rebuild(extent)
	require.NoError(t, err)

	surface.SetAcquireOrder([]int{1, 1, 0})
	surface.FailAcquires(1)

	_, err = surface.AcquireNextImage(semaphore)
	require.True(t, errors.Is(err, pacer.ErrOutOfDate))

	var images []int
	for i := 0; i < 3; i++ {
		image, err := surface.AcquireNextImage(semaphore)
		require.NoError(t, err)
		images = append(images, image)
	}
	require.Equal(t, []int{1, 1, 0}, images)

	surface.SetPresentError(pacer.ErrSuboptimal)
	require.True(t, errors.Is(surface.Present(0, semaphore), pacer.ErrSuboptimal))
	require.NoError(t, surface.Present(1, semaphore))
	require.Equal(t, []int{0, 1}, surface.Presented())

	surface.SetRebuildError(pacer.ErrSurfaceLost)
	_, err = surface.Rebuild(extent)
	require.True(t, errors.Is(err, pacer.ErrSurfaceLost))
	require.Equal(t, 1, surface.Rebuilds())

	surface.Resize(pacer.Extent{Width: 1024, Height: 768})
	got, err := surface.Extent()
	require.NoError(t, err)
	require.Equal(t, pacer.Extent{Width: 1024, Height: 768}, got)
}
