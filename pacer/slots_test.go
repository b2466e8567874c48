package pacer_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/lifecycle/internal/sim"
	"github.com/vkngwrapper/lifecycle/pacer"
)

func TestSlotTrackerCreatesSignaledFences(t *testing.T) {
	device := sim.NewDevice()

	tracker, err := pacer.NewSlotTracker(device, 3, 4)
	require.NoError(t, err)
	require.Equal(t, 3, tracker.RingSize())
	require.Equal(t, 4, tracker.ImageCount())
	require.Equal(t, 3*2+4, device.LiveObjects())

	for index := 0; index < tracker.RingSize(); index++ {
		slot := tracker.Slot(index)
		require.Equal(t, index, slot.Index())

		signaled, err := slot.Fence.Signaled()
		require.NoError(t, err)
		require.True(t, signaled)

		_, inUse := slot.InUseByFrame()
		require.False(t, inUse)
	}

	tracker.Destroy()
	require.Equal(t, 0, device.LiveObjects())
}

func TestSlotTrackerAdvanceWraps(t *testing.T) {
	tracker, err := pacer.NewSlotTracker(sim.NewDevice(), 3, 3)
	require.NoError(t, err)

	var indices []int
	for i := 0; i < 7; i++ {
		indices = append(indices, tracker.Current().Index())
		tracker.Advance()
	}

	require.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, indices)
}

func TestSlotTrackerClaimImage(t *testing.T) {
	tracker, err := pacer.NewSlotTracker(sim.NewDevice(), 2, 3)
	require.NoError(t, err)

	// Frame 0 renders image 1 from slot 0
	tracker.MarkSubmitted(0)
	previous, err := tracker.ClaimImage(1, 0)
	require.NoError(t, err)
	require.Nil(t, previous)
	tracker.Advance()

	// Frame 1 renders image 1 from slot 1 and must wait on slot 0
	tracker.MarkSubmitted(1)
	previous, err = tracker.ClaimImage(1, 1)
	require.NoError(t, err)
	require.NotNil(t, previous)
	require.Equal(t, 0, previous.Index())
	tracker.Advance()

	// Frame 2 reuses slot 0, so image 1's owner in slot 1 is the only older frame left
	tracker.MarkSubmitted(2)
	previous, err = tracker.ClaimImage(1, 2)
	require.NoError(t, err)
	require.NotNil(t, previous)
	require.Equal(t, 1, previous.Index())

	// Claiming from the same slot that already owns the image needs no extra wait
	previous, err = tracker.ClaimImage(1, 2)
	require.NoError(t, err)
	require.Nil(t, previous)

	frame, ok := tracker.ImageOwner(1)
	require.True(t, ok)
	require.Equal(t, uint64(2), frame)

	_, ok = tracker.ImageOwner(0)
	require.False(t, ok)

	_, err = tracker.ClaimImage(3, 3)
	require.Error(t, err)
}

func TestSlotTrackerIgnoresStaleOwner(t *testing.T) {
	tracker, err := pacer.NewSlotTracker(sim.NewDevice(), 2, 2)
	require.NoError(t, err)

	// Frame 0 renders image 0 from slot 0
	tracker.MarkSubmitted(0)
	_, err = tracker.ClaimImage(0, 0)
	require.NoError(t, err)
	tracker.Advance()

	// Frame 1 renders image 1 from slot 1
	tracker.MarkSubmitted(1)
	_, err = tracker.ClaimImage(1, 1)
	require.NoError(t, err)
	tracker.Advance()

	// Frame 2 renders image 1 from slot 0. Slot 0's fence was already waited on for this frame.
	tracker.MarkSubmitted(2)
	_, err = tracker.ClaimImage(1, 2)
	require.NoError(t, err)
	tracker.Advance()

	// Frame 3 renders image 0 from slot 1. Image 0's owner was frame 0 in slot 0, which has since moved on
	// to frame 2, so there is nothing to wait on.
	tracker.MarkSubmitted(3)
	previous, err := tracker.ClaimImage(0, 3)
	require.NoError(t, err)
	require.Nil(t, previous)
}

func TestSlotTrackerRebuild(t *testing.T) {
	device := sim.NewDevice()
	tracker, err := pacer.NewSlotTracker(device, 2, 3)
	require.NoError(t, err)

	tracker.MarkSubmitted(0)
	_, err = tracker.ClaimImage(0, 0)
	require.NoError(t, err)
	tracker.Advance()

	oldFences := device.Fences()
	require.NoError(t, tracker.Rebuild(5))

	require.Equal(t, 5, tracker.ImageCount())
	require.Equal(t, 2*2+5, device.LiveObjects())
	require.Equal(t, 1, tracker.RingIndex())
	for _, fence := range oldFences {
		require.True(t, fence.IsDestroyed())
	}

	_, inUse := tracker.Slot(0).InUseByFrame()
	require.False(t, inUse)
	_, ok := tracker.ImageOwner(0)
	require.False(t, ok)

	require.Error(t, tracker.Rebuild(0))
}

func TestSlotTrackerValidation(t *testing.T) {
	device := sim.NewDevice()

	_, err := pacer.NewSlotTracker(device, 0, 3)
	require.Error(t, err)

	_, err = pacer.NewSlotTracker(device, 3, 0)
	require.Error(t, err)
	require.Equal(t, 0, device.LiveObjects())
}

func TestSlotTrackerCleansUpOnDeviceLoss(t *testing.T) {
	device := sim.NewDevice()
	device.Lose()

	_, err := pacer.NewSlotTracker(device, 3, 3)
	require.ErrorIs(t, err, pacer.ErrDeviceLost)
	require.Equal(t, 0, device.LiveObjects())
}
