package pacer

import (
	"github.com/cockroachdb/errors"
)

// FrameSlot is one ring position's synchronization state
type FrameSlot struct {
	// Fence is signaled by the GPU when the last submission made from this slot completes
	Fence Fence
	// ImageAvailable is signaled by the presentation engine when the acquired image may be written
	ImageAvailable Semaphore

	index int
	frame uint64
	inUse bool
}

// Index is the slot's position in the ring
func (s *FrameSlot) Index() int { return s.index }

// InUseByFrame returns the number of the last frame submitted from this slot, if any
func (s *FrameSlot) InUseByFrame() (uint64, bool) {
	return s.frame, s.inUse
}

type imageOwner struct {
	slot  int
	frame uint64
	valid bool
}

// SlotTracker owns a fixed ring of frame slots, plus the per-swap-image state: the semaphore that gates
// presentation of each image and which slot last rendered into it. It is not safe for concurrent use.
type SlotTracker struct {
	device    Device
	slots     []FrameSlot
	ringIndex int

	renderFinished []Semaphore
	owners         []imageOwner
}

// NewSlotTracker creates ringSize slots, each with a fence created in the signaled state so the first
// pass around the ring does not block, and presentation state for imageCount swap images
func NewSlotTracker(device Device, ringSize int, imageCount int) (*SlotTracker, error) {
	if ringSize < 1 {
		return nil, errors.Newf("ring size must be at least 1, got %d", ringSize)
	}
	if imageCount < 1 {
		return nil, errors.Newf("surface reported %d swap images", imageCount)
	}

	tracker := &SlotTracker{
		device: device,
		slots:  make([]FrameSlot, ringSize),
	}

	err := tracker.createSlots()
	if err == nil {
		err = tracker.createImages(imageCount)
	}
	if err != nil {
		tracker.Destroy()
		return nil, err
	}

	return tracker, nil
}

func (t *SlotTracker) createSlots() error {
	for index := range t.slots {
		slot := &t.slots[index]
		slot.index = index

		fence, err := t.device.CreateFence(true)
		if err != nil {
			return errors.Wrapf(err, "failed to create fence for frame slot %d", index)
		}
		slot.Fence = fence

		semaphore, err := t.device.CreateSemaphore()
		if err != nil {
			return errors.Wrapf(err, "failed to create image available semaphore for frame slot %d", index)
		}
		slot.ImageAvailable = semaphore
	}

	return nil
}

func (t *SlotTracker) createImages(imageCount int) error {
	t.owners = make([]imageOwner, imageCount)
	t.renderFinished = make([]Semaphore, imageCount)

	for index := range t.renderFinished {
		semaphore, err := t.device.CreateSemaphore()
		if err != nil {
			return errors.Wrapf(err, "failed to create render finished semaphore for swap image %d", index)
		}
		t.renderFinished[index] = semaphore
	}

	return nil
}

// RingSize is the number of slots in the ring
func (t *SlotTracker) RingSize() int { return len(t.slots) }

// ImageCount is the number of swap images the tracker currently holds state for
func (t *SlotTracker) ImageCount() int { return len(t.owners) }

// RingIndex is the position of the current slot
func (t *SlotTracker) RingIndex() int { return t.ringIndex }

// Current is the slot for the frame being prepared
func (t *SlotTracker) Current() *FrameSlot {
	return &t.slots[t.ringIndex]
}

// Slot returns the slot at a ring position
func (t *SlotTracker) Slot(index int) *FrameSlot {
	return &t.slots[index]
}

// RenderFinished is the semaphore that gates presentation of a swap image
func (t *SlotTracker) RenderFinished(imageIndex int) Semaphore {
	return t.renderFinished[imageIndex]
}

// Advance moves to the next slot in the ring
func (t *SlotTracker) Advance() {
	t.ringIndex = (t.ringIndex + 1) % len(t.slots)
}

// MarkSubmitted records that frame is being submitted from the current slot
func (t *SlotTracker) MarkSubmitted(frame uint64) {
	slot := t.Current()
	slot.frame = frame
	slot.inUse = true
}

// ClaimImage records that frame, submitted from the current slot, renders into imageIndex. If the image was
// last rendered by a different slot whose fence may not have signaled yet, that slot is returned so the
// caller can wait on it.
func (t *SlotTracker) ClaimImage(imageIndex int, frame uint64) (*FrameSlot, error) {
	if imageIndex < 0 || imageIndex >= len(t.owners) {
		return nil, errors.Newf("acquired image index %d, but there are only %d swap images", imageIndex, len(t.owners))
	}

	var previous *FrameSlot
	owner := t.owners[imageIndex]
	if owner.valid && owner.slot != t.ringIndex {
		candidate := &t.slots[owner.slot]
		if lastFrame, inUse := candidate.InUseByFrame(); inUse && lastFrame == owner.frame {
			previous = candidate
		}
	}

	t.owners[imageIndex] = imageOwner{
		slot:  t.ringIndex,
		frame: frame,
		valid: true,
	}

	return previous, nil
}

// ImageOwner returns the frame that last rendered into imageIndex
func (t *SlotTracker) ImageOwner(imageIndex int) (frame uint64, ok bool) {
	owner := t.owners[imageIndex]
	return owner.frame, owner.valid
}

// Rebuild destroys and recreates every fence and semaphore and resets image ownership for imageCount swap
// images. The device must be idle.
func (t *SlotTracker) Rebuild(imageCount int) error {
	if imageCount < 1 {
		return errors.Newf("surface reported %d swap images", imageCount)
	}

	t.destroyObjects()
	for index := range t.slots {
		t.slots[index].inUse = false
	}

	err := t.createSlots()
	if err != nil {
		return err
	}

	return t.createImages(imageCount)
}

func (t *SlotTracker) destroyObjects() {
	for index := range t.slots {
		slot := &t.slots[index]
		if slot.Fence != nil {
			slot.Fence.Destroy()
			slot.Fence = nil
		}
		if slot.ImageAvailable != nil {
			slot.ImageAvailable.Destroy()
			slot.ImageAvailable = nil
		}
	}

	for _, semaphore := range t.renderFinished {
		if semaphore != nil {
			semaphore.Destroy()
		}
	}
	t.renderFinished = nil
	t.owners = nil
}

// Destroy releases every synchronization object. The device must be idle.
func (t *SlotTracker) Destroy() {
	t.destroyObjects()
}
