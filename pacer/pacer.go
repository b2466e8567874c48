package pacer

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ResizeListener is notified, in registration order, after the swap images have been rebuilt. Size
// dependent resources such as render targets and UI layout should be recreated here. Returning an error
// stops the render loop.
type ResizeListener func(extent Extent) error

// SlotHandles are the synchronization handles for the frame in progress
type SlotHandles struct {
	// WaitSemaphore must be waited on by the frame's submission before writing the swap image
	WaitSemaphore Semaphore
	// SignalSemaphore must be signaled by the frame's submission. Presentation waits on it.
	SignalSemaphore Semaphore
	// Fence must be signaled by the frame's submission. It has already been reset.
	Fence Fence
}

// Frame describes the frame returned by BeginFrame
type Frame struct {
	SlotHandles
	// Number is the value of the frame counter for this frame
	Number uint64
	// Slot is the ring position driving this frame
	Slot int
	// ImageIndex is the swap image to render into
	ImageIndex int
}

// Pacer drives the acquire, render, present cycle over a ring of frame slots. It keeps the CPU at most
// RingSize frames ahead of the GPU and never lets a new frame target a swap image the GPU is still
// rendering for an older frame.
//
// A Pacer is driven by a single render goroutine. The only methods that may be called from other goroutines
// are CompletedFrames and RetirementSignal, along with the Signaled method of the signals it returns.
//
// After BeginFrame succeeds, the caller must submit work that waits on WaitSemaphore and signals both
// SignalSemaphore and Fence, then call Present.
type Pacer struct {
	logger  *slog.Logger
	device  Device
	surface Surface
	tracker *SlotTracker

	extent           Extent
	rebuildRequested bool
	listeners        []ResizeListener

	frameCounter uint64
	frameActive  bool
	imageIndex   int

	// begunFrames is the number of frames, counting from frame 0, returned from BeginFrame
	begunFrames atomic.Uint64
	// completedFrames is the number of frames, counting from frame 0, known to have finished on the GPU
	completedFrames atomic.Uint64
	destroyed       bool
}

// RingSize is the maximum number of frames in flight
func (p *Pacer) RingSize() int { return p.tracker.RingSize() }

// ImageCount is the number of swap images
func (p *Pacer) ImageCount() int { return p.tracker.ImageCount() }

// Extent is the size the swap images were last built at
func (p *Pacer) Extent() Extent { return p.extent }

// FrameNumber is the frame counter: the number of the frame in progress, or of the next frame if none is
// in progress
func (p *Pacer) FrameNumber() uint64 { return p.frameCounter }

// CompletedFrames is the number of frames known to have finished on the GPU. Frames complete in
// submission order, so every frame numbered below the returned value is complete.
func (p *Pacer) CompletedFrames() uint64 { return p.completedFrames.Load() }

// Tracker exposes the slot ring
func (p *Pacer) Tracker() *SlotTracker { return p.tracker }

// CurrentImageIndex is the swap image of the frame in progress
func (p *Pacer) CurrentImageIndex() int { return p.imageIndex }

// CurrentFrameSlot returns the synchronization handles of the frame in progress
func (p *Pacer) CurrentFrameSlot() SlotHandles {
	slot := p.tracker.Current()
	return SlotHandles{
		WaitSemaphore:   slot.ImageAvailable,
		SignalSemaphore: p.tracker.RenderFinished(p.imageIndex),
		Fence:           slot.Fence,
	}
}

// OnResize registers a listener to be called each time the swap images are rebuilt
func (p *Pacer) OnResize(listener ResizeListener) {
	p.listeners = append(p.listeners, listener)
}

// BeginFrame prepares the next frame. It rebuilds the swap images if the surface has changed size, waits
// until the current slot's previous frame has finished on the GPU, acquires a swap image, waits for any
// older frame still rendering into that image, and resets the slot's fence for the caller's submission.
//
// ErrSurfaceUnavailable means the surface currently has no area and the frame should be skipped. Any other
// error is fatal.
func (p *Pacer) BeginFrame() (Frame, error) {
	p.logger.Debug("Pacer::BeginFrame")

	if p.destroyed {
		return Frame{}, errors.New("attempted to begin a frame on a destroyed pacer")
	}
	if p.frameActive {
		return Frame{}, errors.Newf("attempted to begin frame %d before presenting it", p.frameCounter)
	}

	extent, err := p.surfaceExtent()
	if err != nil {
		return Frame{}, err
	}

	if p.rebuildRequested || extent != p.extent {
		err = p.rebuild(extent)
		if err != nil {
			return Frame{}, err
		}
	}

	err = p.waitForSlot(p.tracker.Current())
	if err != nil {
		return Frame{}, err
	}

	imageIndex, err := p.acquire()
	if err != nil {
		return Frame{}, err
	}

	slot := p.tracker.Current()
	previous, err := p.tracker.ClaimImage(imageIndex, p.frameCounter)
	if err != nil {
		return Frame{}, errors.Mark(err, ErrSurfaceLost)
	}

	if previous != nil {
		err = p.waitForSlot(previous)
		if err != nil {
			return Frame{}, err
		}
	}

	err = slot.Fence.Reset()
	if err != nil {
		return Frame{}, classify(err, "failed to reset frame fence")
	}

	p.tracker.MarkSubmitted(p.frameCounter)
	p.imageIndex = imageIndex
	p.frameActive = true
	p.begunFrames.Store(p.frameCounter + 1)

	return Frame{
		SlotHandles: p.CurrentFrameSlot(),
		Number:      p.frameCounter,
		Slot:        slot.Index(),
		ImageIndex:  imageIndex,
	}, nil
}

// Present queues the frame's image for display, gated on its render finished semaphore, and then ends the
// frame: the ring advances to the next slot and the frame counter increments. Out of date and suboptimal
// results are not errors; the swap images are rebuilt at the start of the next frame.
func (p *Pacer) Present() error {
	p.logger.Debug("Pacer::Present")

	if !p.frameActive {
		return errors.New("attempted to present without beginning a frame")
	}

	err := p.surface.Present(p.imageIndex, p.tracker.RenderFinished(p.imageIndex))
	p.endFrame()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOutOfDate), errors.Is(err, ErrSuboptimal):
		p.logger.Debug("swap images need rebuilding after present", slog.Any("reason", err))
		p.rebuildRequested = true
		return nil
	default:
		return classify(err, "failed to present")
	}
}

func (p *Pacer) endFrame() {
	p.frameActive = false
	p.tracker.Advance()
	p.frameCounter++
}

// Poll checks, without blocking, whether any frames in flight have finished, and advances CompletedFrames
func (p *Pacer) Poll() error {
	for index := 0; index < p.tracker.RingSize(); index++ {
		slot := p.tracker.Slot(index)
		frame, inUse := slot.InUseByFrame()
		if !inUse || frame < p.completedFrames.Load() || (p.frameActive && frame == p.frameCounter) {
			continue
		}

		signaled, err := slot.Fence.Signaled()
		if err != nil {
			return classify(err, "failed to query frame fence")
		}

		if signaled {
			p.markCompleted(frame + 1)
		}
	}

	return nil
}

// WaitIdle blocks until the GPU has finished every submitted frame. A frame in progress is not treated as
// complete until it has been presented and the device idles again.
func (p *Pacer) WaitIdle() error {
	err := p.device.WaitIdle()
	if err != nil {
		return classify(err, "failed to wait for the device to idle")
	}

	p.markAllSubmittedCompleted()
	return nil
}

// Destroy waits for the device to go idle and destroys every synchronization object. The swap images
// themselves belong to the surface.
func (p *Pacer) Destroy() error {
	if p.destroyed {
		return nil
	}

	err := p.WaitIdle()
	p.tracker.Destroy()
	p.destroyed = true
	return err
}

func (p *Pacer) surfaceExtent() (Extent, error) {
	extent, err := p.surface.Extent()
	if err != nil {
		return Extent{}, classify(err, "failed to query the surface extent")
	}

	if extent.IsZero() {
		return Extent{}, ErrSurfaceUnavailable
	}

	return extent, nil
}

func (p *Pacer) waitForSlot(slot *FrameSlot) error {
	err := slot.Fence.Wait()
	if err != nil {
		return classify(err, "failed to wait for frame fence")
	}

	if frame, inUse := slot.InUseByFrame(); inUse {
		p.markCompleted(frame + 1)
	}

	return nil
}

func (p *Pacer) acquire() (int, error) {
	imageIndex, err := p.surface.AcquireNextImage(p.tracker.Current().ImageAvailable)
	if err == nil || errors.Is(err, ErrSuboptimal) {
		if err != nil {
			p.rebuildRequested = true
		}
		return imageIndex, nil
	}

	if !errors.Is(err, ErrOutOfDate) {
		return 0, classify(err, "failed to acquire swap image")
	}

	p.logger.Debug("swap images out of date on acquire, rebuilding")

	extent, err := p.surfaceExtent()
	if err != nil {
		return 0, err
	}

	err = p.rebuild(extent)
	if err != nil {
		return 0, err
	}

	imageIndex, err = p.surface.AcquireNextImage(p.tracker.Current().ImageAvailable)
	if err == nil || errors.Is(err, ErrSuboptimal) {
		if err != nil {
			p.rebuildRequested = true
		}
		return imageIndex, nil
	}

	if errors.Is(err, ErrOutOfDate) {
		return 0, errors.Mark(errors.Wrap(err, "swap images still out of date after rebuild"), ErrSurfaceLost)
	}

	return 0, classify(err, "failed to acquire swap image after rebuild")
}

func (p *Pacer) rebuild(extent Extent) error {
	p.logger.LogAttrs(context.Background(), slog.LevelInfo, "rebuilding swap images",
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
	)

	err := p.WaitIdle()
	if err != nil {
		return err
	}

	imageCount, err := p.surface.Rebuild(extent)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to rebuild swap images"), ErrSurfaceLost)
	}

	err = p.tracker.Rebuild(imageCount)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to rebuild frame slots"), ErrDeviceLost)
	}

	p.extent = extent
	p.rebuildRequested = false

	for _, listener := range p.listeners {
		err = listener(extent)
		if err != nil {
			return errors.Wrap(err, "resize listener failed")
		}
	}

	return nil
}

func (p *Pacer) markCompleted(frames uint64) {
	for {
		current := p.completedFrames.Load()
		if frames <= current || p.completedFrames.CompareAndSwap(current, frames) {
			return
		}
	}
}

// markAllSubmittedCompleted advances the watermark past every frame handed to the GPU. A frame that has
// begun but not been presented may not be submitted yet, so it is left out.
func (p *Pacer) markAllSubmittedCompleted() {
	submitted := p.begunFrames.Load()
	if p.frameActive {
		submitted = p.frameCounter
	}
	p.markCompleted(submitted)
}

// classify wraps err with msg, leaving the fatal sentinels visible to errors.Is. Unclassified errors are
// marked as device loss, since nothing else can be done with them.
func classify(err error, msg string) error {
	wrapped := errors.Wrap(err, msg)
	if errors.Is(err, ErrSurfaceLost) || errors.Is(err, ErrDeviceLost) {
		return wrapped
	}
	return errors.Mark(wrapped, ErrDeviceLost)
}
