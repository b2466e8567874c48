package pacer

// FrameSignal is signaled once a particular frame, and so every frame before it, has finished on the GPU.
// It satisfies suballoc.CompletionSignal, which lets blocks read by in-flight frames be retired safely.
type FrameSignal struct {
	pacer  *Pacer
	frames uint64
}

// Signaled reports whether the frame has completed. It reads the pacer's completion watermark and never
// touches a fence, so it is safe to call from any goroutine. The watermark advances when the render
// goroutine waits on frame fences, calls Poll, or waits for the device to idle.
func (s FrameSignal) Signaled() (bool, error) {
	if s.pacer == nil {
		return true, nil
	}
	return s.pacer.completedFrames.Load() >= s.frames, nil
}

// Frames is the number of frames, counting from 0, that must complete before the signal fires
func (s FrameSignal) Frames() uint64 {
	return s.frames
}

// RetirementSignal returns a signal that fires once every frame begun so far, including the frame in
// progress, has finished on the GPU. Memory that any of those frames may read can be released behind it.
// It may be called from any goroutine.
func (p *Pacer) RetirementSignal() FrameSignal {
	return FrameSignal{
		pacer:  p,
		frames: p.begunFrames.Load(),
	}
}
