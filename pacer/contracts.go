package pacer

//go:generate mockgen -source contracts.go -destination mocks/mocks.go -package mock_pacer

// Extent is the size of the presentation surface in pixels
type Extent struct {
	Width  int
	Height int
}

// IsZero returns true for a surface with no visible area, such as a minimized window
func (e Extent) IsZero() bool {
	return e.Width <= 0 || e.Height <= 0
}

// Fence is a CPU-observable completion signal for submitted GPU work
type Fence interface {
	// Wait blocks until the fence is signaled. There is no timeout: the GPU is assumed to always finish.
	Wait() error
	// Reset returns the fence to the unsignaled state
	Reset() error
	// Signaled reports the fence's state without blocking
	Signaled() (bool, error)
	Destroy()
}

// Semaphore is a GPU-side ordering primitive used to chain acquire, rendering and presentation
type Semaphore interface {
	Destroy()
}

// Device creates synchronization primitives and can drain all outstanding GPU work
type Device interface {
	CreateFence(signaled bool) (Fence, error)
	CreateSemaphore() (Semaphore, error)
	// WaitIdle blocks until every submission made to the device has completed
	WaitIdle() error
}

// Surface is the presentation side of a swapchain. Implementations report failures with the sentinel
// errors of this package (ErrOutOfDate, ErrSuboptimal, ErrSurfaceLost, ErrDeviceLost) so that the pacer
// can tell recoverable conditions from fatal ones.
type Surface interface {
	// Extent is the surface's current size. It may differ from the size of the current swap images,
	// which is how a resize is detected.
	Extent() (Extent, error)
	// Rebuild recreates the swap images at the provided extent and returns how many there are. The device
	// is idle when it is called.
	Rebuild(extent Extent) (imageCount int, err error)
	// AcquireNextImage returns the index of the next swap image to draw into. signal is signaled by the
	// presentation engine once the image may be written.
	AcquireNextImage(signal Semaphore) (int, error)
	// Present queues imageIndex for display once wait is signaled
	Present(imageIndex int, wait Semaphore) error
}
