package pacer

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfDate is reported by a Surface when its swap images no longer match the surface and must be
	// rebuilt. The pacer handles it internally: it is never returned from BeginFrame or Present.
	ErrOutOfDate = errors.New("swap images are out of date")
	// ErrSuboptimal is reported by a Surface when presentation succeeded but the swap images should be
	// rebuilt. The pacer rebuilds them at the start of the next frame.
	ErrSuboptimal = errors.New("swap images are suboptimal")
	// ErrSurfaceLost is fatal: the connection to the presentation surface is gone and the render loop must
	// stop. It is also returned when rebuilding the swap images fails or acquisition is still out of date
	// after a rebuild.
	ErrSurfaceLost = errors.New("presentation surface lost")
	// ErrDeviceLost is fatal: the device can no longer execute work
	ErrDeviceLost = errors.New("device lost")
	// ErrSurfaceUnavailable is returned from BeginFrame while the surface has no visible area. It is not
	// fatal: skip the frame and try again later.
	ErrSurfaceUnavailable = errors.New("presentation surface has no visible area")
)

// IsFatal returns true if err, returned from BeginFrame or Present, means the render loop cannot continue.
// Everything other than ErrSurfaceUnavailable is fatal.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrSurfaceUnavailable)
}
