package sim

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/pacer"
)

// Surface is a pacer.Surface with a resizable extent and scriptable failures. By default images are
// handed out round-robin.
type Surface struct {
	mu sync.Mutex

	extent      pacer.Extent
	builtExtent pacer.Extent
	imageCount  int
	nextImage   int
	order       []int

	failAcquires int
	acquireErr   error
	presentErr   error
	rebuildErr   error

	rebuilds  int
	acquired  []int
	presented []int
}

var _ pacer.Surface = &Surface{}

// NewSurface creates a surface of the provided size that builds imageCount swap images
func NewSurface(extent pacer.Extent, imageCount int) *Surface {
	return &Surface{
		extent:     extent,
		imageCount: imageCount,
	}
}

// Resize changes the surface size. The swap images go out of date until the next rebuild.
func (s *Surface) Resize(extent pacer.Extent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extent = extent
}

// SetImageCount changes how many images the next rebuild produces
func (s *Surface) SetImageCount(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.imageCount = count
}

// SetAcquireOrder makes acquisition cycle through order instead of round-robin
func (s *Surface) SetAcquireOrder(order []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = append([]int(nil), order...)
	s.nextImage = 0
}

// FailAcquires makes the next count acquisitions report pacer.ErrOutOfDate
func (s *Surface) FailAcquires(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failAcquires = count
}

// SetAcquireError makes every acquisition fail with err until it is cleared with nil
func (s *Surface) SetAcquireError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.acquireErr = err
}

// SetPresentError makes the next presentation report err
func (s *Surface) SetPresentError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.presentErr = err
}

// SetRebuildError makes every rebuild fail with err until it is cleared with nil
func (s *Surface) SetRebuildError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rebuildErr = err
}

func (s *Surface) Extent() (pacer.Extent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.extent, nil
}

func (s *Surface) Rebuild(extent pacer.Extent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rebuildErr != nil {
		return 0, s.rebuildErr
	}

	s.rebuilds++
	s.builtExtent = extent
	s.nextImage = 0
	return s.imageCount, nil
}

func (s *Surface) AcquireNextImage(signal pacer.Semaphore) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if signal == nil {
		return 0, errors.New("acquire requires a semaphore")
	}

	if s.acquireErr != nil {
		return 0, s.acquireErr
	}

	if s.failAcquires > 0 {
		s.failAcquires--
		return 0, pacer.ErrOutOfDate
	}

	if s.builtExtent != s.extent {
		return 0, pacer.ErrOutOfDate
	}

	var image int
	if len(s.order) > 0 {
		image = s.order[s.nextImage%len(s.order)]
	} else {
		image = s.nextImage % s.imageCount
	}
	s.nextImage++

	s.acquired = append(s.acquired, image)
	return image, nil
}

func (s *Surface) Present(imageIndex int, wait pacer.Semaphore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wait == nil {
		return errors.New("present requires a semaphore")
	}

	s.presented = append(s.presented, imageIndex)

	err := s.presentErr
	s.presentErr = nil
	return err
}

// Rebuilds is the number of successful rebuilds
func (s *Surface) Rebuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rebuilds
}

// Acquired lists every image index handed out, in order
func (s *Surface) Acquired() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.acquired...)
}

// Presented lists every image index presented, in order
func (s *Surface) Presented() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.presented...)
}
