package vulkan

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"github.com/vkngwrapper/lifecycle/internal/logging"
	"github.com/vkngwrapper/lifecycle/pacer"
)

// SwapchainFactory creates a swapchain of the requested extent. Format, present mode and usage are the
// renderer's decision. old is the swapchain being replaced, and may be uninitialized; it should be passed as
// SwapchainCreateInfo.OldSwapchain. The Surface destroys old after the factory returns.
type SwapchainFactory func(extent core1_0.Extent2D, old khr_swapchain.Swapchain) (khr_swapchain.Swapchain, error)

// SurfaceOptions are used to create a Surface. Every field other than Logger and DrawableSize is required.
type SurfaceOptions struct {
	Logger *slog.Logger

	PhysicalDevice  core1_0.PhysicalDevice
	Surface         khr_surface.Surface
	SurfaceDriver   khr_surface.ExtensionDriver
	SwapchainDriver khr_swapchain.ExtensionDriver
	PresentQueue    core1_0.Queue

	CreateSwapchain SwapchainFactory

	// DrawableSize reports the window's drawable size, for platforms where the surface extent is
	// determined by the swapchain
	DrawableSize func() pacer.Extent
}

// Surface is a pacer.Surface over a VkSurfaceKHR and the swapchain built on it
type Surface struct {
	logger *slog.Logger

	physicalDevice  core1_0.PhysicalDevice
	surface         khr_surface.Surface
	surfaceDriver   khr_surface.ExtensionDriver
	swapchainDriver khr_swapchain.ExtensionDriver
	presentQueue    core1_0.Queue
	createSwapchain SwapchainFactory
	drawableSize    func() pacer.Extent

	swapchain khr_swapchain.Swapchain
	images    []core1_0.Image
}

var _ pacer.Surface = &Surface{}

// NewSurface creates a Surface. No swapchain exists until the first Rebuild.
func NewSurface(options SurfaceOptions) (*Surface, error) {
	if options.SurfaceDriver == nil || options.SwapchainDriver == nil {
		return nil, errors.New("a surface requires both the khr_surface and khr_swapchain extension drivers")
	}
	if options.CreateSwapchain == nil {
		return nil, errors.New("a surface requires a swapchain factory")
	}

	return &Surface{
		logger:          logging.OrDiscard(options.Logger),
		physicalDevice:  options.PhysicalDevice,
		surface:         options.Surface,
		surfaceDriver:   options.SurfaceDriver,
		swapchainDriver: options.SwapchainDriver,
		presentQueue:    options.PresentQueue,
		createSwapchain: options.CreateSwapchain,
		drawableSize:    options.DrawableSize,
	}, nil
}

// VulkanSwapchain is the current swapchain
func (s *Surface) VulkanSwapchain() khr_swapchain.Swapchain { return s.swapchain }

// Images are the current swapchain's images, indexed by the image index returned from AcquireNextImage
func (s *Surface) Images() []core1_0.Image { return s.images }

func (s *Surface) Extent() (pacer.Extent, error) {
	capabilities, res, err := s.surfaceDriver.GetPhysicalDeviceSurfaceCapabilities(s.surface, s.physicalDevice)
	if err != nil {
		return pacer.Extent{}, presentationError(res, err, "failed to query surface capabilities")
	}

	return surfaceExtent(capabilities, s.drawableSize), nil
}

// surfaceExtent is the current extent, or when the swapchain decides the extent, the drawable size
// clamped to the supported range
func surfaceExtent(capabilities *khr_surface.SurfaceCapabilities, drawableSize func() pacer.Extent) pacer.Extent {
	if capabilities.CurrentExtent.Width != -1 {
		return pacer.Extent{
			Width:  capabilities.CurrentExtent.Width,
			Height: capabilities.CurrentExtent.Height,
		}
	}

	if drawableSize == nil {
		return pacer.Extent{
			Width:  capabilities.MinImageExtent.Width,
			Height: capabilities.MinImageExtent.Height,
		}
	}

	size := drawableSize()
	return pacer.Extent{
		Width:  clamp(size.Width, capabilities.MinImageExtent.Width, capabilities.MaxImageExtent.Width),
		Height: clamp(size.Height, capabilities.MinImageExtent.Height, capabilities.MaxImageExtent.Height),
	}
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func (s *Surface) Rebuild(extent pacer.Extent) (int, error) {
	old := s.swapchain

	swapchain, err := s.createSwapchain(core1_0.Extent2D{Width: extent.Width, Height: extent.Height}, old)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create swapchain")
	}

	if old.Initialized() {
		s.swapchainDriver.DestroySwapchain(old, nil)
	}
	s.swapchain = swapchain

	images, res, err := s.swapchainDriver.GetSwapchainImages(swapchain)
	if err != nil {
		return 0, presentationError(res, err, "failed to get swapchain images")
	}
	s.images = images

	s.logger.Debug("swapchain rebuilt", slog.Int("images", len(images)))
	return len(images), nil
}

func (s *Surface) AcquireNextImage(signal pacer.Semaphore) (int, error) {
	semaphore, ok := signal.(*Semaphore)
	if !ok {
		return 0, errors.Newf("expected a vulkan semaphore, got %T", signal)
	}

	imageIndex, res, err := s.swapchainDriver.AcquireNextImage(s.swapchain, common.NoTimeout, &semaphore.semaphore, nil)
	if res == khr_swapchain.VKSuboptimal {
		return imageIndex, pacer.ErrSuboptimal
	}
	if err != nil || res == khr_swapchain.VKErrorOutOfDate {
		return 0, presentationError(res, err, "failed to acquire swapchain image")
	}

	return imageIndex, nil
}

func (s *Surface) Present(imageIndex int, wait pacer.Semaphore) error {
	semaphore, ok := wait.(*Semaphore)
	if !ok {
		return errors.Newf("expected a vulkan semaphore, got %T", wait)
	}

	res, err := s.swapchainDriver.QueuePresent(s.presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{semaphore.semaphore},
		Swapchains:     []khr_swapchain.Swapchain{s.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKSuboptimal {
		return pacer.ErrSuboptimal
	}
	if err != nil || res == khr_swapchain.VKErrorOutOfDate {
		return presentationError(res, err, "failed to present swapchain image")
	}

	return nil
}

// Destroy destroys the swapchain. The device must be idle. The surface itself belongs to the caller.
func (s *Surface) Destroy() {
	if s.swapchain.Initialized() {
		s.swapchainDriver.DestroySwapchain(s.swapchain, nil)
		s.swapchain = khr_swapchain.Swapchain{}
	}
	s.images = nil
}

// presentationError translates presentation results into the pacer's sentinels
func presentationError(res common.VkResult, err error, msg string) error {
	if err == nil {
		err = errors.Newf("unexpected result %v", res)
	}
	wrapped := errors.Wrap(err, msg)

	switch res {
	case khr_swapchain.VKErrorOutOfDate:
		return errors.Mark(wrapped, pacer.ErrOutOfDate)
	case khr_surface.VKErrorSurfaceLost:
		return errors.Mark(wrapped, pacer.ErrSurfaceLost)
	case core1_0.VKErrorDeviceLost:
		return errors.Mark(wrapped, pacer.ErrDeviceLost)
	}

	return wrapped
}
