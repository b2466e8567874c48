package vulkan

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	"github.com/vkngwrapper/lifecycle/pacer"
)

func TestSurfaceExtentUsesCurrentExtent(t *testing.T) {
	extent := surfaceExtent(&khr_surface.SurfaceCapabilities{
		CurrentExtent:  core1_0.Extent2D{Width: 1280, Height: 720},
		MinImageExtent: core1_0.Extent2D{Width: 1, Height: 1},
		MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
	}, func() pacer.Extent {
		t.Fatal("drawable size should not be consulted")
		return pacer.Extent{}
	})
	require.Equal(t, pacer.Extent{Width: 1280, Height: 720}, extent)
}

func TestSurfaceExtentMinimized(t *testing.T) {
	extent := surfaceExtent(&khr_surface.SurfaceCapabilities{
		CurrentExtent: core1_0.Extent2D{Width: 0, Height: 0},
	}, nil)
	require.True(t, extent.IsZero())
}

func TestSurfaceExtentClampsDrawableSize(t *testing.T) {
	capabilities := &khr_surface.SurfaceCapabilities{
		CurrentExtent:  core1_0.Extent2D{Width: -1, Height: -1},
		MinImageExtent: core1_0.Extent2D{Width: 16, Height: 16},
		MaxImageExtent: core1_0.Extent2D{Width: 2048, Height: 2048},
	}

	extent := surfaceExtent(capabilities, func() pacer.Extent {
		return pacer.Extent{Width: 4000, Height: 8}
	})
	require.Equal(t, pacer.Extent{Width: 2048, Height: 16}, extent)

	extent = surfaceExtent(capabilities, func() pacer.Extent {
		return pacer.Extent{Width: 800, Height: 600}
	})
	require.Equal(t, pacer.Extent{Width: 800, Height: 600}, extent)

	extent = surfaceExtent(capabilities, nil)
	require.Equal(t, pacer.Extent{Width: 16, Height: 16}, extent)
}

func TestPresentationErrors(t *testing.T) {
	err := presentationError(khr_swapchain.VKErrorOutOfDate, khr_swapchain.VKErrorOutOfDate.ToError(), "acquire")
	require.True(t, errors.Is(err, pacer.ErrOutOfDate))

	err = presentationError(khr_surface.VKErrorSurfaceLost, khr_surface.VKErrorSurfaceLost.ToError(), "present")
	require.True(t, errors.Is(err, pacer.ErrSurfaceLost))

	err = presentationError(core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError(), "present")
	require.True(t, errors.Is(err, pacer.ErrDeviceLost))

	err = presentationError(core1_0.VKErrorOutOfHostMemory, core1_0.VKErrorOutOfHostMemory.ToError(), "present")
	require.Error(t, err)
	require.False(t, errors.Is(err, pacer.ErrOutOfDate))
	require.False(t, errors.Is(err, pacer.ErrDeviceLost))

	err = presentationError(khr_swapchain.VKErrorOutOfDate, nil, "acquire")
	require.True(t, errors.Is(err, pacer.ErrOutOfDate))
}

func TestNewSurfaceValidation(t *testing.T) {
	_, err := NewSurface(SurfaceOptions{})
	require.Error(t, err)
}
