package pacer

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/internal/logging"
)

const (
	// DefaultRingSize is the number of frames that may be in flight when CreateOptions.RingSize is left empty
	DefaultRingSize int = 3
)

// CreateOptions contains optional settings when creating a Pacer
type CreateOptions struct {
	// RingSize is the number of frame slots, and so the maximum number of frames the CPU may run ahead
	// of the GPU. Defaults to DefaultRingSize
	RingSize int
}

// New creates a Pacer and builds the swap images at the surface's current extent
//
// logger - Receives diagnostic output. It may be nil, in which case nothing is logged
//
// device - Creates fences and semaphores and can be waited on until idle
//
// surface - The presentation surface whose images are being paced
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, surface Surface, options CreateOptions) (*Pacer, error) {
	if device == nil || surface == nil {
		return nil, errors.New("a pacer requires both a device and a surface")
	}

	ringSize := options.RingSize
	if ringSize == 0 {
		ringSize = DefaultRingSize
	}
	if ringSize < 1 {
		return nil, errors.Newf("ring size must be at least 1, got %d", ringSize)
	}

	pacer := &Pacer{
		logger:  logging.OrDiscard(logger),
		device:  device,
		surface: surface,
	}

	extent, err := surface.Extent()
	if err != nil {
		return nil, classify(err, "failed to query the surface extent")
	}

	imageCount, err := surface.Rebuild(extent)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to build swap images"), ErrSurfaceLost)
	}

	pacer.tracker, err = NewSlotTracker(device, ringSize, imageCount)
	if err != nil {
		return nil, err
	}
	pacer.extent = extent

	pacer.logger.Info("frame pacer created",
		slog.Int("ringSize", ringSize),
		slog.Int("imageCount", imageCount),
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
	)

	return pacer, nil
}
