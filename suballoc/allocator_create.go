package suballoc

import (
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/lifecycle/internal/logging"
	"github.com/vkngwrapper/lifecycle/internal/utils"
	"github.com/vkngwrapper/lifecycle/memutils"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all blocks leased from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time, for instance by funneling all load and unload requests through a single
	// consumer. Opening a second mapping while one is open fails with ErrMappingOpen instead of blocking.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// CreateOptions contains optional settings when creating a SubAllocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Name identifies the allocator in logs and statistics
	Name string

	// Alignment is the granularity every lease is rounded up to. It must be a power of two, and
	// defaults to 1
	Alignment int

	// BaseOffset is the first byte of the backing buffer that this allocator manages. It must be a
	// multiple of Alignment. Defaults to 0
	BaseOffset int
	// Size is the number of bytes of the backing buffer this allocator manages, starting at BaseOffset.
	// Leaving it at 0 manages everything from BaseOffset to the end of the buffer
	Size int
}

var nextAllocatorID atomic.Uint64

// New creates a new SubAllocator over the provided backing buffer. The buffer must outlive the
// allocator, and the allocator must outlive every block leased from it.
//
// logger - Receives diagnostic output. It may be nil, in which case nothing is logged
//
// buffer - The memory being carved up
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, buffer BackingBuffer, options CreateOptions) (*SubAllocator, error) {
	if buffer == nil {
		return nil, errors.New("attempted to create a sub-allocator with a nil backing buffer")
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = 1
	}

	err := memutils.CheckPow2(alignment, "CreateOptions.Alignment")
	if err != nil {
		return nil, err
	}

	if options.BaseOffset < 0 || options.Size < 0 {
		return nil, errors.Newf("invalid managed range: base offset %d, size %d", options.BaseOffset, options.Size)
	}

	if options.BaseOffset%alignment != 0 {
		return nil, errors.Newf("base offset %d is not a multiple of the alignment %d", options.BaseOffset, alignment)
	}

	size := options.Size
	if size == 0 {
		size = buffer.Size() - options.BaseOffset
	}

	err = memutils.CheckRange(options.BaseOffset, size, buffer.Size())
	if err != nil {
		return nil, errors.Wrap(err, "the managed range does not fit inside the backing buffer")
	}

	if size == 0 {
		return nil, errors.New("attempted to create a sub-allocator with no capacity")
	}

	name := options.Name
	id := nextAllocatorID.Add(1)
	if name == "" {
		name = "suballocator"
	}

	allocator := &SubAllocator{
		id:          id,
		name:        name,
		logger:      logging.OrDiscard(logger).With(slog.String("allocator", name)),
		buffer:      buffer,
		alignment:   alignment,
		createFlags: options.Flags,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0,
		},
		liveBlocks: swiss.NewMap[uint64, *Block](42),
	}
	allocator.mapping.init(buffer, allocator.mutex.UseMutex)
	allocator.ledger.Init(options.BaseOffset, size)

	allocator.logger.Debug("SubAllocator::New",
		slog.Int("baseOffset", options.BaseOffset),
		slog.Int("size", size),
		slog.Int("alignment", alignment),
	)

	return allocator, nil
}
