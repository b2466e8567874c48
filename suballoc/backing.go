package suballoc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/memutils"
)

// BackingBuffer is a fixed-size, host-mappable region of GPU-visible memory. It is never resized.
//
// The underlying device mapping is global per buffer, so implementations only need to support one open
// mapping at a time: a SubAllocator will never call Map again before calling Unmap.
type BackingBuffer interface {
	// Size is the size of the buffer in bytes
	Size() int
	// Map makes [offset, offset+size) host-visible and returns a pointer to its first byte
	Map(offset, size int) (unsafe.Pointer, error)
	// Unmap releases the mapping returned by the last call to Map
	Unmap() error
}

// HostBuffer is a BackingBuffer that lives in ordinary host memory. It is useful for tests and for
// staging data that will be copied to the device by some other means.
type HostBuffer struct {
	data   []byte
	mapped bool
}

var _ BackingBuffer = &HostBuffer{}

// NewHostBuffer allocates a zeroed HostBuffer of the provided size
func NewHostBuffer(size int) *HostBuffer {
	if size < 0 {
		panic("host buffer size must be non-negative")
	}

	return &HostBuffer{
		data: make([]byte, size),
	}
}

func (b *HostBuffer) Size() int { return len(b.data) }

// Bytes exposes the full contents of the buffer
func (b *HostBuffer) Bytes() []byte { return b.data }

// IsMapped returns true if a mapping is currently open
func (b *HostBuffer) IsMapped() bool { return b.mapped }

func (b *HostBuffer) Map(offset, size int) (unsafe.Pointer, error) {
	if b.mapped {
		return nil, errors.New("host buffer is already mapped")
	}

	err := memutils.CheckRange(offset, size, len(b.data))
	if err != nil {
		return nil, err
	}

	b.mapped = true
	if size == 0 {
		return unsafe.Pointer(unsafe.SliceData(b.data)), nil
	}

	return unsafe.Pointer(&b.data[offset]), nil
}

func (b *HostBuffer) Unmap() error {
	if !b.mapped {
		return errors.New("host buffer is not mapped")
	}

	b.mapped = false
	return nil
}
