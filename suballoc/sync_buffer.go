package suballoc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/internal/utils"
)

// synchronizedBuffer guards the backing buffer's single device mapping. The mutex is held for the whole
// lifetime of a mapping, from map until unmap, so that views into different blocks of the same buffer
// serialize instead of racing on the driver's map call.
type synchronizedBuffer struct {
	buffer   BackingBuffer
	mapMutex utils.HandoffMutex

	mapped    bool
	mapData   unsafe.Pointer
	mapOffset int
	mapSize   int
	mapCount  int
}

func (m *synchronizedBuffer) init(buffer BackingBuffer, blocking bool) {
	m.buffer = buffer
	m.mapMutex.Wait = blocking
}

// Map acquires exclusive access to the buffer's mapping and maps [offset, offset+size). The caller must
// call Unmap exactly once after a successful Map.
func (m *synchronizedBuffer) Map(offset, size int) (unsafe.Pointer, error) {
	if !m.mapMutex.Acquire() {
		return nil, ErrMappingOpen
	}

	data, err := m.buffer.Map(offset, size)
	if err != nil {
		m.mapMutex.Release()
		return nil, errors.Wrapf(err, "failed to map backing buffer range [%d, %d)", offset, offset+size)
	}
	if data == nil && size > 0 {
		m.mapMutex.Release()
		return nil, errors.New("backing buffer returned a nil mapping")
	}

	m.mapped = true
	m.mapData = data
	m.mapOffset = offset
	m.mapSize = size
	m.mapCount++
	return data, nil
}

func (m *synchronizedBuffer) Unmap() error {
	if !m.mapped {
		return errors.New("attempted to unmap a backing buffer that is not mapped")
	}

	defer m.mapMutex.Release()

	m.mapped = false
	m.mapData = nil
	m.mapOffset = 0
	m.mapSize = 0

	err := m.buffer.Unmap()
	if err != nil {
		return errors.Wrap(err, "failed to unmap backing buffer")
	}

	return nil
}

// MapCount is the number of mappings that have been opened over this buffer's lifetime
func (m *synchronizedBuffer) MapCount() int {
	return m.mapCount
}
