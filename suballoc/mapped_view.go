package suballoc

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/lifecycle/memutils"
)

// MappedView is a scoped, host-visible window into part of a Block. It holds the backing buffer's mapping
// until Close is called.
type MappedView struct {
	block  *Block
	offset int
	data   []byte
	closed bool
}

func newMappedView(block *Block, offset int, data unsafe.Pointer, length int) *MappedView {
	view := &MappedView{
		block:  block,
		offset: offset,
	}

	if length > 0 {
		view.data = unsafe.Slice((*byte)(data), length)
	} else {
		view.data = []byte{}
	}

	return view
}

// Block is the block this view was opened from
func (v *MappedView) Block() *Block { return v.block }

// Offset is the offset of the view's first byte, relative to the start of the block
func (v *MappedView) Offset() int { return v.offset }

// Len is the number of bytes visible through the view
func (v *MappedView) Len() int { return len(v.data) }

// Bytes exposes the mapped memory directly. The slice must not be used after Close.
func (v *MappedView) Bytes() []byte {
	if v.closed {
		return nil
	}
	return v.data
}

// Set copies data to the start of the view
func (v *MappedView) Set(data []byte) error {
	return v.SetAtOffset(data, 0)
}

// SetAtOffset copies data into the view starting byteOffset bytes in
func (v *MappedView) SetAtOffset(data []byte, byteOffset int) error {
	if v.closed {
		return errors.New("attempted to write through a closed mapping")
	}

	err := memutils.CheckRange(byteOffset, len(data), len(v.data))
	if err != nil {
		return errors.Wrapf(err, "write does not fit in a %d-byte mapping", len(v.data))
	}

	copy(v.data[byteOffset:], data)
	return nil
}

// Close unmaps the view and lets other views into the same backing buffer open. Closing a view more than
// once is a no-op.
func (v *MappedView) Close() error {
	if v.closed {
		return nil
	}

	v.closed = true
	v.data = nil
	return v.block.allocator.mapping.Unmap()
}
