package suballoc

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/lifecycle/memutils"
)

var nextBlockID atomic.Uint64

// Block is an owned lease on one byte range of a SubAllocator's backing buffer. Blocks are always handled
// by pointer and must not be copied. A block is released exactly once, with either Free or FreeAfter; any
// later release is a no-op.
type Block struct {
	id        uint64
	offset    int
	size      int
	name      string
	userData  any
	allocator *SubAllocator

	freed atomic.Bool
}

func newBlock(allocator *SubAllocator, offset, size int) *Block {
	return &Block{
		id:        nextBlockID.Add(1),
		offset:    offset,
		size:      size,
		allocator: allocator,
	}
}

// ID is unique across every block created in this process and increases monotonically
func (b *Block) ID() uint64 { return b.id }

// Offset is the absolute offset of the block's first byte in the backing buffer
func (b *Block) Offset() int { return b.offset }

// Size is the size of the block in bytes, after rounding up to the allocator's alignment
func (b *Block) Size() int { return b.size }

// End is the first byte past the end of the block
func (b *Block) End() int { return b.offset + b.size }

// Allocator is the SubAllocator that leased the block. The block's range is only meaningful within its
// backing buffer.
func (b *Block) Allocator() *SubAllocator { return b.allocator }

// IsFreed returns true once Free or FreeAfter has been called
func (b *Block) IsFreed() bool { return b.freed.Load() }

func (b *Block) SetName(name string) {
	b.name = name
}

func (b *Block) Name() string {
	return b.name
}

func (b *Block) SetUserData(userData any) {
	b.userData = userData
}

func (b *Block) UserData() any {
	return b.userData
}

// Free returns the block's range to its allocator immediately. The caller must guarantee that no GPU work
// still in flight reads the range; use FreeAfter when that cannot be guaranteed.
func (b *Block) Free() error {
	if !b.freed.CompareAndSwap(false, true) {
		return nil
	}

	return b.allocator.release(b)
}

// FreeAfter retires the block. It can no longer be mapped, but its range is only returned to the allocator
// once signal reports that the GPU work that might read it has completed. Retired blocks are reclaimed by
// SubAllocator.CollectRetired and at the start of every Lease.
func (b *Block) FreeAfter(signal CompletionSignal) error {
	if signal == nil {
		return errors.New("attempted to retire a block behind a nil completion signal")
	}

	if !b.freed.CompareAndSwap(false, true) {
		return nil
	}

	return b.allocator.retire(b, signal)
}

// Mapping opens a read/write view of [offset, offset+length) within the block. A length of -1 maps
// everything from offset to the end of the block. Only one view into a given backing buffer may be
// open at once: on a synchronized allocator Mapping blocks until the previous view is closed. The view
// must be closed when the caller is done with it.
func (b *Block) Mapping(offset int, length int) (*MappedView, error) {
	b.allocator.logger.Debug("Block::Mapping")

	if b.freed.Load() {
		return nil, errors.Wrapf(ErrBlockFreed, "block %d", b.id)
	}

	if length == -1 {
		length = b.size - offset
	}

	err := memutils.CheckRange(offset, length, b.size)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid mapping of block %d", b.id)
	}

	data, err := b.allocator.mapping.Map(b.offset+offset, length)
	if err != nil {
		return nil, err
	}

	return newMappedView(b, offset, data, length), nil
}

// Write maps the range [byteOffset, byteOffset+len(data)) of the block, copies data into it, and unmaps it
func (b *Block) Write(data []byte, byteOffset int) (err error) {
	view, err := b.Mapping(byteOffset, len(data))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, view.Close())
	}()

	return view.Set(data)
}

// Read maps the range [byteOffset, byteOffset+len(out)) of the block and copies it into out
func (b *Block) Read(out []byte, byteOffset int) (err error) {
	view, err := b.Mapping(byteOffset, len(out))
	if err != nil {
		return err
	}
	defer func() {
		err = errors.CombineErrors(err, view.Close())
	}()

	copy(out, view.Bytes())
	return nil
}

func (b *Block) writeJSON(json *jwriter.ObjectState) {
	json.Name("Id").Int(int(b.id))
	json.Name("Offset").Int(b.offset)
	json.Name("Size").Int(b.size)

	if b.name != "" {
		json.Name("Name").String(b.name)
	}
}
