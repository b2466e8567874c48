package ledger

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/lifecycle/memutils"
)

// ErrOverlap is returned from Release when the returned range intersects memory that is already free. This
// usually means a range was returned twice.
var ErrOverlap = errors.New("released range overlaps a free chunk")

// Chunk is a maximal free byte range tracked by a Ledger
type Chunk struct {
	Offset int
	Size   int
}

// End is the first byte past the end of the chunk
func (c Chunk) End() int {
	return c.Offset + c.Size
}

// Ledger is an ordered collection of disjoint, non-adjacent free ranges within a single region. It is pure
// bookkeeping and is not safe for concurrent use: callers must provide their own synchronization.
//
// Chunks are kept sorted by offset. Take is first-fit in offset order, and Release coalesces the returned
// range with its free neighbors, so a run of releases in any order always converges to maximal free chunks.
type Ledger struct {
	baseOffset  int
	size        int
	sumFreeSize int
	chunks      []Chunk
}

// New creates a Ledger covering [baseOffset, baseOffset+size) with the whole range free
func New(baseOffset, size int) *Ledger {
	l := &Ledger{}
	l.Init(baseOffset, size)
	return l
}

// Init resets the ledger so that [baseOffset, baseOffset+size) is a single free chunk
func (l *Ledger) Init(baseOffset, size int) {
	if baseOffset < 0 || size < 0 {
		panic("ledger ranges must be non-negative")
	}

	l.baseOffset = baseOffset
	l.size = size
	l.chunks = l.chunks[:0]
	l.sumFreeSize = 0

	if size > 0 {
		l.chunks = append(l.chunks, Chunk{Offset: baseOffset, Size: size})
		l.sumFreeSize = size
	}
}

// Clear marks the ledger's entire range as free again
func (l *Ledger) Clear() {
	l.Init(l.baseOffset, l.size)
}

// BaseOffset is the first byte tracked by this ledger
func (l *Ledger) BaseOffset() int { return l.baseOffset }

// Size is the total number of bytes tracked by this ledger, free or not
func (l *Ledger) Size() int { return l.size }

// SumFreeSize is the number of free bytes across all chunks
func (l *Ledger) SumFreeSize() int { return l.sumFreeSize }

// ChunkCount is the number of free chunks
func (l *Ledger) ChunkCount() int { return len(l.chunks) }

// IsEmpty returns true if nothing has been taken from the ledger
func (l *Ledger) IsEmpty() bool {
	return l.sumFreeSize == l.size
}

// Chunks returns a copy of the free chunks in offset order
func (l *Ledger) Chunks() []Chunk {
	return slices.Clone(l.chunks)
}

// LargestChunk returns the size of the largest free chunk, or 0 if there are no free chunks
func (l *Ledger) LargestChunk() int {
	var largest int
	for _, chunk := range l.chunks {
		if chunk.Size > largest {
			largest = chunk.Size
		}
	}
	return largest
}

// VisitChunks calls visit for each free chunk in offset order, stopping at the first error
func (l *Ledger) VisitChunks(visit func(chunk Chunk) error) error {
	for _, chunk := range l.chunks {
		err := visit(chunk)
		if err != nil {
			return err
		}
	}

	return nil
}

// Take finds the first chunk in offset order with at least size bytes and removes size bytes from its front.
// It returns false if no chunk is large enough. An exact fit removes the chunk entirely, so no zero-size
// chunks are ever left behind.
func (l *Ledger) Take(size int) (offset int, ok bool) {
	if size <= 0 {
		panic("attempted to take a zero-size range from the ledger")
	}

	for index := range l.chunks {
		chunk := &l.chunks[index]
		if chunk.Size < size {
			continue
		}

		offset = chunk.Offset
		if chunk.Size == size {
			l.chunks = slices.Delete(l.chunks, index, index+1)
		} else {
			chunk.Offset += size
			chunk.Size -= size
		}

		l.sumFreeSize -= size
		memutils.DebugValidate(l)
		return offset, true
	}

	return 0, false
}

// Release returns [offset, offset+size) to the ledger, merging it with an immediately preceding and/or
// immediately following free chunk. It fails without modifying the ledger if the range is outside the
// ledger or overlaps memory that is already free.
func (l *Ledger) Release(offset, size int) error {
	if size <= 0 {
		return errors.Newf("attempted to release a range of size %d", size)
	}

	err := memutils.CheckRange(offset-l.baseOffset, size, l.size)
	if err != nil {
		return errors.Wrapf(err, "released range [%d, %d) is outside ledger [%d, %d)", offset, offset+size, l.baseOffset, l.baseOffset+l.size)
	}

	// index of the first chunk that starts after the released range begins
	index, _ := slices.BinarySearchFunc(l.chunks, offset, func(chunk Chunk, target int) int {
		return chunk.Offset - target
	})

	var prev, next *Chunk
	if index > 0 {
		prev = &l.chunks[index-1]
		if prev.End() > offset {
			return errors.Wrapf(ErrOverlap, "range [%d, %d) overlaps free chunk [%d, %d)", offset, offset+size, prev.Offset, prev.End())
		}
	}
	if index < len(l.chunks) {
		next = &l.chunks[index]
		if next.Offset < offset+size {
			return errors.Wrapf(ErrOverlap, "range [%d, %d) overlaps free chunk [%d, %d)", offset, offset+size, next.Offset, next.End())
		}
	}

	mergePrev := prev != nil && prev.End() == offset
	mergeNext := next != nil && next.Offset == offset+size

	switch {
	case mergePrev && mergeNext:
		prev.Size += size + next.Size
		l.chunks = slices.Delete(l.chunks, index, index+1)
	case mergePrev:
		prev.Size += size
	case mergeNext:
		next.Offset = offset
		next.Size += size
	default:
		l.chunks = slices.Insert(l.chunks, index, Chunk{Offset: offset, Size: size})
	}

	l.sumFreeSize += size
	memutils.DebugValidate(l)
	return nil
}

// Validate checks that chunks are sorted, in bounds, non-empty, non-overlapping and non-adjacent, and that the
// cached free size is accurate
func (l *Ledger) Validate() error {
	var calculatedFree int
	end := l.baseOffset + l.size

	for index, chunk := range l.chunks {
		if chunk.Size <= 0 {
			return errors.Errorf("chunk at offset %d has invalid size %d", chunk.Offset, chunk.Size)
		}

		if chunk.Offset < l.baseOffset || chunk.End() > end {
			return errors.Errorf("chunk [%d, %d) lies outside the ledger range [%d, %d)", chunk.Offset, chunk.End(), l.baseOffset, end)
		}

		if index > 0 {
			prev := l.chunks[index-1]
			if prev.End() > chunk.Offset {
				return errors.Errorf("chunk at offset %d overlaps or precedes the chunk at offset %d", chunk.Offset, prev.Offset)
			}
			if prev.End() == chunk.Offset {
				return errors.Errorf("chunks at offsets %d and %d are adjacent but were not merged", prev.Offset, chunk.Offset)
			}
		}

		calculatedFree += chunk.Size
	}

	if calculatedFree != l.sumFreeSize {
		return errors.Errorf("ledger reports %d free bytes, but its chunks contain %d", l.sumFreeSize, calculatedFree)
	}

	return nil
}

// AddStatistics adds this ledger's capacity to stats
func (l *Ledger) AddStatistics(stats *memutils.Statistics) {
	stats.BufferCount++
	stats.BufferBytes += l.size
}

// AddDetailedStatistics adds this ledger's capacity and free ranges to stats. Blocks are not tracked by the
// ledger, so the caller is responsible for adding them.
func (l *Ledger) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.AddStatistics(&stats.Statistics)
	for _, chunk := range l.chunks {
		stats.AddFreeRange(chunk.Size)
	}
}

// WriteJSON populates a json object with the ledger's bounds and free chunks
func (l *Ledger) WriteJSON(json *jwriter.ObjectState) {
	json.Name("BaseOffset").Int(l.baseOffset)
	json.Name("TotalBytes").Int(l.size)
	json.Name("FreeBytes").Int(l.sumFreeSize)

	arrayState := json.Name("FreeChunks").Array()
	defer arrayState.End()

	for _, chunk := range l.chunks {
		obj := arrayState.Object()
		obj.Name("Offset").Int(chunk.Offset)
		obj.Name("Size").Int(chunk.Size)
		obj.End()
	}
}
