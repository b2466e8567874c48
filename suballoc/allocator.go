package suballoc

import (
	"context"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/lifecycle/internal/utils"
	"github.com/vkngwrapper/lifecycle/memutils"
	"github.com/vkngwrapper/lifecycle/memutils/ledger"
)

// CompletionSignal reports whether GPU work that might read a retired block has finished
type CompletionSignal interface {
	Signaled() (bool, error)
}

type retiredBlock struct {
	block  *Block
	signal CompletionSignal
}

// SubAllocator carves one fixed backing buffer into independently-lived Blocks. Leases are first-fit in
// offset order and blocks never move, so offsets handed to the GPU stay valid for the block's lifetime.
//
// Lease, Free, FreeAfter and CollectRetired are guarded by an internal mutex unless the allocator was
// created with AllocatorCreateExternallySynchronized.
type SubAllocator struct {
	id          uint64
	name        string
	logger      *slog.Logger
	buffer      BackingBuffer
	alignment   int
	createFlags CreateFlags

	mutex         utils.OptionalMutex
	ledger        ledger.Ledger
	liveBlocks    *swiss.Map[uint64, *Block]
	liveBytes     int
	retiring      []retiredBlock
	retiringBytes int
	destroyed     bool

	mapping synchronizedBuffer
}

// Name identifies the allocator in logs and statistics
func (a *SubAllocator) Name() string { return a.name }

// Alignment is the granularity all leases are rounded up to
func (a *SubAllocator) Alignment() int { return a.alignment }

// Capacity is the number of bytes this allocator manages
func (a *SubAllocator) Capacity() int { return a.ledger.Size() }

// BaseOffset is the offset of the first managed byte in the backing buffer
func (a *SubAllocator) BaseOffset() int { return a.ledger.BaseOffset() }

// BackingBuffer is the buffer this allocator carves up. It is owned by the caller and must outlive the allocator.
func (a *SubAllocator) BackingBuffer() BackingBuffer { return a.buffer }

func (a *SubAllocator) Flags() CreateFlags { return a.createFlags }

// Lease reserves size bytes, rounded up to the allocator's alignment, from the first free chunk large
// enough to hold them. A size of zero or less is a programmer error and panics. If nothing fits, the returned
// error matches ErrOutOfMemory and the allocator is unchanged.
func (a *SubAllocator) Lease(size int) (*Block, error) {
	a.logger.Debug("SubAllocator::Lease")

	if size <= 0 {
		panic("attempted to lease a zero-size block")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, ErrDestroyed
	}

	if size > a.ledger.Size() {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s could not lease %d bytes: its capacity is %d bytes",
			a.name, size, a.ledger.Size())
	}

	// signal failures are reported by CollectRetired
	_, err := a.collectRetired()
	if err != nil {
		a.logger.Debug("failed to check retired blocks", slog.Any("error", err))
	}

	alignedSize := memutils.AlignUp(size, a.alignment)
	offset, ok := a.ledger.Take(alignedSize)
	if !ok {
		return nil, errors.Wrapf(ErrOutOfMemory,
			"%s could not lease %d bytes (%d requested): %d bytes free, largest free chunk is %d bytes",
			a.name, alignedSize, size, a.ledger.SumFreeSize(), a.ledger.LargestChunk())
	}

	block := newBlock(a, offset, alignedSize)
	a.liveBlocks.Put(block.id, block)
	a.liveBytes += alignedSize

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return block, nil
}

func (a *SubAllocator) release(block *Block) error {
	a.logger.Debug("SubAllocator::Free")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.removeLiveBlock(block)
	if err != nil {
		return err
	}

	err = a.ledger.Release(block.offset, block.size)
	if err != nil {
		return errors.Wrapf(err, "failed to return block %d to %s", block.id, a.name)
	}

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return nil
}

func (a *SubAllocator) retire(block *Block, signal CompletionSignal) error {
	a.logger.Debug("SubAllocator::FreeAfter")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.removeLiveBlock(block)
	if err != nil {
		return err
	}

	a.retiring = append(a.retiring, retiredBlock{block: block, signal: signal})
	a.retiringBytes += block.size

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return nil
}

func (a *SubAllocator) removeLiveBlock(block *Block) error {
	if block.allocator != a {
		return errors.Newf("block %d does not belong to %s", block.id, a.name)
	}

	if !a.liveBlocks.Delete(block.id) {
		return errors.Newf("block %d is not live in %s", block.id, a.name)
	}

	a.liveBytes -= block.size
	return nil
}

// CollectRetired returns the ranges of every retired block whose completion signal has fired to the free
// ledger. It returns the number of blocks reclaimed. Blocks whose signal returns an error stay retired and
// the errors are combined into the returned error.
func (a *SubAllocator) CollectRetired() (int, error) {
	a.logger.Debug("SubAllocator::CollectRetired")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.collectRetired()
}

func (a *SubAllocator) collectRetired() (int, error) {
	if len(a.retiring) == 0 {
		return 0, nil
	}

	var collected int
	var collectErr error
	remaining := a.retiring[:0]

	for _, retired := range a.retiring {
		signaled, err := retired.signal.Signaled()
		if err != nil {
			collectErr = errors.CombineErrors(collectErr, errors.Wrapf(err, "block %d", retired.block.id))
		}

		if !signaled {
			remaining = append(remaining, retired)
			continue
		}

		err = a.ledger.Release(retired.block.offset, retired.block.size)
		if err != nil {
			collectErr = errors.CombineErrors(collectErr, errors.Wrapf(err, "failed to reclaim block %d", retired.block.id))
			continue
		}

		a.retiringBytes -= retired.block.size
		collected++
	}

	clear(a.retiring[len(remaining):])
	a.retiring = remaining

	memutils.DebugValidate(memutils.ValidateFunc(a.validate))
	return collected, collectErr
}

// RetiringCount is the number of blocks waiting on a completion signal before their memory is reclaimed
func (a *SubAllocator) RetiringCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.retiring)
}

// LiveBlockCount is the number of leased blocks that have not been freed or retired
func (a *SubAllocator) LiveBlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.liveBlocks.Count()
}

// FreeBytes is the number of bytes currently available to Lease. Retired blocks that have not been
// collected are not counted.
func (a *SubAllocator) FreeBytes() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.ledger.SumFreeSize()
}

// FreeChunks returns a snapshot of the free ledger in offset order
func (a *SubAllocator) FreeChunks() []ledger.Chunk {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.ledger.Chunks()
}

// Destroy releases the allocator. Every block must have been freed first: any still live, or retired behind
// a signal that has not fired, is logged and an error is returned. The backing buffer is owned by the caller
// and is not destroyed.
func (a *SubAllocator) Destroy() error {
	a.logger.Debug("SubAllocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}

	_, err := a.collectRetired()
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError,
			"[UNRELEASED MEMORY] error while collecting retired blocks",
			slog.Any("error", err))
	}

	if a.liveBlocks.Count() > 0 || len(a.retiring) > 0 {
		for _, block := range a.sortedLiveBlocks() {
			a.logUnreleasedMemory(block, "unfreed block")
		}
		for _, retired := range a.retiring {
			a.logUnreleasedMemory(retired.block, "retired block still in flight")
		}

		return errors.Newf("%d blocks were not freed before the destruction of %s", a.liveBlocks.Count()+len(a.retiring), a.name)
	}

	a.destroyed = true
	return nil
}

func (a *SubAllocator) logUnreleasedMemory(block *Block, msg string) {
	name := block.name
	if name == "" {
		name = "empty"
	}

	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] "+msg,
		slog.Uint64("id", block.id),
		slog.Int("offset", block.offset),
		slog.Int("size", block.size),
		slog.Any("userData", block.userData),
		slog.String("name", name),
	)
}

func (a *SubAllocator) sortedLiveBlocks() []*Block {
	blocks := make([]*Block, 0, a.liveBlocks.Count())
	a.liveBlocks.Iter(func(id uint64, block *Block) bool {
		blocks = append(blocks, block)
		return false
	})

	slices.SortFunc(blocks, func(left, right *Block) int {
		return left.offset - right.offset
	})
	return blocks
}

// Validate checks the free ledger, and verifies that the free chunks, live blocks and retiring blocks are
// pairwise disjoint and together account for exactly the allocator's capacity
func (a *SubAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

func (a *SubAllocator) validate() error {
	err := a.ledger.Validate()
	if err != nil {
		return err
	}

	if a.ledger.SumFreeSize()+a.liveBytes+a.retiringBytes != a.ledger.Size() {
		return errors.Errorf("%s has %d free, %d live and %d retiring bytes, which does not add up to its %d byte capacity",
			a.name, a.ledger.SumFreeSize(), a.liveBytes, a.retiringBytes, a.ledger.Size())
	}

	ranges := make([]ledger.Chunk, 0, a.ledger.ChunkCount()+a.liveBlocks.Count()+len(a.retiring))
	ranges = append(ranges, a.ledger.Chunks()...)

	var liveBytes int
	a.liveBlocks.Iter(func(id uint64, block *Block) bool {
		ranges = append(ranges, ledger.Chunk{Offset: block.offset, Size: block.size})
		liveBytes += block.size
		return false
	})
	if liveBytes != a.liveBytes {
		return errors.Errorf("%s reports %d live bytes, but its blocks contain %d", a.name, a.liveBytes, liveBytes)
	}

	for _, retired := range a.retiring {
		ranges = append(ranges, ledger.Chunk{Offset: retired.block.offset, Size: retired.block.size})
	}

	slices.SortFunc(ranges, func(left, right ledger.Chunk) int {
		return left.Offset - right.Offset
	})

	for index := 1; index < len(ranges); index++ {
		if ranges[index-1].End() > ranges[index].Offset {
			return errors.Errorf("range [%d, %d) overlaps range [%d, %d) in %s",
				ranges[index-1].Offset, ranges[index-1].End(), ranges[index].Offset, ranges[index].End(), a.name)
		}
	}

	return nil
}

// CalculateStatistics summarizes the allocator's capacity and leased blocks. Retired blocks that have not
// been collected still count as leased.
func (a *SubAllocator) CalculateStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ledger.AddStatistics(stats)
	stats.BlockCount += a.liveBlocks.Count() + len(a.retiring)
	stats.BlockBytes += a.liveBytes + a.retiringBytes
}

// CalculateDetailedStatistics is CalculateStatistics with free range and block size ranges
func (a *SubAllocator) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ledger.AddDetailedStatistics(stats)
	a.liveBlocks.Iter(func(id uint64, block *Block) bool {
		stats.AddBlock(block.size)
		return false
	})
	for _, retired := range a.retiring {
		stats.AddBlock(retired.block.size)
	}
}

// BuildStatsString produces a JSON summary of the allocator. With detailed set, every free chunk and
// block is listed.
func (a *SubAllocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	objState := writer.Object()
	a.WriteJSON(&objState, detailed)
	objState.End()

	return string(writer.Bytes())
}

// WriteJSON writes the same data as BuildStatsString into an existing json object
func (a *SubAllocator) WriteJSON(json *jwriter.ObjectState, detailed bool) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.CalculateDetailedStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	json.Name("Name").String(a.name)
	json.Name("Id").Int(int(a.id))
	json.Name("Alignment").Int(a.alignment)
	json.Name("Flags").String(a.createFlags.String())

	totalObj := json.Name("Total").Object()
	stats.WriteJSON(&totalObj)
	totalObj.End()

	if !detailed {
		return
	}

	ledgerObj := json.Name("Ledger").Object()
	a.ledger.WriteJSON(&ledgerObj)
	ledgerObj.End()

	blockArray := json.Name("Blocks").Array()
	for _, block := range a.sortedLiveBlocks() {
		obj := blockArray.Object()
		block.writeJSON(&obj)
		obj.End()
	}
	blockArray.End()

	retiringArray := json.Name("Retiring").Array()
	for _, retired := range a.retiring {
		obj := retiringArray.Object()
		retired.block.writeJSON(&obj)
		obj.End()
	}
	retiringArray.End()
}
