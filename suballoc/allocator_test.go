package suballoc

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/lifecycle/memutils"
	"github.com/vkngwrapper/lifecycle/memutils/ledger"
)

func readyAllocator(t *testing.T, size int, options CreateOptions) (*HostBuffer, *SubAllocator) {
	buffer := NewHostBuffer(size)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	allocator, err := New(logger, buffer, options)
	require.NoError(t, err)

	return buffer, allocator
}

func TestLeaseScenario(t *testing.T) {
	_, allocator := readyAllocator(t, 1024, CreateOptions{Alignment: 16})

	first, err := allocator.Lease(100)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 112, first.Size())

	_, err = allocator.Lease(1000)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.Equal(t, 912, allocator.FreeBytes())

	require.NoError(t, first.Free())

	second, err := allocator.Lease(1000)
	require.NoError(t, err)
	require.Equal(t, 0, second.Offset())
	require.Equal(t, 1008, second.Size())

	require.NoError(t, second.Free())
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestLeaseZeroSizePanics(t *testing.T) {
	_, allocator := readyAllocator(t, 1024, CreateOptions{})

	require.Panics(t, func() {
		_, _ = allocator.Lease(0)
	})
	require.Panics(t, func() {
		_, _ = allocator.Lease(-5)
	})
}

func TestLeaseLargerThanCapacity(t *testing.T) {
	_, allocator := readyAllocator(t, 1024, CreateOptions{Alignment: 16})

	for _, size := range []int{1025, 1 << 40, math.MaxInt - 3, math.MaxInt} {
		var err error
		require.NotPanics(t, func() {
			_, err = allocator.Lease(size)
		})
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrOutOfMemory))
	}

	require.Equal(t, 1024, allocator.FreeBytes())
	require.NoError(t, allocator.Validate())
}

func TestBlockIDsAreUnique(t *testing.T) {
	_, allocatorA := readyAllocator(t, 1024, CreateOptions{})
	_, allocatorB := readyAllocator(t, 1024, CreateOptions{})

	a1, err := allocatorA.Lease(10)
	require.NoError(t, err)
	b1, err := allocatorB.Lease(10)
	require.NoError(t, err)
	a2, err := allocatorA.Lease(10)
	require.NoError(t, err)

	require.Less(t, a1.ID(), b1.ID())
	require.Less(t, b1.ID(), a2.ID())
	require.Same(t, allocatorA, a2.Allocator())
}

func TestFreeIsIdempotent(t *testing.T) {
	_, allocator := readyAllocator(t, 256, CreateOptions{})

	block, err := allocator.Lease(64)
	require.NoError(t, err)
	require.NoError(t, block.Free())
	require.True(t, block.IsFreed())

	other, err := allocator.Lease(64)
	require.NoError(t, err)
	require.Equal(t, 0, other.Offset())

	// A second free of the stale handle must not hand other's range back to the ledger
	require.NoError(t, block.Free())
	require.Equal(t, 1, allocator.LiveBlockCount())
	require.Equal(t, []ledger.Chunk{{Offset: 64, Size: 192}}, allocator.FreeChunks())
	require.NoError(t, allocator.Validate())
}

func TestFreeBlockFromAnotherAllocator(t *testing.T) {
	_, allocatorA := readyAllocator(t, 256, CreateOptions{})
	_, allocatorB := readyAllocator(t, 256, CreateOptions{})

	block, err := allocatorA.Lease(16)
	require.NoError(t, err)

	require.Error(t, allocatorB.release(block))
	require.NoError(t, block.Free())
}

func TestAlignmentProperty(t *testing.T) {
	for _, alignment := range []int{1, 4, 16} {
		_, allocator := readyAllocator(t, 1000, CreateOptions{Alignment: alignment})

		random := rand.New(rand.NewSource(int64(alignment)))
		var blocks []*Block
		for {
			block, err := allocator.Lease(random.Intn(40) + 1)
			if errors.Is(err, ErrOutOfMemory) {
				break
			}
			require.NoError(t, err)
			require.Zero(t, block.Size()%alignment)
			require.Zero(t, block.Offset()%alignment)
			blocks = append(blocks, block)
		}

		// The unusable tail is still tracked rather than lost
		var stats memutils.Statistics
		allocator.CalculateStatistics(&stats)
		require.Equal(t, 1000, stats.BlockBytes+allocator.FreeBytes())

		for _, block := range blocks {
			require.NoError(t, block.Free())
		}
		require.Equal(t, []ledger.Chunk{{Offset: 0, Size: 1000}}, allocator.FreeChunks())
	}
}

func TestDisjointnessAndConservation(t *testing.T) {
	const capacity = 4096
	_, allocator := readyAllocator(t, capacity, CreateOptions{Alignment: 4})
	random := rand.New(rand.NewSource(1))

	live := map[uint64]*Block{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && random.Intn(3) == 0 {
			for id, block := range live {
				require.NoError(t, block.Free())
				delete(live, id)
				break
			}
		} else {
			block, err := allocator.Lease(random.Intn(200) + 1)
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				continue
			}
			live[block.ID()] = block
		}

		require.NoError(t, allocator.Validate())

		var leased int
		for _, block := range live {
			leased += block.Size()
		}
		require.Equal(t, capacity, leased+allocator.FreeBytes())
	}

	for _, block := range live {
		for _, other := range live {
			if block == other {
				continue
			}
			require.False(t, memutils.RangesOverlap(block.Offset(), block.Size(), other.Offset(), other.Size()))
		}
		for _, chunk := range allocator.FreeChunks() {
			require.False(t, memutils.RangesOverlap(block.Offset(), block.Size(), chunk.Offset, chunk.Size))
		}
	}
}

func TestCoalescingSubsets(t *testing.T) {
	_, allocator := readyAllocator(t, 1024, CreateOptions{})

	blocks := make([]*Block, 8)
	for i := range blocks {
		block, err := allocator.Lease(64)
		require.NoError(t, err)
		blocks[i] = block
	}

	// Free the odd blocks first, then the even ones in reverse
	for i := 1; i < len(blocks); i += 2 {
		require.NoError(t, blocks[i].Free())
	}
	require.Equal(t, 5, len(allocator.FreeChunks()))

	for i := len(blocks) - 2; i >= 0; i -= 2 {
		require.NoError(t, blocks[i].Free())
		require.NoError(t, allocator.Validate())
	}

	require.Equal(t, []ledger.Chunk{{Offset: 0, Size: 1024}}, allocator.FreeChunks())
}

func TestLeaseRoundTrip(t *testing.T) {
	_, allocator := readyAllocator(t, 1024, CreateOptions{Alignment: 16})

	a, err := allocator.Lease(100)
	require.NoError(t, err)
	b, err := allocator.Lease(300)
	require.NoError(t, err)
	require.NoError(t, a.Free())

	before := allocator.FreeChunks()

	c, err := allocator.Lease(50)
	require.NoError(t, err)
	require.NoError(t, c.Free())

	require.Equal(t, before, allocator.FreeChunks())
	require.NoError(t, b.Free())
}

func TestCreateOptionsValidation(t *testing.T) {
	buffer := NewHostBuffer(1024)

	_, err := New(nil, nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(nil, buffer, CreateOptions{Alignment: 12})
	require.ErrorIs(t, err, memutils.ErrNotPowerOfTwo)

	_, err = New(nil, buffer, CreateOptions{Alignment: 16, BaseOffset: 8})
	require.Error(t, err)

	_, err = New(nil, buffer, CreateOptions{BaseOffset: 512, Size: 1024})
	require.ErrorIs(t, err, memutils.ErrOutOfBounds)

	_, err = New(nil, buffer, CreateOptions{BaseOffset: 1024})
	require.Error(t, err)

	allocator, err := New(nil, buffer, CreateOptions{Alignment: 16, BaseOffset: 256, Size: 512, Name: "materials"})
	require.NoError(t, err)
	require.Equal(t, "materials", allocator.Name())
	require.Equal(t, 256, allocator.BaseOffset())
	require.Equal(t, 512, allocator.Capacity())
	require.Equal(t, 16, allocator.Alignment())

	block, err := allocator.Lease(10)
	require.NoError(t, err)
	require.Equal(t, 256, block.Offset())

	_, err = allocator.Lease(512)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.NoError(t, block.Free())
}

func TestDestroyReportsUnreleasedBlocks(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	allocator, err := New(logger, NewHostBuffer(512), CreateOptions{Name: "voxels"})
	require.NoError(t, err)

	block, err := allocator.Lease(32)
	require.NoError(t, err)
	block.SetName("teapot")

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY] unfreed block")
	require.Contains(t, logs.String(), "teapot")
	require.Contains(t, logs.String(), `"allocator":"voxels"`)

	require.NoError(t, block.Free())
	require.NoError(t, allocator.Destroy())

	_, err = allocator.Lease(32)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestConcurrentLeaseAndFree(t *testing.T) {
	_, allocator := readyAllocator(t, 1<<16, CreateOptions{Alignment: 16})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			random := rand.New(rand.NewSource(seed))

			var held []*Block
			for i := 0; i < 500; i++ {
				if len(held) > 0 && random.Intn(2) == 0 {
					index := random.Intn(len(held))
					require.NoError(t, held[index].Free())
					held = append(held[:index], held[index+1:]...)
					continue
				}

				block, err := allocator.Lease(random.Intn(256) + 1)
				if err != nil {
					require.ErrorIs(t, err, ErrOutOfMemory)
					continue
				}
				held = append(held, block)
			}

			for _, block := range held {
				require.NoError(t, block.Free())
			}
		}(int64(worker))
	}
	wg.Wait()

	require.NoError(t, allocator.Validate())
	require.Equal(t, []ledger.Chunk{{Offset: 0, Size: 1 << 16}}, allocator.FreeChunks())
	require.NoError(t, allocator.Destroy())
}

func TestStatsString(t *testing.T) {
	_, allocator := readyAllocator(t, 256, CreateOptions{Name: "bvh", Alignment: 16, Flags: AllocatorCreateExternallySynchronized})

	block, err := allocator.Lease(20)
	require.NoError(t, err)
	block.SetName("nodes")

	str := allocator.BuildStatsString(false)
	require.JSONEq(t, `{
		"Name":"bvh",
		"Id":`+itoa(allocator.id)+`,
		"Alignment":16,
		"Flags":"AllocatorCreateExternallySynchronized",
		"Total":{"BufferCount":1,"BlockCount":1,"BufferBytes":256,"BlockBytes":32,"FreeRangeCount":1,
			"BlockSizeMin":32,"BlockSizeMax":32,"FreeRangeSizeMin":224,"FreeRangeSizeMax":224}
	}`, str)

	detailed := allocator.BuildStatsString(true)
	require.Contains(t, detailed, `"FreeChunks":[{"Offset":32,"Size":224}]`)
	require.Contains(t, detailed, `"Name":"nodes"`)
	require.Contains(t, detailed, `"Retiring":[]`)

	require.NoError(t, block.Free())
}

func TestValidateDuringConcurrentLeases(t *testing.T) {
	_, allocator := readyAllocator(t, 1<<14, CreateOptions{Alignment: 16})

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)

		for i := 0; i < 2000; i++ {
			block, err := allocator.Lease(i%200 + 1)
			if err != nil {
				continue
			}
			if err := block.Free(); err != nil {
				panic(err)
			}
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		require.NoError(t, allocator.Validate())
	}
	wg.Wait()

	require.Equal(t, []ledger.Chunk{{Offset: 0, Size: 1 << 14}}, allocator.FreeChunks())
}
