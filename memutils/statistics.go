package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics is a cheap summary of how a set of backing buffers is being used
type Statistics struct {
	// BufferCount is the number of backing buffers being sub-allocated
	BufferCount int
	// BlockCount is the number of live blocks leased from those buffers
	BlockCount int
	// BufferBytes is the total capacity of the backing buffers, in bytes
	BufferBytes int
	// BlockBytes is the number of bytes currently leased out as blocks
	BlockBytes int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.BlockCount = 0
	s.BufferBytes = 0
	s.BlockBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.BlockCount += other.BlockCount
	s.BufferBytes += other.BufferBytes
	s.BlockBytes += other.BlockBytes
}

// FreeBytes is the number of bytes of buffer capacity that are not leased
func (s *Statistics) FreeBytes() int {
	return s.BufferBytes - s.BlockBytes
}

func (s *Statistics) WriteJSON(json *jwriter.ObjectState) {
	json.Name("BufferCount").Int(s.BufferCount)
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BufferBytes").Int(s.BufferBytes)
	json.Name("BlockBytes").Int(s.BlockBytes)
}

// DetailedStatistics extends Statistics with size ranges for blocks and free ranges. It is
// more expensive to collect, since every free range must be visited.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount   int
	BlockSizeMin     int
	BlockSizeMax     int
	FreeRangeSizeMin int
	FreeRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.BlockSizeMin = math.MaxInt
	s.BlockSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddBlock(size int) {
	s.BlockCount++
	s.BlockBytes += size

	if size < s.BlockSizeMin {
		s.BlockSizeMin = size
	}

	if size > s.BlockSizeMax {
		s.BlockSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.BlockSizeMin < s.BlockSizeMin {
		s.BlockSizeMin = other.BlockSizeMin
	}

	if other.BlockSizeMax > s.BlockSizeMax {
		s.BlockSizeMax = other.BlockSizeMax
	}
}

func (s *DetailedStatistics) WriteJSON(json *jwriter.ObjectState) {
	s.Statistics.WriteJSON(json)
	json.Name("FreeRangeCount").Int(s.FreeRangeCount)

	if s.BlockCount > 0 {
		json.Name("BlockSizeMin").Int(s.BlockSizeMin)
		json.Name("BlockSizeMax").Int(s.BlockSizeMax)
	}

	if s.FreeRangeCount > 0 {
		json.Name("FreeRangeSizeMin").Int(s.FreeRangeSizeMin)
		json.Name("FreeRangeSizeMax").Int(s.FreeRangeSizeMax)
	}
}
