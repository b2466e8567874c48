// Package resources composes sub-allocators into the buffer classes a renderer binds each frame, and
// loads and unloads models into them.
package resources

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/lifecycle/config"
	"github.com/vkngwrapper/lifecycle/internal/logging"
	"github.com/vkngwrapper/lifecycle/memutils"
	"github.com/vkngwrapper/lifecycle/suballoc"
)

// BufferFactory creates the backing buffer for a buffer class. The buffer must be at least class.Size
// bytes. If it has a Destroy method, Pools.Destroy calls it.
type BufferFactory func(class config.BufferClass) (suballoc.BackingBuffer, error)

// HostBufferFactory backs every buffer class with host memory
func HostBufferFactory(class config.BufferClass) (suballoc.BackingBuffer, error) {
	return suballoc.NewHostBuffer(class.Size), nil
}

type destroyable interface {
	Destroy()
}

// Pools holds one SubAllocator per configured buffer class
type Pools struct {
	logger     *slog.Logger
	names      []string
	allocators map[string]*suballoc.SubAllocator
	buffers    []suballoc.BackingBuffer
}

// NewPools creates a backing buffer and sub-allocator for each buffer class in cfg, in order
func NewPools(logger *slog.Logger, cfg config.Config, makeBuffer BufferFactory) (*Pools, error) {
	logger = logging.OrDiscard(logger)

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	pools := &Pools{
		logger:     logger,
		allocators: make(map[string]*suballoc.SubAllocator, len(cfg.Buffers)),
	}

	for _, class := range cfg.Buffers {
		buffer, err := makeBuffer(class)
		if err != nil {
			return nil, errors.CombineErrors(
				errors.Wrapf(err, "failed to create buffer %s", class.Name),
				pools.Destroy(),
			)
		}
		pools.buffers = append(pools.buffers, buffer)

		allocator, err := suballoc.New(logger, buffer, suballoc.CreateOptions{
			Name:      class.Name,
			Alignment: class.Alignment,
			Size:      class.Size,
		})
		if err != nil {
			return nil, errors.CombineErrors(
				errors.Wrapf(err, "failed to create allocator for buffer %s", class.Name),
				pools.Destroy(),
			)
		}

		pools.names = append(pools.names, class.Name)
		pools.allocators[class.Name] = allocator
	}

	return pools, nil
}

// Names lists the buffer classes in configuration order
func (p *Pools) Names() []string {
	return append([]string(nil), p.names...)
}

// Pool returns the allocator for a buffer class
func (p *Pools) Pool(name string) (*suballoc.SubAllocator, bool) {
	allocator, ok := p.allocators[name]
	return allocator, ok
}

// CollectRetired reclaims retired blocks in every pool whose completion signal has fired
func (p *Pools) CollectRetired() (int, error) {
	var total int
	var err error
	for _, name := range p.names {
		count, collectErr := p.allocators[name].CollectRetired()
		total += count
		err = errors.CombineErrors(err, collectErr)
	}

	return total, err
}

// Validate checks the consistency of every pool
func (p *Pools) Validate() error {
	allocators := make([]*suballoc.SubAllocator, 0, len(p.names))
	for _, name := range p.names {
		allocators = append(allocators, p.allocators[name])
	}
	return memutils.ValidateAll(allocators...)
}

// CalculateStatistics sums the statistics of every pool
func (p *Pools) CalculateStatistics(stats *memutils.DetailedStatistics) {
	for _, name := range p.names {
		p.allocators[name].CalculateDetailedStatistics(stats)
	}
}

// BuildStatsString produces a JSON summary of every pool, plus their totals
func (p *Pools) BuildStatsString(detailed bool) string {
	var stats memutils.DetailedStatistics
	stats.Clear()
	p.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	objState := writer.Object()

	totalObj := objState.Name("Total").Object()
	stats.WriteJSON(&totalObj)
	totalObj.End()

	poolsObj := objState.Name("Pools").Object()
	for _, name := range p.names {
		poolObj := poolsObj.Name(name).Object()
		p.allocators[name].WriteJSON(&poolObj, detailed)
		poolObj.End()
	}
	poolsObj.End()

	objState.End()
	return string(writer.Bytes())
}

// Destroy destroys every allocator and then every backing buffer that can be destroyed. Blocks still
// leased are reported and listed in the returned error.
func (p *Pools) Destroy() error {
	var err error
	for _, name := range p.names {
		err = errors.CombineErrors(err, p.allocators[name].Destroy())
	}

	for _, buffer := range p.buffers {
		if d, ok := buffer.(destroyable); ok {
			d.Destroy()
		}
	}

	p.names = nil
	p.allocators = map[string]*suballoc.SubAllocator{}
	p.buffers = nil

	return err
}
