package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/lifecycle/suballoc"
)

// HostMemoryProperties are the memory properties a Buffer requires so that writes through a mapping are
// visible to the device without explicit flushes
const HostMemoryProperties = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

// Buffer is a VkBuffer bound to its own host-visible, host-coherent device memory. It can back a
// suballoc.SubAllocator.
type Buffer struct {
	driver core1_0.DeviceDriver
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	size   int

	mapped bool
}

var _ suballoc.BackingBuffer = &Buffer{}

// NewBuffer creates a buffer of the requested size, allocates memory for it from the first memory type
// that is both permitted by the buffer's requirements and host-visible and host-coherent, and binds the two
//
// driver - The device driver to create the buffer with
//
// memoryProperties - The physical device's memory properties, as returned by GetPhysicalDeviceMemoryProperties
//
// size - The size of the buffer in bytes
//
// usage - How the device will use the buffer, such as core1_0.BufferUsageStorageBuffer
func NewBuffer(driver core1_0.DeviceDriver, memoryProperties *core1_0.PhysicalDeviceMemoryProperties, size int, usage core1_0.BufferUsageFlags) (*Buffer, error) {
	if driver == nil || memoryProperties == nil {
		return nil, errors.New("a buffer requires a device driver and memory properties")
	}
	if size <= 0 {
		return nil, errors.Newf("buffer size must be positive, got %d", size)
	}

	buffer, _, err := driver.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create buffer")
	}

	requirements := driver.GetBufferMemoryRequirements(buffer)
	memoryTypeIndex, err := FindMemoryType(memoryProperties, requirements.MemoryTypeBits, HostMemoryProperties)
	if err != nil {
		driver.DestroyBuffer(buffer, nil)
		return nil, err
	}

	memory, _, err := driver.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		driver.DestroyBuffer(buffer, nil)
		return nil, errors.Wrapf(err, "failed to allocate %d bytes of memory type %d", requirements.Size, memoryTypeIndex)
	}

	_, err = driver.BindBufferMemory(buffer, memory, 0)
	if err != nil {
		driver.DestroyBuffer(buffer, nil)
		driver.FreeMemory(memory, nil)
		return nil, errors.Wrap(err, "failed to bind buffer memory")
	}

	return &Buffer{
		driver: driver,
		buffer: buffer,
		memory: memory,
		size:   size,
	}, nil
}

// FindMemoryType returns the index of the first memory type allowed by typeBits that has every property in
// required
func FindMemoryType(memoryProperties *core1_0.PhysicalDeviceMemoryProperties, typeBits uint32, required core1_0.MemoryPropertyFlags) (int, error) {
	for index, memoryType := range memoryProperties.MemoryTypes {
		typeBit := uint32(1) << index
		if typeBits&typeBit != 0 && memoryType.PropertyFlags&required == required {
			return index, nil
		}
	}

	return -1, errors.Newf("no memory type in bits %#x has properties %v", typeBits, required)
}

// Size is the size of the buffer in bytes, as requested at creation
func (b *Buffer) Size() int { return b.size }

// VulkanBuffer is the buffer handle, for binding in descriptor sets
func (b *Buffer) VulkanBuffer() core1_0.Buffer { return b.buffer }

// VulkanDeviceMemory is the memory the buffer is bound to
func (b *Buffer) VulkanDeviceMemory() core1_0.DeviceMemory { return b.memory }

// Map maps a range of the buffer's memory into host address space. Only one range may be mapped at once.
func (b *Buffer) Map(offset, size int) (unsafe.Pointer, error) {
	if b.mapped {
		return nil, errors.New("buffer memory is already mapped")
	}
	if offset < 0 || size <= 0 || offset+size > b.size {
		return nil, errors.Newf("map range [%d, %d) is outside buffer of size %d", offset, offset+size, b.size)
	}

	data, res, err := b.driver.MapMemory(b.memory, offset, size, 0)
	if err != nil {
		return nil, deviceError(res, err, "failed to map buffer memory")
	}

	b.mapped = true
	return data, nil
}

// Unmap releases the current mapping
func (b *Buffer) Unmap() error {
	if !b.mapped {
		return errors.New("buffer memory is not mapped")
	}

	b.driver.UnmapMemory(b.memory)
	b.mapped = false
	return nil
}

// Destroy destroys the buffer and frees its memory. The device must no longer be using either.
func (b *Buffer) Destroy() {
	if b.mapped {
		b.driver.UnmapMemory(b.memory)
		b.mapped = false
	}

	b.driver.DestroyBuffer(b.buffer, nil)
	b.driver.FreeMemory(b.memory, nil)
}
