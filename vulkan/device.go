package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/lifecycle/pacer"
)

// Fence is a pacer.Fence over a VkFence
type Fence struct {
	driver core1_0.DeviceDriver
	fence  core1_0.Fence
}

var _ pacer.Fence = &Fence{}

// VulkanFence is the fence handle, to be passed to QueueSubmit
func (f *Fence) VulkanFence() core1_0.Fence { return f.fence }

func (f *Fence) Wait() error {
	res, err := f.driver.WaitForFences(true, common.NoTimeout, f.fence)
	if err != nil {
		return deviceError(res, err, "failed to wait for fence")
	}
	return nil
}

func (f *Fence) Reset() error {
	res, err := f.driver.ResetFences(f.fence)
	if err != nil {
		return deviceError(res, err, "failed to reset fence")
	}
	return nil
}

func (f *Fence) Signaled() (bool, error) {
	res, err := f.driver.GetFenceStatus(f.fence)
	if err != nil {
		return false, deviceError(res, err, "failed to query fence status")
	}
	return res == core1_0.VKSuccess, nil
}

func (f *Fence) Destroy() {
	f.driver.DestroyFence(f.fence, nil)
}

// Semaphore is a pacer.Semaphore over a VkSemaphore
type Semaphore struct {
	driver    core1_0.DeviceDriver
	semaphore core1_0.Semaphore
}

var _ pacer.Semaphore = &Semaphore{}

// VulkanSemaphore is the semaphore handle, to be passed to QueueSubmit
func (s *Semaphore) VulkanSemaphore() core1_0.Semaphore { return s.semaphore }

func (s *Semaphore) Destroy() {
	s.driver.DestroySemaphore(s.semaphore, nil)
}

// Device is a pacer.Device that creates Vulkan fences and semaphores
type Device struct {
	driver core1_0.DeviceDriver
}

var _ pacer.Device = &Device{}

// NewDevice wraps a device driver
func NewDevice(driver core1_0.DeviceDriver) *Device {
	return &Device{driver: driver}
}

// Driver is the wrapped device driver
func (d *Device) Driver() core1_0.DeviceDriver { return d.driver }

func (d *Device) CreateFence(signaled bool) (pacer.Fence, error) {
	info := core1_0.FenceCreateInfo{}
	if signaled {
		info.Flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.driver.CreateFence(nil, info)
	if err != nil {
		return nil, deviceError(res, err, "failed to create fence")
	}

	return &Fence{driver: d.driver, fence: fence}, nil
}

func (d *Device) CreateSemaphore() (pacer.Semaphore, error) {
	semaphore, res, err := d.driver.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, deviceError(res, err, "failed to create semaphore")
	}

	return &Semaphore{driver: d.driver, semaphore: semaphore}, nil
}

func (d *Device) WaitIdle() error {
	res, err := d.driver.DeviceWaitIdle()
	if err != nil {
		return deviceError(res, err, "failed to wait for device idle")
	}
	return nil
}

// deviceError wraps err with msg and marks it as pacer.ErrDeviceLost when the result says so
func deviceError(res common.VkResult, err error, msg string) error {
	wrapped := errors.Wrap(err, msg)
	if res == core1_0.VKErrorDeviceLost {
		return errors.Mark(wrapped, pacer.ErrDeviceLost)
	}
	return wrapped
}
