//go:build !opencl

package device

// enumeratePlatformDevices is the default, OpenCL-free build: exactly one
// CPU fallback device. A build tagged with `opencl` additionally
// enumerates real platform devices ahead of this one (see
// opencl_cgo.go).
func enumeratePlatformDevices() []*Device {
	return []*Device{
		newDevice(0, KindCPU, cpuGlobalMemBudget, cpuLocalMemBudget, newCPUPlatform()),
	}
}
