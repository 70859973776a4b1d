package device

import (
	"sync"
)

// registry is the process-wide, reference-counted device list. A package
// keeps exactly one live instance regardless of how many dispatchers
// (hash families) are open concurrently: the first Acquire enumerates
// devices, and the last Release tears them down. This mirrors the
// original implementation's single struct deluge root context and the
// "global mutable state, intentionally" design note it documents.
var (
	registryMu   sync.Mutex
	registryRef  int64
	registryDevs []*Device
)

// Acquire increments the process-wide registry's reference count,
// enumerating devices on the first call. Every successful Acquire must be
// matched by a Release.
func Acquire() ([]*Device, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registryRef == 0 {
		devs, err := enumerate()
		if err != nil {
			return nil, err
		}
		registryDevs = devs
	}
	registryRef++
	return registryDevs, nil
}

// Release decrements the reference count, discarding the enumerated
// device list once the last reference is released.
func Release() {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registryRef == 0 {
		return
	}
	registryRef--
	if registryRef == 0 {
		registryDevs = nil
	}
}

// RefCount reports the current registry reference count. Exposed for
// tests that need to assert acquire/release symmetry.
func RefCount() int64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registryRef
}

// enumerate builds the device list for the process. The default build
// always yields exactly one CPU fallback device so the module is usable
// without any accelerator present; builds with the opencl tag additionally
// enumerate real OpenCL devices ahead of it.
func enumerate() ([]*Device, error) {
	devs := enumeratePlatformDevices()
	if len(devs) == 0 {
		return nil, ErrNoDevice
	}
	return devs, nil
}

func newDevice(id int, kind Kind, totalGmem, totalLmem uint64, p Platform) *Device {
	return &Device{
		id:        id,
		kind:      kind,
		totalGmem: totalGmem,
		totalLmem: totalLmem,
		programs:  make(map[string]Kernel),
		platform:  p,
	}
}
