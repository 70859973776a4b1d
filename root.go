package deluge

import "github.com/dlorenc/deluge/internal/device"

// Init acquires the process-wide device registry, enumerating available
// devices on first call. It is not required before constructing a
// dispatcher (NewBlake3/NewHighway acquire their own reference), but lets
// a caller pre-warm enumeration and hold devices open across repeated
// dispatcher create/destroy cycles, mirroring deluge_create's role as the
// root context every hash-family dispatcher retains a reference to.
func Init() error {
	_, err := device.Acquire()
	if err != nil {
		return mapPlatformError("init", err)
	}
	return nil
}

// Finalize releases the reference Init acquired. Safe to call without a
// matching Init only in the sense that it will simply under-run the
// registry's refcount floor of zero, which Release treats as a no-op.
func Finalize() {
	device.Release()
}
