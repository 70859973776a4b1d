//go:build !linux

package affinity

import "runtime"

// Pin locks the calling goroutine to its current OS thread. CPU-level
// affinity is a Linux-only syscall; elsewhere this degrades to thread
// pinning only, which is harmless since it is purely an optimization.
func Pin(cpu int) error {
	runtime.LockOSThread()
	return nil
}
