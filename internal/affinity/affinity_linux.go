//go:build linux

// Package affinity pins the calling goroutine's OS thread to a specific
// CPU, the same round-robin thread-pinning a block-I/O queue runner uses
// to keep one worker bound to one CPU for its whole lifetime.
package affinity

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Pin locks the calling goroutine to its current OS thread and binds that
// thread to cpu. The caller must not call runtime.UnlockOSThread: Pin is
// meant to be called once at the top of a goroutine that runs for the
// life of the process, exactly like a worker's ioLoop.
func Pin(cpu int) error {
	runtime.LockOSThread()

	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return fmt.Errorf("affinity: set CPU %d: %w", cpu, err)
	}
	return nil
}
