//go:build opencl

package device

/*
#cgo CFLAGS: -I/usr/include
#cgo linux LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#include <CL/cl.h>
#include <stdlib.h>

extern void goEventCallback(cl_event event, cl_int status, void *user_data);

static cl_int setEventCallbackTrampoline(cl_event event, void *user_data) {
	return clSetEventCallback(event, CL_COMPLETE, goEventCallback, user_data);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// openCLPlatform binds a Device to a real OpenCL platform/device/context,
// grounded on the cgo binding conventions used for GPU kernel dispatch
// elsewhere in this retrieval pack (clGetPlatformIDs / clGetDeviceIDs /
// clCreateContext / clCreateCommandQueue / clCreateProgramWithSource /
// clBuildProgram with build-log diagnostics on failure).
type openCLPlatform struct {
	platformID C.cl_platform_id
	deviceID   C.cl_device_id
	context    C.cl_context
	queue      C.cl_command_queue
}

func (p *openCLPlatform) Kind() Kind   { return KindGPU }
func (p *openCLPlatform) Name() string { return "opencl" }

func (p *openCLPlatform) Queue() Queue { return p.queue }

// WorkgroupSize reports the device's maximum work-group size, queried
// via clGetDeviceInfo on each call; Backend reads it once at start and
// rounds capacity and shapes kernel launches around that value.
func (p *openCLPlatform) WorkgroupSize() int {
	return int(queryDeviceMem(p.deviceID, C.CL_DEVICE_MAX_WORK_GROUP_SIZE))
}

// CompileProgram builds an OpenCL program from source, returning the
// compiled cl_program or a diagnostic error including the build log, the
// same failure-reporting shape the reference GPU dispatch code in this
// pack uses.
func (p *openCLPlatform) CompileProgram(source string) (C.cl_program, error) {
	csource := C.CString(source)
	defer C.free(unsafe.Pointer(csource))

	var ret C.cl_int
	length := C.size_t(len(source))
	program := C.clCreateProgramWithSource(p.context, 1, &csource, &length, &ret)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clCreateProgramWithSource: %d", ret)
	}

	ret = C.clBuildProgram(program, 1, &p.deviceID, nil, nil, nil)
	if ret != C.CL_SUCCESS {
		var logSize C.size_t
		C.clGetProgramBuildInfo(program, p.deviceID, C.CL_PROGRAM_BUILD_LOG, 0, nil, &logSize)
		log := make([]byte, int(logSize))
		if logSize > 0 {
			C.clGetProgramBuildInfo(program, p.deviceID, C.CL_PROGRAM_BUILD_LOG, logSize,
				unsafe.Pointer(&log[0]), nil)
		}
		return nil, fmt.Errorf("clBuildProgram failed (%d): %s", ret, string(log))
	}

	return program, nil
}

func queryDeviceMem(deviceID C.cl_device_id, param C.cl_device_info) uint64 {
	var value C.cl_ulong
	C.clGetDeviceInfo(deviceID, param, C.size_t(unsafe.Sizeof(value)), unsafe.Pointer(&value), nil)
	return uint64(value)
}

// openCLBuffer wraps a device-resident cl_mem allocated with
// CL_MEM_ALLOC_HOST_PTR and mapped once for the buffer's lifetime, so
// Host() returns the same pinned pointer clEnqueueMapBuffer handed back
// — no per-call map/unmap round trip.
type openCLBuffer struct {
	platform *openCLPlatform
	mem      C.cl_mem
	host     []byte
}

func (b *openCLBuffer) Size() uint64 { return uint64(len(b.host)) }
func (b *openCLBuffer) Host() []byte { return b.host }

func clMemFlagsFor(kind BufferKind) C.cl_mem_flags {
	switch kind {
	case BufferOutput:
		return C.CL_MEM_WRITE_ONLY | C.CL_MEM_ALLOC_HOST_PTR
	default:
		return C.CL_MEM_READ_ONLY | C.CL_MEM_ALLOC_HOST_PTR
	}
}

// AllocateBuffer reserves a device buffer and maps it into host-visible,
// pinned memory so Host() can be written or read directly without an
// intermediate staging buffer.
func (p *openCLPlatform) AllocateBuffer(kind BufferKind, size uint64) (Buffer, error) {
	var ret C.cl_int
	mem := C.clCreateBuffer(p.context, clMemFlagsFor(kind), C.size_t(size), nil, &ret)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clCreateBuffer(%s, %d bytes): %d", kind, size, ret)
	}

	mapFlags := C.cl_map_flags(C.CL_MAP_WRITE)
	if kind == BufferOutput {
		mapFlags = C.CL_MAP_READ
	}
	ptr := C.clEnqueueMapBuffer(p.queue, mem, C.CL_TRUE, mapFlags, 0, C.size_t(size),
		0, nil, nil, &ret)
	if ret != C.CL_SUCCESS {
		C.clReleaseMemObject(mem)
		return nil, fmt.Errorf("clEnqueueMapBuffer(%s): %d", kind, ret)
	}

	host := unsafe.Slice((*byte)(ptr), int(size))
	return &openCLBuffer{platform: p, mem: mem, host: host}, nil
}

func (p *openCLPlatform) EnqueueWrite(buf Buffer, data []byte) (Event, error) {
	ob, ok := buf.(*openCLBuffer)
	if !ok {
		return nil, fmt.Errorf("opencl: write target is not a device buffer")
	}
	copy(ob.host, data)

	var clEvent C.cl_event
	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	ret := C.clEnqueueWriteBuffer(p.queue, ob.mem, C.CL_FALSE, 0, C.size_t(len(data)), dataPtr,
		0, nil, &clEvent)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clEnqueueWriteBuffer: %d", ret)
	}
	return &openCLEvent{event: clEvent}, nil
}

// openCLKernel is the subset of device.Kernel a GPU-capable hash family
// additionally implements: a reference to the compiled cl_kernel object
// EnqueueKernel binds the five ABI arguments to and launches. No shipped
// family builds one — the embedded per-family kernel source is treated
// as an out-of-scope collaborator — but the binding code below exists so
// one can be plugged in without touching this file again.
type openCLKernel interface {
	Kernel
	clHandle() C.cl_kernel
}

func eventHandles(deps []Event) ([]C.cl_event, error) {
	handles := make([]C.cl_event, 0, len(deps))
	for _, d := range deps {
		if d == nil {
			continue
		}
		ce, ok := d.(*openCLEvent)
		if !ok {
			return nil, fmt.Errorf("opencl: dependency event is not a cl_event")
		}
		handles = append(handles, ce.event)
	}
	return handles, nil
}

// EnqueueKernel binds the kernel ABI's five fixed arguments (element
// count, per-work-group local scratch, input buffer, output buffer,
// constants buffer) and launches handle over a 1-D NDRange of gsize
// work-items with local size localSize, after waiting on deps.
func (p *openCLPlatform) EnqueueKernel(k Kernel, elemCount uint64, ngrp, gsize, localSize int, in, out, constants Buffer, deps ...Event) (Event, error) {
	ck, ok := k.(openCLKernel)
	if !ok {
		return nil, fmt.Errorf("opencl: kernel %T has no compiled cl_kernel handle", k)
	}
	inBuf, ok := in.(*openCLBuffer)
	if !ok {
		return nil, fmt.Errorf("opencl: input buffer is not device-resident")
	}
	outBuf, ok := out.(*openCLBuffer)
	if !ok {
		return nil, fmt.Errorf("opencl: output buffer is not device-resident")
	}

	handle := ck.clHandle()

	n := C.cl_ulong(elemCount)
	if ret := C.clSetKernelArg(handle, 0, C.size_t(unsafe.Sizeof(n)), unsafe.Pointer(&n)); ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clSetKernelArg(0, elemCount): %d", ret)
	}
	const uint320Size = 40
	localBytes := C.size_t(localSize * uint320Size)
	if ret := C.clSetKernelArg(handle, 1, localBytes, nil); ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clSetKernelArg(1, local scratch): %d", ret)
	}
	if ret := C.clSetKernelArg(handle, 2, C.size_t(unsafe.Sizeof(inBuf.mem)), unsafe.Pointer(&inBuf.mem)); ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clSetKernelArg(2, input buffer): %d", ret)
	}
	if ret := C.clSetKernelArg(handle, 3, C.size_t(unsafe.Sizeof(outBuf.mem)), unsafe.Pointer(&outBuf.mem)); ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clSetKernelArg(3, output buffer): %d", ret)
	}
	if constBuf, ok := constants.(*openCLBuffer); ok && constBuf != nil {
		if ret := C.clSetKernelArg(handle, 4, C.size_t(unsafe.Sizeof(constBuf.mem)), unsafe.Pointer(&constBuf.mem)); ret != C.CL_SUCCESS {
			return nil, fmt.Errorf("clSetKernelArg(4, constants buffer): %d", ret)
		}
	}

	waitList, err := eventHandles(deps)
	if err != nil {
		return nil, err
	}
	var waitPtr *C.cl_event
	if len(waitList) > 0 {
		waitPtr = &waitList[0]
	}

	global := C.size_t(gsize)
	local := C.size_t(localSize)
	var clEvent C.cl_event
	ret := C.clEnqueueNDRangeKernel(p.queue, handle, 1, nil, &global, &local,
		C.cl_uint(len(waitList)), waitPtr, &clEvent)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clEnqueueNDRangeKernel: %d", ret)
	}
	return &openCLEvent{event: clEvent}, nil
}

// EnqueueRead issues an asynchronous read of buf's first n bytes back
// into its pinned host region after waiting on deps.
func (p *openCLPlatform) EnqueueRead(buf Buffer, n int, deps ...Event) (Event, error) {
	ob, ok := buf.(*openCLBuffer)
	if !ok {
		return nil, fmt.Errorf("opencl: read source is not a device buffer")
	}

	waitList, err := eventHandles(deps)
	if err != nil {
		return nil, err
	}
	var waitPtr *C.cl_event
	if len(waitList) > 0 {
		waitPtr = &waitList[0]
	}

	var dataPtr unsafe.Pointer
	if n > 0 {
		dataPtr = unsafe.Pointer(&ob.host[0])
	}
	var clEvent C.cl_event
	ret := C.clEnqueueReadBuffer(p.queue, ob.mem, C.CL_FALSE, 0, C.size_t(n), dataPtr,
		C.cl_uint(len(waitList)), waitPtr, &clEvent)
	if ret != C.CL_SUCCESS {
		return nil, fmt.Errorf("clEnqueueReadBuffer: %d", ret)
	}
	return &openCLEvent{event: clEvent}, nil
}

// openCLEvent wraps a cl_event. OnComplete registers fn through
// clSetEventCallback, the completion-callback mechanism spec describes
// as running "on the platform's event thread" — here, OpenCL's own
// event-callback thread rather than a goroutine this package owns.
type openCLEvent struct {
	event C.cl_event
}

func (e *openCLEvent) Wait() error {
	event := e.event
	ret := C.clWaitForEvents(1, &event)
	if ret != C.CL_SUCCESS {
		return fmt.Errorf("clWaitForEvents: %d", ret)
	}
	return nil
}

var (
	callbackMu       sync.Mutex
	callbackRegistry = map[uintptr]func(error){}
	callbackNextID   uintptr
)

func (e *openCLEvent) OnComplete(fn func(error)) {
	callbackMu.Lock()
	id := callbackNextID
	callbackNextID++
	callbackRegistry[id] = fn
	callbackMu.Unlock()

	ret := C.setEventCallbackTrampoline(e.event, unsafe.Pointer(uintptr(id)))
	if ret != C.CL_SUCCESS {
		callbackMu.Lock()
		delete(callbackRegistry, id)
		callbackMu.Unlock()
		fn(fmt.Errorf("clSetEventCallback: %d", ret))
	}
}

//export goEventCallback
func goEventCallback(event C.cl_event, status C.cl_int, userData unsafe.Pointer) {
	id := uintptr(userData)

	callbackMu.Lock()
	fn, ok := callbackRegistry[id]
	delete(callbackRegistry, id)
	callbackMu.Unlock()
	if !ok {
		return
	}

	if status != C.CL_COMPLETE {
		fn(fmt.Errorf("opencl event failed: status %d", status))
		return
	}
	fn(nil)
}

// enumeratePlatformDevices enumerates every OpenCL device on every OpenCL
// platform, appending the CPU fallback device last so a dispatcher can
// always make forward progress even when no accelerator is present.
func enumeratePlatformDevices() []*Device {
	var numPlatforms C.cl_uint
	if C.clGetPlatformIDs(0, nil, &numPlatforms) != C.CL_SUCCESS || numPlatforms == 0 {
		return []*Device{newDevice(0, KindCPU, cpuGlobalMemBudget, cpuLocalMemBudget, newCPUPlatform())}
	}

	platforms := make([]C.cl_platform_id, numPlatforms)
	C.clGetPlatformIDs(numPlatforms, &platforms[0], nil)

	var devices []*Device
	id := 0

	for _, platformID := range platforms {
		var numDevices C.cl_uint
		if C.clGetDeviceIDs(platformID, C.CL_DEVICE_TYPE_ALL, 0, nil, &numDevices) != C.CL_SUCCESS {
			continue
		}
		deviceIDs := make([]C.cl_device_id, numDevices)
		C.clGetDeviceIDs(platformID, C.CL_DEVICE_TYPE_ALL, numDevices, &deviceIDs[0], nil)

		for _, deviceID := range deviceIDs {
			var ret C.cl_int
			context := C.clCreateContext(nil, 1, &deviceID, nil, nil, &ret)
			if ret != C.CL_SUCCESS {
				continue
			}
			queue := C.clCreateCommandQueue(context, deviceID, 0, &ret)
			if ret != C.CL_SUCCESS {
				C.clReleaseContext(context)
				continue
			}

			gmem := queryDeviceMem(deviceID, C.CL_DEVICE_GLOBAL_MEM_SIZE)
			lmem := queryDeviceMem(deviceID, C.CL_DEVICE_LOCAL_MEM_SIZE)

			p := &openCLPlatform{
				platformID: platformID,
				deviceID:   deviceID,
				context:    context,
				queue:      queue,
			}
			devices = append(devices, newDevice(id, KindGPU, gmem, lmem, p))
			id++
		}
	}

	devices = append(devices, newDevice(id, KindCPU, cpuGlobalMemBudget, cpuLocalMemBudget, newCPUPlatform()))
	return devices
}
