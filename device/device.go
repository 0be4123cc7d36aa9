// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package device defines the narrow GPU device contract consumed by the
// micromap build pipeline.
//
// The pipeline never talks to a graphics API directly. Everything it needs
// from the GPU — buffer creation, CPU-visible mapping, region copies,
// completion fences, and the micromap/acceleration-structure build calls —
// goes through the Device interface. Implementations live under backend/:
// a CPU emulation (backend) and a gogpu/wgpu-backed device (backend/wgpu).
//
// Resource handles form a small closed set of opaque variants: Buffer,
// Texture, Fence, Micromap, and AccelStruct. Callers hold them, pass them
// back to the Device that created them, and never inspect their internals.
// Mixing handles across devices is undefined behavior.
package device

import "errors"

// Device errors shared by all backends.
var (
	// ErrInvalidBufferSize is returned when a buffer is created with size zero.
	ErrInvalidBufferSize = errors.New("device: invalid buffer size")

	// ErrNotReadback is returned when MapForRead is called on a buffer that
	// was not created with BufferKindReadback.
	ErrNotReadback = errors.New("device: buffer is not CPU-readable")

	// ErrForeignHandle is returned when a handle created by a different
	// device is passed in.
	ErrForeignHandle = errors.New("device: handle belongs to a different device")
)

// Buffer is an opaque GPU buffer handle.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Label returns the debug label the buffer was created with.
	Label() string
}

// Texture is an opaque texture handle. The build pipeline only forwards
// textures to the baker; it never samples them itself.
type Texture interface {
	// Label returns the debug label of the texture.
	Label() string
}

// Fence is an opaque completion handle representing a point in the device's
// command stream. Fences are polled, never inspected.
type Fence interface {
	// Signaled reports the last observed poll result without touching the
	// device. Use Device.PollFence for an authoritative answer.
	Signaled() bool
}

// Micromap is an opaque opacity-micromap object handle.
type Micromap interface {
	// Desc returns the descriptor the micromap was built from.
	Desc() MicromapDesc
}

// AccelStruct is an opaque acceleration-structure handle.
type AccelStruct interface {
	// Label returns the debug label of the acceleration structure.
	Label() string
}

// DescriptorIndex is a bindless descriptor-table slot.
type DescriptorIndex uint32

// InvalidDescriptor marks an unassigned descriptor slot.
const InvalidDescriptor DescriptorIndex = 0xFFFFFFFF

// BufferKind selects the usage configuration of a created buffer.
type BufferKind int

const (
	// BufferKindStorage is GPU-writable raw storage.
	BufferKindStorage BufferKind = iota

	// BufferKindStorageASInput is GPU-writable raw storage that may also be
	// consumed as acceleration-structure build input.
	BufferKindStorageASInput

	// BufferKindReadback is CPU-readable staging memory, the copy target for
	// results the CPU must observe.
	BufferKindReadback
)

// String returns the string representation of BufferKind.
func (k BufferKind) String() string {
	switch k {
	case BufferKindStorage:
		return "Storage"
	case BufferKindStorageASInput:
		return "StorageASInput"
	case BufferKindReadback:
		return "Readback"
	default:
		return "Unknown"
	}
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Label is the debug label.
	Label string

	// Size is the buffer size in bytes. Must be non-zero.
	Size uint64

	// Kind selects the usage configuration.
	Kind BufferKind
}

// Device is the compute backend consumed by the build pipeline.
//
// Thread Safety:
// The pipeline drives a Device from a single goroutine (the render thread).
// Implementations are not required to be safe for concurrent use.
//
// Error model: creation calls return errors; the remaining calls are
// submission-style operations on handles this device issued, and misuse
// (foreign or destroyed handles, out-of-range copies) is a programming
// error that implementations may panic on.
type Device interface {
	// CreateBuffer creates a GPU buffer.
	CreateBuffer(desc BufferDesc) (Buffer, error)

	// DestroyBuffer releases a buffer. Implementations whose queues run
	// asynchronously must defer reclamation until submitted work that
	// references the buffer has completed.
	DestroyBuffer(buf Buffer)

	// WriteBuffer schedules a CPU -> GPU upload into buf at off.
	WriteBuffer(buf Buffer, off uint64, data []byte)

	// CopyBufferRegion schedules a GPU copy of size bytes from src+srcOff
	// into dst+dstOff, ordered after previously submitted work.
	CopyBufferRegion(dst Buffer, dstOff uint64, src Buffer, srcOff uint64, size uint64)

	// CreateFence creates an unsignaled completion fence.
	CreateFence() (Fence, error)

	// SignalFence inserts a signal point into the command stream after all
	// work submitted so far. The fence becomes signaled once the device has
	// executed everything before that point.
	SignalFence(f Fence)

	// PollFence reports whether the fence has signaled. Never blocks.
	PollFence(f Fence) bool

	// DestroyFence releases a fence.
	DestroyFence(f Fence)

	// MapForRead exposes the current contents of a readback buffer to the
	// CPU. The returned slice is valid until Unmap. The caller must not
	// write through it.
	MapForRead(buf Buffer) ([]byte, error)

	// Unmap releases a mapping obtained from MapForRead.
	Unmap(buf Buffer)

	// BuildMicromap builds an opacity-micromap object from packed array
	// data and per-OMM descriptors already resident in GPU buffers.
	BuildMicromap(desc MicromapDesc) (Micromap, error)

	// BuildAccelStruct builds a bottom-level acceleration structure,
	// attaching any opacity micromaps referenced by the geometry descs.
	BuildAccelStruct(desc AccelStructDesc) (AccelStruct, error)

	// CreateDescriptor registers buf in the bindless descriptor table and
	// returns its slot.
	CreateDescriptor(buf Buffer) DescriptorIndex

	// Flush blocks until the device has executed all submitted work.
	// Intended for initialization and teardown only; the steady-state
	// pipeline never blocks.
	Flush()
}
