// Package wgpu implements device.Device on the gogpu/wgpu HAL.
//
// The device maps the pipeline's narrow contract onto a real GPU queue:
// buffer copies are encoded and submitted, fences are HAL fences polled
// with a zero timeout, and readback goes through a MapRead staging buffer.
//
// gogpu/wgpu exposes no ray-tracing objects, so Micromap and AccelStruct
// are host-side handles that retain their build inputs; the referenced
// buffers stay resident and reachable through the descriptor table for
// compute-shader traversal.
package wgpu

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/micromap"
	"github.com/gogpu/micromap/backend"
	"github.com/gogpu/micromap/device"
)

// flushTimeout bounds Flush, the only blocking call.
const flushTimeout = 5 * time.Second

// init registers the wgpu backend. Registration returns nil (and the
// registry falls through to software) on machines without a usable GPU.
func init() {
	backend.Register(backend.BackendWGPU, func() device.Device {
		dev, err := NewDevice()
		if err != nil {
			micromap.Logger().Info("wgpu: backend unavailable", "error", err)
			return nil
		}
		return dev
	})
}

// Buffer is a GPU buffer handle.
type Buffer struct {
	owner *Device
	hal   hal.Buffer
	label string
	size  uint64
	kind  device.BufferKind

	shadow []byte // readback staging, lazily sized
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Label returns the debug label the buffer was created with.
func (b *Buffer) Label() string { return b.label }

// Raw returns the underlying HAL buffer, for the compute baker's bind
// groups.
func (b *Buffer) Raw() hal.Buffer { return b.hal }

// Fence is a HAL fence handle. The pipeline signals it with value 1 after
// the work it gates.
type Fence struct {
	owner    *Device
	hal      hal.Fence
	signaled bool
}

// Signaled reports the last observed poll result.
func (f *Fence) Signaled() bool { return f.signaled }

type micromapHandle struct{ desc device.MicromapDesc }

func (m *micromapHandle) Desc() device.MicromapDesc { return m.desc }

type accelStructHandle struct{ desc device.AccelStructDesc }

func (a *accelStructHandle) Label() string { return a.desc.Label }

// pendingDestroy is a resource released by the pipeline but possibly
// still referenced by in-flight GPU work. It is reclaimed once its fence
// passes.
type pendingDestroy struct {
	buf   hal.Buffer
	fence hal.Fence
}

// Device is the wgpu-backed device.
type Device struct {
	instance hal.Instance
	dev      hal.Device
	queue    hal.Queue

	nextDescriptor device.DescriptorIndex
	descriptors    map[device.DescriptorIndex]hal.Buffer

	pending []pendingDestroy
}

// NewDevice opens the best available adapter on the Vulkan backend and
// returns a device over it.
func NewDevice() (*Device, error) {
	b, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("wgpu: vulkan backend not available")
	}
	instance, err := b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return nil, fmt.Errorf("wgpu: no GPU adapters found")
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	micromap.Logger().Info("wgpu: device opened", "adapter", selected.Info.Name)
	return &Device{
		instance:       instance,
		dev:            openDev.Device,
		queue:          openDev.Queue,
		nextDescriptor: 1,
		descriptors:    make(map[device.DescriptorIndex]hal.Buffer),
	}, nil
}

// HAL exposes the underlying HAL device and queue for the compute baker,
// which shares this device's queue ordering.
func (d *Device) HAL() (hal.Device, hal.Queue) { return d.dev, d.queue }

func usageFor(kind device.BufferKind) gputypes.BufferUsage {
	switch kind {
	case device.BufferKindReadback:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	default:
		// Acceleration-structure inputs need no extra usage here: traversal
		// consumes them as storage.
		return gputypes.BufferUsageStorage |
			gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	}
}

// CreateBuffer creates a GPU buffer.
func (d *Device) CreateBuffer(desc device.BufferDesc) (device.Buffer, error) {
	if desc.Size == 0 {
		return nil, device.ErrInvalidBufferSize
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usageFor(desc.Kind),
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	return &Buffer{owner: d, hal: buf, label: desc.Label, size: desc.Size, kind: desc.Kind}, nil
}

// DestroyBuffer releases a buffer. The queue may still be executing work
// that references it, so reclamation is deferred behind a fence inserted
// at the current end of the command stream.
func (d *Device) DestroyBuffer(buf device.Buffer) {
	b := d.buffer(buf)
	fence, err := d.dev.CreateFence()
	if err != nil {
		// Without a fence the buffer cannot be reclaimed safely; leak it
		// rather than corrupt in-flight work.
		micromap.Logger().Warn("wgpu: destroy fence failed, leaking buffer",
			"buffer", b.label, "error", err)
		return
	}
	if err := d.queue.Submit(nil, fence, 1); err != nil {
		panic(fmt.Sprintf("wgpu: submit destroy fence: %v", err))
	}
	d.pending = append(d.pending, pendingDestroy{buf: b.hal, fence: fence})
	b.hal = nil
}

// WriteBuffer schedules a CPU -> GPU upload.
func (d *Device) WriteBuffer(buf device.Buffer, off uint64, data []byte) {
	d.queue.WriteBuffer(d.buffer(buf).hal, off, data)
}

// CopyBufferRegion encodes and submits a buffer-to-buffer copy, ordered
// after previously submitted work by queue order.
func (d *Device) CopyBufferRegion(dst device.Buffer, dstOff uint64, src device.Buffer, srcOff uint64, size uint64) {
	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "micromap_copy",
	})
	if err != nil {
		panic(fmt.Sprintf("wgpu: create command encoder: %v", err))
	}
	if err := encoder.BeginEncoding("micromap_copy"); err != nil {
		panic(fmt.Sprintf("wgpu: begin encoding: %v", err))
	}
	encoder.CopyBufferToBuffer(d.buffer(src).hal, d.buffer(dst).hal, []hal.BufferCopy{{
		SrcOffset: srcOff,
		DstOffset: dstOff,
		Size:      size,
	}})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		panic(fmt.Sprintf("wgpu: end encoding: %v", err))
	}
	fence, err := d.dev.CreateFence()
	if err != nil {
		panic(fmt.Sprintf("wgpu: create copy fence: %v", err))
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		panic(fmt.Sprintf("wgpu: submit copy: %v", err))
	}
	// The fence only exists to ride the deferred-reclaim list.
	d.pending = append(d.pending, pendingDestroy{fence: fence})
}

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (device.Fence, error) {
	f, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	return &Fence{owner: d, hal: f}, nil
}

// SignalFence submits an empty batch that signals the fence with value 1
// after everything already in the queue.
func (d *Device) SignalFence(f device.Fence) {
	if err := d.queue.Submit(nil, d.fence(f).hal, 1); err != nil {
		panic(fmt.Sprintf("wgpu: submit fence signal: %v", err))
	}
}

// PollFence checks the fence with a zero timeout, never blocking. Poll
// errors are logged and reported as not-signaled so the pipeline retries
// next tick. Each poll also reclaims deferred-destroyed buffers whose
// fences have passed.
func (d *Device) PollFence(f device.Fence) bool {
	d.reclaim()
	fence := d.fence(f)
	ok, err := d.dev.Wait(fence.hal, 1, 0)
	if err != nil {
		micromap.Logger().Warn("wgpu: fence poll failed", "error", err)
		return false
	}
	fence.signaled = ok
	return ok
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(f device.Fence) {
	fence := d.fence(f)
	d.dev.DestroyFence(fence.hal)
	fence.hal = nil
}

// MapForRead copies the readback buffer's contents into a CPU shadow and
// returns it. The shadow stays valid until Unmap.
func (d *Device) MapForRead(buf device.Buffer) ([]byte, error) {
	b := d.buffer(buf)
	if b.kind != device.BufferKindReadback {
		return nil, device.ErrNotReadback
	}
	if uint64(len(b.shadow)) != b.size {
		b.shadow = make([]byte, b.size)
	}
	if err := d.queue.ReadBuffer(b.hal, 0, b.shadow); err != nil {
		return nil, fmt.Errorf("wgpu: read buffer %q: %w", b.label, err)
	}
	return b.shadow, nil
}

// Unmap releases a mapping.
func (d *Device) Unmap(buf device.Buffer) {
	d.buffer(buf)
}

// BuildMicromap retains the build description as a host-side handle; the
// packed data stays in the referenced GPU buffers.
func (d *Device) BuildMicromap(desc device.MicromapDesc) (device.Micromap, error) {
	return &micromapHandle{desc: desc}, nil
}

// BuildAccelStruct retains the build description as a host-side handle.
func (d *Device) BuildAccelStruct(desc device.AccelStructDesc) (device.AccelStruct, error) {
	return &accelStructHandle{desc: desc}, nil
}

// CreateDescriptor registers buf in the bindless table consumed by
// traversal compute shaders.
func (d *Device) CreateDescriptor(buf device.Buffer) device.DescriptorIndex {
	idx := d.nextDescriptor
	d.nextDescriptor++
	d.descriptors[idx] = d.buffer(buf).hal
	return idx
}

// Flush blocks until the queue has drained, then reclaims every deferred
// destroy.
func (d *Device) Flush() {
	fence, err := d.dev.CreateFence()
	if err != nil {
		micromap.Logger().Warn("wgpu: flush fence failed", "error", err)
		return
	}
	defer d.dev.DestroyFence(fence)
	if err := d.queue.Submit(nil, fence, 1); err != nil {
		panic(fmt.Sprintf("wgpu: submit flush fence: %v", err))
	}
	if ok, err := d.dev.Wait(fence, 1, flushTimeout); err != nil || !ok {
		micromap.Logger().Warn("wgpu: flush wait", "ok", ok, "error", err)
	}
	d.reclaimAll()
}

// reclaim frees deferred-destroyed buffers whose fences have passed.
func (d *Device) reclaim() {
	if len(d.pending) == 0 {
		return
	}
	kept := d.pending[:0]
	for _, p := range d.pending {
		ok, err := d.dev.Wait(p.fence, 1, 0)
		if err == nil && ok {
			if p.buf != nil {
				d.dev.DestroyBuffer(p.buf)
			}
			d.dev.DestroyFence(p.fence)
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept
	if len(d.pending) > 64 {
		micromap.Logger().Warn("wgpu: deferred-destroy backlog", "pending", len(d.pending))
	}
}

// reclaimAll frees every deferred destroy. Only valid after the queue has
// drained.
func (d *Device) reclaimAll() {
	for _, p := range d.pending {
		if p.buf != nil {
			d.dev.DestroyBuffer(p.buf)
		}
		d.dev.DestroyFence(p.fence)
	}
	d.pending = nil
}

func (d *Device) buffer(buf device.Buffer) *Buffer {
	b, ok := buf.(*Buffer)
	if !ok || b.owner != d {
		panic(fmt.Sprintf("wgpu: %v: %v", device.ErrForeignHandle, buf))
	}
	return b
}

func (d *Device) fence(f device.Fence) *Fence {
	fence, ok := f.(*Fence)
	if !ok || fence.owner != d {
		panic(fmt.Sprintf("wgpu: %v: %v", device.ErrForeignHandle, f))
	}
	return fence
}
