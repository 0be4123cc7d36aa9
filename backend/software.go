package backend

import (
	"fmt"
	"image"

	"github.com/gogpu/micromap/device"
)

// init registers the software backend on package import.
func init() {
	Register(BackendSoftware, func() device.Device {
		return NewSoftwareDevice()
	})
}

// SoftwareDevice is an in-memory device.Device. Every operation executes
// synchronously on the calling goroutine, so fences signal the moment
// SignalFence runs and Flush has nothing to wait for.
//
// It backs tests, offline tooling, and machines without a GPU.
type SoftwareDevice struct {
	nextDescriptor device.DescriptorIndex
	descriptors    map[device.DescriptorIndex]device.Buffer
}

// NewSoftwareDevice creates a new in-memory device.
func NewSoftwareDevice() *SoftwareDevice {
	return &SoftwareDevice{
		nextDescriptor: 1,
		descriptors:    make(map[device.DescriptorIndex]device.Buffer),
	}
}

type softwareBuffer struct {
	owner     *SoftwareDevice
	label     string
	kind      device.BufferKind
	data      []byte
	destroyed bool
}

func (b *softwareBuffer) Size() uint64  { return uint64(len(b.data)) }
func (b *softwareBuffer) Label() string { return b.label }

// Bytes exposes the backing storage. CPU-side consumers (the software
// baker) reach it through an interface assertion; GPU buffers do not
// implement it.
func (b *softwareBuffer) Bytes() []byte { return b.data }

type softwareFence struct {
	owner    *SoftwareDevice
	signaled bool
}

func (f *softwareFence) Signaled() bool { return f.signaled }

type softwareMicromap struct{ desc device.MicromapDesc }

func (m *softwareMicromap) Desc() device.MicromapDesc { return m.desc }

type softwareAccelStruct struct{ desc device.AccelStructDesc }

func (a *softwareAccelStruct) Label() string { return a.desc.Label }

// Desc returns the build description, for inspection by tests and tooling.
func (a *softwareAccelStruct) Desc() device.AccelStructDesc { return a.desc }

// Texture is a CPU-resident texture backed by an image.Image. The software
// baker samples it directly.
type Texture struct {
	label string
	img   image.Image
}

// NewTexture wraps an image as a device texture.
func NewTexture(label string, img image.Image) *Texture {
	return &Texture{label: label, img: img}
}

// Label returns the debug label of the texture.
func (t *Texture) Label() string { return t.label }

// Image returns the backing image.
func (t *Texture) Image() image.Image { return t.img }

// buffer resolves a handle to this device's buffer, panicking on misuse.
func (d *SoftwareDevice) buffer(buf device.Buffer) *softwareBuffer {
	b, ok := buf.(*softwareBuffer)
	if !ok || b.owner != d {
		panic(fmt.Sprintf("backend: %v: %v", device.ErrForeignHandle, buf))
	}
	if b.destroyed {
		panic(fmt.Sprintf("backend: use of destroyed buffer %q", b.label))
	}
	return b
}

func (d *SoftwareDevice) fence(f device.Fence) *softwareFence {
	sf, ok := f.(*softwareFence)
	if !ok || sf.owner != d {
		panic(fmt.Sprintf("backend: %v: %v", device.ErrForeignHandle, f))
	}
	return sf
}

// CreateBuffer creates a zero-filled in-memory buffer.
func (d *SoftwareDevice) CreateBuffer(desc device.BufferDesc) (device.Buffer, error) {
	if desc.Size == 0 {
		return nil, device.ErrInvalidBufferSize
	}
	return &softwareBuffer{
		owner: d,
		label: desc.Label,
		kind:  desc.Kind,
		data:  make([]byte, desc.Size),
	}, nil
}

// DestroyBuffer releases a buffer. Reclamation is immediate: there is no
// asynchronous queue that could still reference the memory.
func (d *SoftwareDevice) DestroyBuffer(buf device.Buffer) {
	b := d.buffer(buf)
	b.destroyed = true
	b.data = nil
}

// WriteBuffer copies data into buf at off.
func (d *SoftwareDevice) WriteBuffer(buf device.Buffer, off uint64, data []byte) {
	copy(d.buffer(buf).data[off:], data)
}

// CopyBufferRegion copies size bytes between buffers.
func (d *SoftwareDevice) CopyBufferRegion(dst device.Buffer, dstOff uint64, src device.Buffer, srcOff uint64, size uint64) {
	copy(d.buffer(dst).data[dstOff:dstOff+size], d.buffer(src).data[srcOff:srcOff+size])
}

// CreateFence creates an unsignaled fence.
func (d *SoftwareDevice) CreateFence() (device.Fence, error) {
	return &softwareFence{owner: d}, nil
}

// SignalFence signals immediately: all previously "submitted" work already
// executed on the calling goroutine.
func (d *SoftwareDevice) SignalFence(f device.Fence) {
	d.fence(f).signaled = true
}

// PollFence reports the fence state.
func (d *SoftwareDevice) PollFence(f device.Fence) bool {
	return d.fence(f).signaled
}

// DestroyFence releases a fence.
func (d *SoftwareDevice) DestroyFence(f device.Fence) {
	d.fence(f)
}

// MapForRead exposes a readback buffer's contents.
func (d *SoftwareDevice) MapForRead(buf device.Buffer) ([]byte, error) {
	b := d.buffer(buf)
	if b.kind != device.BufferKindReadback {
		return nil, device.ErrNotReadback
	}
	return b.data, nil
}

// Unmap releases a mapping. No-op for in-memory buffers.
func (d *SoftwareDevice) Unmap(buf device.Buffer) {
	d.buffer(buf)
}

// BuildMicromap records the build description and returns a handle.
func (d *SoftwareDevice) BuildMicromap(desc device.MicromapDesc) (device.Micromap, error) {
	if desc.InputBuffer != nil {
		d.buffer(desc.InputBuffer)
	}
	if desc.DescBuffer != nil {
		d.buffer(desc.DescBuffer)
	}
	return &softwareMicromap{desc: desc}, nil
}

// BuildAccelStruct records the build description and returns a handle.
func (d *SoftwareDevice) BuildAccelStruct(desc device.AccelStructDesc) (device.AccelStruct, error) {
	return &softwareAccelStruct{desc: desc}, nil
}

// CreateDescriptor registers buf in the descriptor table.
func (d *SoftwareDevice) CreateDescriptor(buf device.Buffer) device.DescriptorIndex {
	b := d.buffer(buf)
	idx := d.nextDescriptor
	d.nextDescriptor++
	d.descriptors[idx] = b
	return idx
}

// DescriptorBuffer resolves a descriptor slot back to its buffer, for
// inspection by tests and tooling.
func (d *SoftwareDevice) DescriptorBuffer(idx device.DescriptorIndex) device.Buffer {
	return d.descriptors[idx]
}

// Flush is a no-op: all work executes synchronously.
func (d *SoftwareDevice) Flush() {}
