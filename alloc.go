package micromap

import (
	"fmt"

	"github.com/gogpu/micromap/device"
)

// maxBufferBytes is the largest region offset a single buffer may reach.
// Sub-allocations are addressed with 32-bit offsets on the GPU side, so a
// cursor past 4 GiB would invalidate offsets already handed out.
const maxBufferBytes = uint64(1) << 32

// subAllocAlign is the byte alignment of every sub-region the pipeline
// plans inside a shared buffer.
const subAllocAlign = 256

// LinearBufferAllocator plans the layout of one tightly packed GPU buffer
// before the buffer exists.
//
// Callers Allocate sub-regions while sizes are being discovered; each call
// returns a byte offset inside a conceptually unbounded buffer. Once every
// sub-region is planned, CreateBuffer materializes a single buffer sized to
// the final cursor and resets the allocator for reuse. The cursor only ever
// moves forward, so planned regions never overlap.
//
// Not safe for concurrent use; the build pipeline is single-threaded.
type LinearBufferAllocator struct {
	offset uint64
}

// Allocate reserves size bytes at the given alignment and returns the byte
// offset of the reservation.
//
// Panics if the cursor would exceed the 4 GiB addressable limit. That is a
// fatal condition: offsets already returned would no longer fit a single
// buffer, and there is no way to recover the layout.
func (a *LinearBufferAllocator) Allocate(size, alignment uint64) uint64 {
	a.offset = alignUp(a.offset, alignment)
	offset := a.offset
	a.offset += size
	if a.offset > maxBufferBytes {
		panic(fmt.Sprintf("micromap: buffer layout exceeds 4 GiB (%d bytes requested at offset %d)", size, offset))
	}
	return offset
}

// Size returns the current cursor, i.e. the buffer size CreateBuffer would
// use if called now.
func (a *LinearBufferAllocator) Size() uint64 {
	return a.offset
}

// CreateBuffer materializes one buffer holding every region allocated since
// the last reset, then resets the cursor. Returns a nil handle and nil
// error if nothing was allocated.
func (a *LinearBufferAllocator) CreateBuffer(dev device.Device, label string, kind device.BufferKind) (device.Buffer, error) {
	if a.offset == 0 {
		return nil, nil
	}
	buf, err := dev.CreateBuffer(device.BufferDesc{
		Label: label,
		Size:  a.offset,
		Kind:  kind,
	})
	if err != nil {
		return nil, fmt.Errorf("micromap: create %s: %w", label, err)
	}
	a.offset = 0
	return buf, nil
}

// alignUp rounds v up to the next multiple of align. align must be a
// non-zero power of two.
func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
