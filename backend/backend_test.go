package backend

import (
	"bytes"
	"image"
	"testing"

	"github.com/gogpu/micromap/device"
)

func TestSoftwareRegistered(t *testing.T) {
	if !IsRegistered(BackendSoftware) {
		t.Fatal("software backend not registered on import")
	}
	dev := Get(BackendSoftware)
	if dev == nil {
		t.Fatal("Get(software) = nil")
	}
	if _, ok := dev.(*SoftwareDevice); !ok {
		t.Errorf("Get(software) = %T, want *SoftwareDevice", dev)
	}
}

func TestGetUnknown(t *testing.T) {
	if dev := Get("no-such-backend"); dev != nil {
		t.Errorf("Get(unknown) = %v, want nil", dev)
	}
}

func TestRegisterUnregister(t *testing.T) {
	name := "test-backend"
	Register(name, func() device.Device { return NewSoftwareDevice() })
	defer Unregister(name)

	if !IsRegistered(name) {
		t.Error("registered backend not found")
	}
	found := false
	for _, n := range Available() {
		if n == name {
			found = true
		}
	}
	if !found {
		t.Errorf("Available() = %v, missing %q", Available(), name)
	}

	Unregister(name)
	if IsRegistered(name) {
		t.Error("backend still registered after Unregister")
	}
}

func TestDefaultFallsBackToSoftware(t *testing.T) {
	// No wgpu backend is linked into this test binary.
	dev := Default()
	if dev == nil {
		t.Fatal("Default() = nil with software registered")
	}
	if _, ok := dev.(*SoftwareDevice); !ok {
		t.Errorf("Default() = %T, want *SoftwareDevice", dev)
	}
	if MustDefault() == nil {
		t.Error("MustDefault() = nil")
	}
	if dev, err := InitDefault(); err != nil || dev == nil {
		t.Errorf("InitDefault() = (%v, %v)", dev, err)
	}
}

func TestSoftwareBufferRoundTrip(t *testing.T) {
	dev := NewSoftwareDevice()

	src, err := dev.CreateBuffer(device.BufferDesc{Label: "src", Size: 512, Kind: device.BufferKindStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	dst, err := dev.CreateBuffer(device.BufferDesc{Label: "dst", Size: 512, Kind: device.BufferKindReadback})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	payload := []byte("opacity states go here")
	dev.WriteBuffer(src, 64, payload)
	dev.CopyBufferRegion(dst, 128, src, 64, uint64(len(payload)))

	raw, err := dev.MapForRead(dst)
	if err != nil {
		t.Fatalf("MapForRead: %v", err)
	}
	if got := raw[128 : 128+len(payload)]; !bytes.Equal(got, payload) {
		t.Errorf("readback = %q, want %q", got, payload)
	}
	dev.Unmap(dst)
}

func TestSoftwareCreateBufferZeroSize(t *testing.T) {
	dev := NewSoftwareDevice()
	if _, err := dev.CreateBuffer(device.BufferDesc{Label: "empty"}); err != device.ErrInvalidBufferSize {
		t.Errorf("CreateBuffer(size 0) = %v, want %v", err, device.ErrInvalidBufferSize)
	}
}

func TestSoftwareMapNonReadback(t *testing.T) {
	dev := NewSoftwareDevice()
	buf, err := dev.CreateBuffer(device.BufferDesc{Label: "storage", Size: 64, Kind: device.BufferKindStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if _, err := dev.MapForRead(buf); err != device.ErrNotReadback {
		t.Errorf("MapForRead(storage) = %v, want %v", err, device.ErrNotReadback)
	}
}

func TestSoftwareFenceLatch(t *testing.T) {
	dev := NewSoftwareDevice()
	f, err := dev.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence: %v", err)
	}
	if dev.PollFence(f) {
		t.Error("fresh fence already signaled")
	}
	dev.SignalFence(f)
	if !dev.PollFence(f) {
		t.Error("fence not signaled after SignalFence")
	}
	// Signaled is a latch; polling again stays true.
	if !dev.PollFence(f) || !f.Signaled() {
		t.Error("fence signal did not latch")
	}
	dev.DestroyFence(f)
}

func TestSoftwareForeignHandlePanics(t *testing.T) {
	dev1 := NewSoftwareDevice()
	dev2 := NewSoftwareDevice()
	buf, err := dev1.CreateBuffer(device.BufferDesc{Label: "b", Size: 16, Kind: device.BufferKindStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("foreign handle did not panic")
		}
	}()
	dev2.DestroyBuffer(buf)
}

func TestSoftwareDescriptorTable(t *testing.T) {
	dev := NewSoftwareDevice()
	buf, err := dev.CreateBuffer(device.BufferDesc{Label: "b", Size: 16, Kind: device.BufferKindStorage})
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}

	idx := dev.CreateDescriptor(buf)
	if idx == device.InvalidDescriptor {
		t.Fatal("CreateDescriptor returned the invalid sentinel")
	}
	if got := dev.DescriptorBuffer(idx); got != buf {
		t.Errorf("DescriptorBuffer(%d) = %v, want %v", idx, got, buf)
	}

	idx2 := dev.CreateDescriptor(buf)
	if idx2 == idx {
		t.Error("descriptor indices not unique")
	}
}

func TestTextureImage(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	tex := NewTexture("leaf_alpha", img)
	if tex.Label() != "leaf_alpha" {
		t.Errorf("Label() = %q, want leaf_alpha", tex.Label())
	}
	if tex.Image() != img {
		t.Error("Image() does not return the backing image")
	}
}
