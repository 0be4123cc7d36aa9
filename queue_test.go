package micromap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/micromap/device"
	"github.com/gogpu/micromap/scene"
)

// fakeBuffer backs the fake device with real byte storage so the tests
// exercise actual data movement through the readback path.
type fakeBuffer struct {
	label     string
	kind      device.BufferKind
	data      []byte
	destroyed bool
}

func (b *fakeBuffer) Size() uint64  { return uint64(len(b.data)) }
func (b *fakeBuffer) Label() string { return b.label }

type fakeFence struct{ signaled bool }

func (f *fakeFence) Signaled() bool { return f.signaled }

type fakeMicromap struct{ desc device.MicromapDesc }

func (m *fakeMicromap) Desc() device.MicromapDesc { return m.desc }

type fakeAccelStruct struct{ label string }

func (a *fakeAccelStruct) Label() string { return a.label }

// fakeDevice implements device.Device in memory. When autoSignal is false,
// SignalFence records the signal point but leaves the fence unsignaled
// until the test releases it, modeling a GPU that has not caught up yet.
type fakeDevice struct {
	autoSignal bool

	buffers []*fakeBuffer
	fences  []*fakeFence

	destroyedFences int
	nextDescriptor  device.DescriptorIndex

	micromapBuilds    []device.MicromapDesc
	accelStructBuilds []device.AccelStructDesc
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{autoSignal: true, nextDescriptor: 1}
}

func (d *fakeDevice) CreateBuffer(desc device.BufferDesc) (device.Buffer, error) {
	if desc.Size == 0 {
		return nil, device.ErrInvalidBufferSize
	}
	buf := &fakeBuffer{label: desc.Label, kind: desc.Kind, data: make([]byte, desc.Size)}
	d.buffers = append(d.buffers, buf)
	return buf, nil
}

func (d *fakeDevice) DestroyBuffer(buf device.Buffer) {
	buf.(*fakeBuffer).destroyed = true
}

func (d *fakeDevice) WriteBuffer(buf device.Buffer, off uint64, data []byte) {
	copy(buf.(*fakeBuffer).data[off:], data)
}

func (d *fakeDevice) CopyBufferRegion(dst device.Buffer, dstOff uint64, src device.Buffer, srcOff uint64, size uint64) {
	copy(dst.(*fakeBuffer).data[dstOff:dstOff+size], src.(*fakeBuffer).data[srcOff:srcOff+size])
}

func (d *fakeDevice) CreateFence() (device.Fence, error) {
	f := &fakeFence{}
	d.fences = append(d.fences, f)
	return f, nil
}

func (d *fakeDevice) SignalFence(f device.Fence) {
	if d.autoSignal {
		f.(*fakeFence).signaled = true
	}
}

func (d *fakeDevice) PollFence(f device.Fence) bool { return f.(*fakeFence).signaled }

func (d *fakeDevice) DestroyFence(f device.Fence) { d.destroyedFences++ }

func (d *fakeDevice) MapForRead(buf device.Buffer) ([]byte, error) {
	b := buf.(*fakeBuffer)
	if b.kind != device.BufferKindReadback {
		return nil, device.ErrNotReadback
	}
	return b.data, nil
}

func (d *fakeDevice) Unmap(buf device.Buffer) {}

func (d *fakeDevice) BuildMicromap(desc device.MicromapDesc) (device.Micromap, error) {
	d.micromapBuilds = append(d.micromapBuilds, desc)
	return &fakeMicromap{desc: desc}, nil
}

func (d *fakeDevice) BuildAccelStruct(desc device.AccelStructDesc) (device.AccelStruct, error) {
	d.accelStructBuilds = append(d.accelStructBuilds, desc)
	return &fakeAccelStruct{label: desc.Label}, nil
}

func (d *fakeDevice) CreateDescriptor(buf device.Buffer) device.DescriptorIndex {
	idx := d.nextDescriptor
	d.nextDescriptor++
	return idx
}

func (d *fakeDevice) Flush() {}

// liveBuffers counts buffers that have been created but not destroyed.
func (d *fakeDevice) liveBuffers() int {
	n := 0
	for _, b := range d.buffers {
		if !b.destroyed {
			n++
		}
	}
	return n
}

// fakeBaker emits the shared wire formats with configurable content, so
// the queue's readback plumbing is exercised end to end.
type fakeBaker struct {
	dev *fakeDevice

	arrayDataSize    uint64
	opaqueCount      uint64
	transparentCount uint64
	unknownCount     uint64

	initCalls  int
	closeCalls int
	setupCalls int
	bakeCalls  int
}

func (b *fakeBaker) Init() error { b.initCalls++; return nil }
func (b *fakeBaker) Close()      { b.closeCalls++ }

func (b *fakeBaker) GetPreDispatchInfo(input BakeInput) (PreDispatchInfo, error) {
	numTriangles := uint64(input.NumIndices / 3)
	format := device.IndexFormatUint16
	if input.Force32BitIndices {
		format = device.IndexFormatUint32
	}
	histogramSize := uint64(input.MaxSubdivisionLevel+1) * HistogramEntrySize
	return PreDispatchInfo{
		IndexFormat:                format,
		IndexCount:                 uint32(numTriangles),
		IndexBufferSize:            numTriangles * format.Bytes(),
		DescBufferSize:             numTriangles * 8,
		DescArrayHistogramSize:     histogramSize,
		IndexHistogramSize:         histogramSize,
		PostDispatchInfoBufferSize: PostDispatchInfoSize,
	}, nil
}

func (b *fakeBaker) DispatchSetup(input BakeInput, out BakeBuffers) error {
	b.setupCalls++
	numTriangles := input.NumIndices / 3

	histogram := EncodeHistogram(nil, []device.HistogramEntry{{
		Count:            numTriangles,
		SubdivisionLevel: input.MaxSubdivisionLevel,
		Format:           input.Format,
	}})
	b.dev.WriteBuffer(out.DescHistogramBuffer, out.DescHistogramOffset, histogram)
	b.dev.WriteBuffer(out.IndexHistogramBuffer, out.IndexHistogramOffset, histogram)

	post := EncodePostDispatchInfo(nil, PostDispatchInfo{
		ArrayDataSize:         b.arrayDataSize,
		TotalOpaqueCount:      b.opaqueCount,
		TotalTransparentCount: b.transparentCount,
		TotalUnknownCount:     b.unknownCount,
		DescCount:             numTriangles,
	})
	b.dev.WriteBuffer(out.PostDispatchInfoBuffer, out.PostDispatchInfoOffset, post)
	return nil
}

func (b *fakeBaker) DispatchBake(input BakeInput, out BakeBuffers) error {
	b.bakeCalls++
	if b.arrayDataSize > 0 && out.ArrayBuffer == nil {
		return errors.New("fake baker: bake dispatched without array buffer")
	}
	return nil
}

func (b *fakeBaker) ReadPostDispatchInfo(raw []byte) PostDispatchInfo {
	return DecodePostDispatchInfo(raw)
}

func (b *fakeBaker) ReadHistogram(raw []byte) []device.HistogramEntry {
	return DecodeHistogram(raw)
}

// testMesh builds a mesh with the given per-geometry triangle counts.
func testMesh(name string, triangleCounts ...uint32) *scene.Mesh {
	m := &scene.Mesh{
		Name:           name,
		IndexBuffer:    &fakeBuffer{label: name + "/ib", data: make([]byte, 1<<16)},
		VertexBuffer:   &fakeBuffer{label: name + "/vb", data: make([]byte, 1<<16)},
		TexCoordStride: 8,
	}
	var indexOffset uint32
	for _, tris := range triangleCounts {
		m.Geometries = append(m.Geometries, &scene.Geometry{
			IndexOffsetInMesh: indexOffset,
			NumIndices:        tris * 3,
			AlphaCutoff:       0.5,
		})
		indexOffset += tris * 3
	}
	return m
}

func allGeometries(m *scene.Mesh) []GeometrySettings {
	settings := make([]GeometrySettings, len(m.Geometries))
	for i := range m.Geometries {
		settings[i] = DefaultGeometrySettings(i)
	}
	return settings
}

func newTestQueue(t *testing.T) (*BuildQueue, *fakeDevice, *fakeBaker, *scene.Table) {
	t.Helper()
	dev := newFakeDevice()
	baker := &fakeBaker{dev: dev, arrayDataSize: 4096, opaqueCount: 40, transparentCount: 20, unknownCount: 4}
	meshes := scene.NewTable()
	q := NewBuildQueue(dev, baker, meshes)
	if err := q.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return q, dev, baker, meshes
}

func TestBuildCompletesInThreeUpdates(t *testing.T) {
	q, dev, baker, meshes := newTestQueue(t)

	mesh := testMesh("leaf", 4)
	id := meshes.Add(mesh)
	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}

	for i := 0; i < 3; i++ {
		if got := q.NumPendingBuilds(); got != 1 {
			t.Fatalf("before update %d: NumPendingBuilds = %d, want 1", i+1, got)
		}
		q.Update()
	}
	if got := q.NumPendingBuilds(); got != 0 {
		t.Fatalf("after 3 updates: NumPendingBuilds = %d, want 0", got)
	}

	if !mesh.HasBuildOutputs() {
		t.Fatal("mesh has no build outputs after completed build")
	}
	if len(mesh.Micromaps) != 1 {
		t.Errorf("len(Micromaps) = %d, want 1", len(mesh.Micromaps))
	}
	if mesh.AccelStructOMM == nil {
		t.Error("AccelStructOMM not attached")
	}
	if !mesh.DebugDataDirty {
		t.Error("DebugDataDirty not set")
	}
	if mesh.DebugData.OmmArrayDataDescriptor == device.InvalidDescriptor {
		t.Error("array data descriptor not registered")
	}

	dd := mesh.Geometries[0].DebugData
	if dd.OmmArrayDataOffset != 0 {
		t.Errorf("OmmArrayDataOffset = %d, want 0", dd.OmmArrayDataOffset)
	}
	if got, want := dd.OmmStatsTotalKnown, baker.opaqueCount+baker.transparentCount; got != want {
		t.Errorf("OmmStatsTotalKnown = %d, want %d", got, want)
	}
	if got, want := dd.OmmStatsTotalUnknown, baker.unknownCount; got != want {
		t.Errorf("OmmStatsTotalUnknown = %d, want %d", got, want)
	}

	if baker.setupCalls != 1 || baker.bakeCalls != 1 {
		t.Errorf("baker dispatches = %d setup, %d bake, want 1 and 1", baker.setupCalls, baker.bakeCalls)
	}
	if len(dev.accelStructBuilds) != 1 {
		t.Errorf("accel struct builds = %d, want 1", len(dev.accelStructBuilds))
	}
	if dev.accelStructBuilds[0].Geometries[0].OMM == nil {
		t.Error("accel struct geometry has no micromap attached")
	}

	stats := q.Stats()
	if stats.CompletedBuilds != 1 {
		t.Errorf("CompletedBuilds = %d, want 1", stats.CompletedBuilds)
	}
	if stats.ArrayDataBytes != baker.arrayDataSize {
		t.Errorf("ArrayDataBytes = %d, want %d", stats.ArrayDataBytes, baker.arrayDataSize)
	}
}

func TestMultiGeometryRegionsDisjoint(t *testing.T) {
	q, _, baker, meshes := newTestQueue(t)
	baker.arrayDataSize = 1000

	mesh := testMesh("fence", 4, 2, 8)
	id := meshes.Add(mesh)
	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	q.Update()
	q.Update()
	q.Update()

	if got := q.NumPendingBuilds(); got != 0 {
		t.Fatalf("NumPendingBuilds = %d, want 0", got)
	}
	if len(mesh.Micromaps) != 3 {
		t.Fatalf("len(Micromaps) = %d, want 3", len(mesh.Micromaps))
	}

	// Array regions are 256-aligned and strictly increasing.
	var prevEnd uint32
	for i, g := range mesh.Geometries {
		off := g.DebugData.OmmArrayDataOffset
		if off%subAllocAlign != 0 {
			t.Errorf("geometry %d: array offset %d not %d-aligned", i, off, subAllocAlign)
		}
		if i > 0 && off < prevEnd {
			t.Errorf("geometry %d: array offset %d overlaps previous region ending at %d", i, off, prevEnd)
		}
		prevEnd = off + 1000
	}
}

func TestUpdateAdvancesHeadOfLineOnly(t *testing.T) {
	q, _, _, meshes := newTestQueue(t)

	var ids []scene.MeshID
	var ms []*scene.Mesh
	for i := 0; i < 3; i++ {
		m := testMesh(fmt.Sprintf("mesh%d", i), 2)
		ms = append(ms, m)
		ids = append(ids, meshes.Add(m))
	}
	for _, id := range ids {
		m, _ := meshes.Get(id)
		if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(m)}); err != nil {
			t.Fatalf("QueueBuild: %v", err)
		}
	}

	// Three transitions per task, strictly FIFO: after 3k updates exactly
	// k meshes are done, in submission order.
	for done := 0; done <= 3; done++ {
		for i, m := range ms {
			if got, want := m.HasBuildOutputs(), i < done; got != want {
				t.Errorf("after %d updates: mesh %d HasBuildOutputs = %v, want %v", done*3, i, got, want)
			}
		}
		if got, want := q.NumPendingBuilds(), uint32(3-done); got != want {
			t.Errorf("after %d updates: NumPendingBuilds = %d, want %d", done*3, got, want)
		}
		for i := 0; i < 3; i++ {
			q.Update()
		}
	}
}

func TestUpdateWaitsForFence(t *testing.T) {
	q, dev, _, meshes := newTestQueue(t)
	dev.autoSignal = false

	mesh := testMesh("stalled", 4)
	id := meshes.Add(mesh)
	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}

	q.Update() // dispatches Setup, fence pending
	task := q.pending.Front().Value.(*buildTask)
	if task.state != stateSetup {
		t.Fatalf("state after first update = %v, want %v", task.state, stateSetup)
	}
	before := append([]bufferInfo(nil), task.bufferInfos...)

	// Polling an unsignaled fence must not advance or mutate the task.
	for i := 0; i < 5; i++ {
		q.Update()
	}
	if task.state != stateSetup {
		t.Fatalf("state after stalled updates = %v, want %v", task.state, stateSetup)
	}
	if diff := cmp.Diff(before, task.bufferInfos, cmp.AllowUnexported(bufferInfo{})); diff != "" {
		t.Errorf("bufferInfos changed while fence pending (-before +after):\n%s", diff)
	}

	dev.fences[0].signaled = true
	q.Update()
	if task.state != stateBakeAndBuild {
		t.Fatalf("state after fence signal = %v, want %v", task.state, stateBakeAndBuild)
	}
	if task.bufferInfos[0].arrayDataOffset == arrayOffsetUnknown {
		t.Error("array data offset still unknown after bake transition")
	}

	dev.fences[1].signaled = true
	q.Update()
	if !mesh.HasBuildOutputs() {
		t.Error("mesh has no build outputs after final fence signal")
	}
}

func TestCancelPendingBuilds(t *testing.T) {
	q, dev, _, meshes := newTestQueue(t)
	dev.autoSignal = false

	m1 := testMesh("c1", 2)
	m2 := testMesh("c2", 2)
	id1, id2 := meshes.Add(m1), meshes.Add(m2)
	if err := q.QueueBuild(BuildInput{Mesh: id1, Geometries: allGeometries(m1)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	if err := q.QueueBuild(BuildInput{Mesh: id2, Geometries: allGeometries(m2)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	q.Update() // m1 enters Setup with an unsignaled fence

	q.CancelPendingBuilds()

	if got := q.NumPendingBuilds(); got != 0 {
		t.Errorf("NumPendingBuilds after cancel = %d, want 0", got)
	}
	if m1.HasBuildOutputs() || m2.HasBuildOutputs() {
		t.Error("cancelled build attached outputs to a mesh")
	}
	if got := dev.liveBuffers(); got != 0 {
		t.Errorf("live buffers after cancel = %d, want 0", got)
	}
	if got := q.Stats().CancelledBuilds; got != 2 {
		t.Errorf("CancelledBuilds = %d, want 2", got)
	}

	// Cancelling an empty queue is a no-op.
	q.CancelPendingBuilds()
	if got := q.Stats().CancelledBuilds; got != 2 {
		t.Errorf("CancelledBuilds after second cancel = %d, want 2", got)
	}
}

func TestQueueBuildValidation(t *testing.T) {
	q, _, _, meshes := newTestQueue(t)
	mesh := testMesh("valid", 2)
	id := meshes.Add(mesh)

	built := testMesh("built", 2)
	built.DebugData = &scene.DebugData{}
	builtID := meshes.Add(built)

	tests := []struct {
		name    string
		input   BuildInput
		wantErr error
	}{
		{
			name:    "no geometries",
			input:   BuildInput{Mesh: id},
			wantErr: ErrNoGeometries,
		},
		{
			name:    "unknown mesh",
			input:   BuildInput{Mesh: scene.InvalidMesh, Geometries: []GeometrySettings{DefaultGeometrySettings(0)}},
			wantErr: ErrUnknownMesh,
		},
		{
			name:    "geometry index out of range",
			input:   BuildInput{Mesh: id, Geometries: []GeometrySettings{DefaultGeometrySettings(5)}},
			wantErr: ErrGeometryIndex,
		},
		{
			name:    "negative geometry index",
			input:   BuildInput{Mesh: id, Geometries: []GeometrySettings{DefaultGeometrySettings(-1)}},
			wantErr: ErrGeometryIndex,
		},
		{
			name:    "already built",
			input:   BuildInput{Mesh: builtID, Geometries: []GeometrySettings{DefaultGeometrySettings(0)}},
			wantErr: ErrAlreadyBuilt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.QueueBuild(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("QueueBuild = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if got := q.NumPendingBuilds(); got != 0 {
		t.Errorf("rejected inputs were queued: NumPendingBuilds = %d", got)
	}
}

func TestDuplicateEnqueueRejected(t *testing.T) {
	q, _, _, meshes := newTestQueue(t)
	mesh := testMesh("dup", 2)
	id := meshes.Add(mesh)

	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)})
	if !errors.Is(err, ErrBuildPending) {
		t.Fatalf("second QueueBuild = %v, want %v", err, ErrBuildPending)
	}
	if got := q.NumPendingBuilds(); got != 1 {
		t.Fatalf("NumPendingBuilds = %d, want 1", got)
	}

	// A different mesh is unaffected.
	other := testMesh("other", 2)
	if err := q.QueueBuild(BuildInput{Mesh: meshes.Add(other), Geometries: allGeometries(other)}); err != nil {
		t.Fatalf("QueueBuild for other mesh: %v", err)
	}

	q.Update()
	q.Update()
	q.Update()
	if !mesh.HasBuildOutputs() {
		t.Fatal("first build did not complete")
	}
	attached := mesh.DebugData

	// Outputs attach exactly once: after completion the mesh is rejected
	// up front and its outputs stay intact.
	err = q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)})
	if !errors.Is(err, ErrAlreadyBuilt) {
		t.Fatalf("QueueBuild after completion = %v, want %v", err, ErrAlreadyBuilt)
	}
	for q.NumPendingBuilds() > 0 {
		q.Update()
	}
	if mesh.DebugData != attached {
		t.Error("mesh debug data was replaced after the first attach")
	}
}

func TestQueueBuildBeforeInitialize(t *testing.T) {
	dev := newFakeDevice()
	q := NewBuildQueue(dev, &fakeBaker{dev: dev}, scene.NewTable())
	err := q.QueueBuild(BuildInput{})
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("QueueBuild before Initialize = %v, want %v", err, ErrNotInitialized)
	}
}

func TestFinalizeReleasesTransientBuffers(t *testing.T) {
	q, dev, _, meshes := newTestQueue(t)

	mesh := testMesh("release", 4)
	id := meshes.Add(mesh)
	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	q.Update()
	q.Update()
	q.Update()

	// The mesh keeps array data, descs, and indices; the histograms, post
	// info, and readback staging are gone.
	if got, want := dev.liveBuffers(), 3; got != want {
		t.Errorf("live buffers after finalize = %d, want %d", got, want)
	}
	for _, b := range dev.buffers {
		if b.destroyed {
			switch b.kind {
			case device.BufferKindStorageASInput:
				t.Errorf("buffer %q destroyed but referenced by the mesh", b.label)
			}
		}
	}
	if dev.destroyedFences != 2 {
		t.Errorf("destroyed fences = %d, want 2", dev.destroyedFences)
	}
}

func TestZeroArrayDataSkipsArrayBuffer(t *testing.T) {
	q, _, baker, meshes := newTestQueue(t)
	baker.arrayDataSize = 0 // every triangle collapsed to a special index

	mesh := testMesh("uniform", 4)
	id := meshes.Add(mesh)
	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	q.Update()
	q.Update()
	q.Update()

	if !mesh.HasBuildOutputs() {
		t.Fatal("build did not complete")
	}
	if mesh.DebugData.OmmArrayDataBuffer != nil {
		t.Error("array data buffer created for zero-size content")
	}
	if mesh.DebugData.OmmArrayDataDescriptor != device.InvalidDescriptor {
		t.Error("descriptor registered for nil array data buffer")
	}
}

func TestCloseShutsDownBaker(t *testing.T) {
	q, dev, baker, meshes := newTestQueue(t)
	dev.autoSignal = false

	mesh := testMesh("closing", 2)
	id := meshes.Add(mesh)
	if err := q.QueueBuild(BuildInput{Mesh: id, Geometries: allGeometries(mesh)}); err != nil {
		t.Fatalf("QueueBuild: %v", err)
	}
	q.Update()
	q.Close()

	if baker.closeCalls != 1 {
		t.Errorf("baker Close calls = %d, want 1", baker.closeCalls)
	}
	if got := q.NumPendingBuilds(); got != 0 {
		t.Errorf("NumPendingBuilds after Close = %d, want 0", got)
	}
	if got := dev.liveBuffers(); got != 0 {
		t.Errorf("live buffers after Close = %d, want 0", got)
	}
}

func TestBuildStateString(t *testing.T) {
	tests := []struct {
		state buildState
		want  string
	}{
		{stateNone, "None"},
		{stateSetup, "Setup"},
		{stateBakeAndBuild, "BakeAndBuild"},
		{buildState(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("buildState(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}
