package micromap

import (
	"container/list"
	"errors"
	"fmt"

	"github.com/gogpu/micromap/device"
	"github.com/gogpu/micromap/scene"
)

// Build queue errors. These cover caller-input problems only; device and
// baker failures are unrecoverable and panic (see Update).
var (
	// ErrNoGeometries is returned when a BuildInput names no geometries.
	ErrNoGeometries = errors.New("micromap: build input has no geometries")

	// ErrUnknownMesh is returned when a BuildInput's mesh handle does not
	// resolve in the mesh table.
	ErrUnknownMesh = errors.New("micromap: unknown mesh handle")

	// ErrGeometryIndex is returned when a geometry index is out of range
	// for the mesh.
	ErrGeometryIndex = errors.New("micromap: geometry index out of range")

	// ErrAlreadyBuilt is returned when the mesh already has build outputs
	// attached.
	ErrAlreadyBuilt = errors.New("micromap: mesh already has build outputs")

	// ErrBuildPending is returned when the mesh already has a build task
	// in the queue. Outputs attach to a mesh exactly once.
	ErrBuildPending = errors.New("micromap: mesh already has a pending build")

	// ErrNotInitialized is returned when the queue is used before
	// Initialize.
	ErrNotInitialized = errors.New("micromap: build queue not initialized")
)

// GeometrySettings is the per-geometry bake configuration of a BuildInput.
type GeometrySettings struct {
	// GeometryIndex selects the geometry within the mesh.
	GeometryIndex int

	// MaxSubdivisionLevel caps per-triangle subdivision.
	MaxSubdivisionLevel uint32

	// DynamicSubdivisionScale scales subdivision by triangle UV area;
	// zero disables it.
	DynamicSubdivisionScale float32

	// Format selects the opacity encoding.
	Format device.Format

	// Flags tune the micromap build.
	Flags device.BuildFlags

	// MaxArrayDataSizeMB caps this geometry's packed opacity data.
	// Zero means unlimited.
	MaxArrayDataSizeMB uint32

	// Debug settings.
	ComputeOnly                 bool
	EnableLevelLineIntersection bool
	EnableTexCoordDeduplication bool
	Force32BitIndices           bool
	EnableSpecialIndices        bool
}

// DefaultGeometrySettings returns the recommended settings for one
// geometry: 4-state format at subdivision level 5, fast-trace builds,
// special indices and UV deduplication enabled.
func DefaultGeometrySettings(geometryIndex int) GeometrySettings {
	return GeometrySettings{
		GeometryIndex:               geometryIndex,
		MaxSubdivisionLevel:         5,
		DynamicSubdivisionScale:     2,
		Format:                      device.FormatOC1_4State,
		Flags:                       device.BuildFlagFastTrace,
		EnableLevelLineIntersection: true,
		EnableTexCoordDeduplication: true,
		EnableSpecialIndices:        true,
	}
}

// BuildInput is one build request: a mesh handle, the geometries to bake,
// and the acceleration-structure build configuration. Immutable once
// queued.
type BuildInput struct {
	// Mesh is resolved through the mesh table on every access; the caller
	// must keep it registered until the build completes or is cancelled.
	Mesh scene.MeshID

	// Geometries lists the mesh geometries to bake, in any order.
	Geometries []GeometrySettings

	// ASFlags tunes the BLAS build that consumes the micromaps.
	ASFlags device.BuildFlags
}

// buildState tags a task's progress through the pipeline.
//
// State machine:
//
//	None -> Setup -> BakeAndBuild -> (finalized, removed from queue)
type buildState int

const (
	stateNone buildState = iota
	stateSetup
	stateBakeAndBuild
)

// String returns the string representation of buildState.
func (s buildState) String() string {
	switch s {
	case stateNone:
		return "None"
	case stateSetup:
		return "Setup"
	case stateBakeAndBuild:
		return "BakeAndBuild"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// arrayOffsetUnknown marks an ArrayDataOffset that has not been discovered
// yet. Valid offsets appear only after the Setup readback is consumed.
const arrayOffsetUnknown = ^uint64(0)

// bufferInfo records one geometry's sub-regions within the task's shared
// buffers, plus the histogram data read back from the device.
type bufferInfo struct {
	indexFormat device.IndexFormat
	indexCount  uint32

	indexOffset uint64
	descOffset  uint64

	descHistogramOffset         uint64
	descHistogramSize           uint64
	descHistogramReadbackOffset uint64

	indexHistogramOffset         uint64
	indexHistogramSize           uint64
	indexHistogramReadbackOffset uint64

	postInfoOffset         uint64
	postInfoReadbackOffset uint64

	// Populated after the Setup pass has been read back.
	arrayDataOffset uint64
	indexHistogram  []device.HistogramEntry
	arrayHistogram  []device.HistogramEntry
}

// taskBuffers is the set of shared buffers one task owns exclusively.
type taskBuffers struct {
	arrayData      device.Buffer // created late, sized from Setup readback
	index          device.Buffer
	desc           device.Buffer
	descHistogram  device.Buffer
	indexHistogram device.Buffer
	postInfo       device.Buffer
	readback       device.Buffer
}

// each visits every non-nil buffer.
func (b *taskBuffers) each(fn func(device.Buffer)) {
	for _, buf := range []device.Buffer{
		b.arrayData, b.index, b.desc,
		b.descHistogram, b.indexHistogram, b.postInfo, b.readback,
	} {
		if buf != nil {
			fn(buf)
		}
	}
}

// buildTask is one queued build: the immutable input, the state tag, the
// fence gating the next transition, and the progressively allocated
// buffers. Build results are staged on the task and attached to the mesh
// only at finalize, so a cancelled task never leaves partial outputs.
type buildTask struct {
	input       BuildInput
	state       buildState
	fence       device.Fence
	buffers     taskBuffers
	bufferInfos []bufferInfo

	micromaps   []device.Micromap
	accelStruct device.AccelStruct
}

// BuildStats counts pipeline work since construction. Owned by the queue
// and read via Stats; there is no global state.
type BuildStats struct {
	CompletedBuilds uint64
	CancelledBuilds uint64
	SetupDispatches uint64
	BakeDispatches  uint64

	// ArrayDataBytes totals the discovered packed-array sizes.
	ArrayDataBytes uint64
}

// BuildQueue drives opacity-micromap builds across frames.
//
// Call Update once per frame from the render thread. Each call advances at
// most one task by at most one state transition — peek the head of the
// FIFO, attempt one transition, return. This is the contract, not an
// implementation detail: it bounds per-frame CPU and submission cost
// regardless of queue depth, at the cost of a three-frame minimum latency
// per task.
//
// The only suspension point is the non-blocking fence poll guarding each
// transition; BuildQueue never blocks on the device outside Initialize and
// Close.
//
// Thread Safety:
// Not safe for concurrent use. All methods must be called from the single
// thread that owns the device.
type BuildQueue struct {
	dev    device.Device
	baker  Baker
	meshes *scene.Table

	pending list.List // of *buildTask, FIFO

	stats       BuildStats
	initialized bool
}

// NewBuildQueue creates a build queue over the given device, baker, and
// caller-owned mesh table.
func NewBuildQueue(dev device.Device, baker Baker, meshes *scene.Table) *BuildQueue {
	return &BuildQueue{
		dev:    dev,
		baker:  baker,
		meshes: meshes,
	}
}

// Initialize prepares the baker. Must be called once before QueueBuild or
// Update. This is the one place (besides Close) where blocking device work
// is acceptable.
func (q *BuildQueue) Initialize() error {
	if q.initialized {
		return nil
	}
	if err := q.baker.Init(); err != nil {
		return fmt.Errorf("micromap: baker init: %w", err)
	}
	q.initialized = true
	slogger().Info("micromap: build queue initialized")
	return nil
}

// QueueBuild appends a build request. It validates structure only — the
// mesh handle resolves, geometry indices are in range, at least one
// geometry is named, and the mesh has neither outputs attached nor a
// build already pending — and returns immediately; all GPU work happens
// in later Update calls.
func (q *BuildQueue) QueueBuild(input BuildInput) error {
	if !q.initialized {
		return ErrNotInitialized
	}
	if len(input.Geometries) == 0 {
		return ErrNoGeometries
	}
	mesh, ok := q.meshes.Get(input.Mesh)
	if !ok {
		return ErrUnknownMesh
	}
	if mesh.HasBuildOutputs() {
		return ErrAlreadyBuilt
	}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*buildTask).input.Mesh == input.Mesh {
			return ErrBuildPending
		}
	}
	for _, g := range input.Geometries {
		if g.GeometryIndex < 0 || g.GeometryIndex >= len(mesh.Geometries) {
			return fmt.Errorf("%w: %d of %d", ErrGeometryIndex, g.GeometryIndex, len(mesh.Geometries))
		}
	}

	q.pending.PushBack(&buildTask{input: input, state: stateNone})
	slogger().Debug("micromap: build queued",
		"mesh", mesh.Name, "geometries", len(input.Geometries), "pending", q.pending.Len())
	return nil
}

// NumPendingBuilds reports the queue depth, for progress display. A depth
// that never decreases across many frames indicates a backend fault (for
// example a fence that will never signal); the queue itself has no
// timeout policy.
func (q *BuildQueue) NumPendingBuilds() uint32 {
	return uint32(q.pending.Len())
}

// Stats returns a copy of the queue's counters.
func (q *BuildQueue) Stats() BuildStats {
	return q.stats
}

// Update advances the pipeline by at most one state transition of the
// head-of-line task, then returns. A task whose fence has not signaled is
// left untouched until a later tick. Calling Update on an empty queue is
// a no-op.
//
// Device or baker failures during a transition are unrecoverable — the
// backend is past the point of consistent rollback — and panic.
func (q *BuildQueue) Update() {
	front := q.pending.Front()
	if front == nil {
		return
	}
	task := front.Value.(*buildTask)

	switch task.state {
	case stateNone:
		q.runSetup(task)

	case stateSetup:
		if q.dev.PollFence(task.fence) {
			q.runBakeAndBuild(task)
		}

	case stateBakeAndBuild:
		if q.dev.PollFence(task.fence) {
			q.finalize(task)
			q.pending.Remove(front)
		}
	}
}

// CancelPendingBuilds discards every queued task immediately and
// unconditionally, without waiting for outstanding fences. GPU work
// already submitted is left to complete on the device; its outputs are
// never attached to any mesh. Buffer handles are released through
// DestroyBuffer, whose implementations defer actual reclamation until the
// device has quiesced where that matters.
func (q *BuildQueue) CancelPendingBuilds() {
	n := 0
	for e := q.pending.Front(); e != nil; e = e.Next() {
		task := e.Value.(*buildTask)
		q.releaseTask(task)
		n++
	}
	q.pending.Init()
	if n > 0 {
		q.stats.CancelledBuilds += uint64(n)
		slogger().Debug("micromap: pending builds cancelled", "count", n)
	}
}

// Close cancels pending builds, shuts the baker down, and blocks until the
// device has quiesced. The queue must not be used afterwards.
func (q *BuildQueue) Close() {
	q.CancelPendingBuilds()
	if q.initialized {
		q.baker.Close()
		q.initialized = false
	}
	q.dev.Flush()
}

// releaseTask drops every resource a task owns.
func (q *BuildQueue) releaseTask(task *buildTask) {
	if task.fence != nil {
		q.dev.DestroyFence(task.fence)
		task.fence = nil
	}
	task.buffers.each(q.dev.DestroyBuffer)
	task.buffers = taskBuffers{}
}

// bakeInput assembles the baker's view of one geometry from the mesh's
// shared buffers and the request settings.
func bakeInput(mesh *scene.Mesh, g GeometrySettings) BakeInput {
	geom := mesh.Geometries[g.GeometryIndex]
	indexOffset := uint64(mesh.IndexOffset) + uint64(geom.IndexOffsetInMesh)
	vertexOffset := uint64(mesh.VertexOffset) + uint64(geom.VertexOffsetInMesh)

	return BakeInput{
		AlphaTexture:   geom.AlphaTexture,
		AlphaCutoff:    geom.AlphaCutoff,
		BilinearFilter: true,

		IndexBuffer:      mesh.IndexBuffer,
		IndexOffsetBytes: indexOffset * 4,
		NumIndices:       geom.NumIndices,

		TexCoordBuffer:      mesh.VertexBuffer,
		TexCoordOffsetBytes: mesh.TexCoordByteOffset + vertexOffset*mesh.TexCoordStride,
		TexCoordStrideBytes: mesh.TexCoordStride,

		MaxSubdivisionLevel:         g.MaxSubdivisionLevel,
		DynamicSubdivisionScale:     g.DynamicSubdivisionScale,
		Format:                      g.Format,
		EnableSpecialIndices:        g.EnableSpecialIndices,
		EnableTexCoordDeduplication: g.EnableTexCoordDeduplication,
		Force32BitIndices:           g.Force32BitIndices,
		EnableLevelLineIntersection: g.EnableLevelLineIntersection,
		MaxArrayDataSize:            uint64(g.MaxArrayDataSizeMB) << 20,
	}
}

// runSetup plans the task's buffer layout, creates the shared buffers,
// dispatches the cheap Setup pass per geometry, and schedules the
// histogram/post-info readback copies. One linear-allocator pass over all
// geometries runs before any buffer exists, so no geometry's region can
// overlap another's.
func (q *BuildQueue) runSetup(task *buildTask) {
	mesh := q.mustMesh(task)

	var (
		indexAlloc          LinearBufferAllocator
		descAlloc           LinearBufferAllocator
		descHistogramAlloc  LinearBufferAllocator
		indexHistogramAlloc LinearBufferAllocator
		postInfoAlloc       LinearBufferAllocator
		readbackAlloc       LinearBufferAllocator
	)

	infos := make([]bufferInfo, 0, len(task.input.Geometries))
	for _, g := range task.input.Geometries {
		input := bakeInput(mesh, g)

		pre, err := q.baker.GetPreDispatchInfo(input)
		if err != nil {
			panic(fmt.Sprintf("micromap: pre-dispatch info: %v", err))
		}

		infos = append(infos, bufferInfo{
			indexFormat: pre.IndexFormat,
			indexCount:  pre.IndexCount,

			indexOffset: indexAlloc.Allocate(pre.IndexBufferSize, subAllocAlign),
			descOffset:  descAlloc.Allocate(pre.DescBufferSize, subAllocAlign),

			descHistogramOffset:         descHistogramAlloc.Allocate(pre.DescArrayHistogramSize, subAllocAlign),
			descHistogramSize:           pre.DescArrayHistogramSize,
			descHistogramReadbackOffset: readbackAlloc.Allocate(pre.DescArrayHistogramSize, subAllocAlign),

			indexHistogramOffset:         indexHistogramAlloc.Allocate(pre.IndexHistogramSize, subAllocAlign),
			indexHistogramSize:           pre.IndexHistogramSize,
			indexHistogramReadbackOffset: readbackAlloc.Allocate(pre.IndexHistogramSize, subAllocAlign),

			postInfoOffset:         postInfoAlloc.Allocate(pre.PostDispatchInfoBufferSize, subAllocAlign),
			postInfoReadbackOffset: readbackAlloc.Allocate(pre.PostDispatchInfoBufferSize, subAllocAlign),

			arrayDataOffset: arrayOffsetUnknown,
		})
	}

	var buffers taskBuffers
	buffers.index = q.createPlanned(&indexAlloc, mesh.Name+"/omm_index", device.BufferKindStorageASInput)
	buffers.desc = q.createPlanned(&descAlloc, mesh.Name+"/omm_desc", device.BufferKindStorageASInput)
	buffers.descHistogram = q.createPlanned(&descHistogramAlloc, mesh.Name+"/omm_desc_histogram", device.BufferKindStorage)
	buffers.indexHistogram = q.createPlanned(&indexHistogramAlloc, mesh.Name+"/omm_index_histogram", device.BufferKindStorage)
	buffers.postInfo = q.createPlanned(&postInfoAlloc, mesh.Name+"/omm_post_info", device.BufferKindStorage)
	buffers.readback = q.createPlanned(&readbackAlloc, mesh.Name+"/omm_readback", device.BufferKindReadback)

	for i, g := range task.input.Geometries {
		info := &infos[i]
		input := bakeInput(mesh, g)

		err := q.baker.DispatchSetup(input, BakeBuffers{
			DescBuffer:             buffers.desc,
			DescOffset:             info.descOffset,
			IndexBuffer:            buffers.index,
			IndexOffset:            info.indexOffset,
			DescHistogramBuffer:    buffers.descHistogram,
			DescHistogramOffset:    info.descHistogramOffset,
			IndexHistogramBuffer:   buffers.indexHistogram,
			IndexHistogramOffset:   info.indexHistogramOffset,
			PostDispatchInfoBuffer: buffers.postInfo,
			PostDispatchInfoOffset: info.postInfoOffset,
		})
		if err != nil {
			panic(fmt.Sprintf("micromap: setup dispatch: %v", err))
		}
		q.stats.SetupDispatches++

		// Stage the three regions the CPU must observe into the shared
		// readback buffer.
		if info.descHistogramSize > 0 {
			q.dev.CopyBufferRegion(buffers.readback, info.descHistogramReadbackOffset,
				buffers.descHistogram, info.descHistogramOffset, info.descHistogramSize)
		}
		if info.indexHistogramSize > 0 {
			q.dev.CopyBufferRegion(buffers.readback, info.indexHistogramReadbackOffset,
				buffers.indexHistogram, info.indexHistogramOffset, info.indexHistogramSize)
		}
		q.dev.CopyBufferRegion(buffers.readback, info.postInfoReadbackOffset,
			buffers.postInfo, info.postInfoOffset, PostDispatchInfoSize)
	}

	fence, err := q.dev.CreateFence()
	if err != nil {
		panic(fmt.Sprintf("micromap: create fence: %v", err))
	}
	q.dev.SignalFence(fence)

	task.fence = fence
	task.state = stateSetup
	task.buffers = buffers
	task.bufferInfos = infos

	slogger().Debug("micromap: setup dispatched",
		"mesh", mesh.Name,
		"geometries", len(task.input.Geometries),
		"index_bytes", sizeOf(buffers.index),
		"desc_bytes", sizeOf(buffers.desc),
		"readback_bytes", sizeOf(buffers.readback))
}

// runBakeAndBuild consumes the Setup readback to learn each geometry's
// packed-array size, allocates the array buffer, dispatches the expensive
// Bake pass, builds the micromap objects, and issues the BLAS build. The
// results stay staged on the task until finalize.
func (q *BuildQueue) runBakeAndBuild(task *buildTask) {
	mesh := q.mustMesh(task)
	q.dev.DestroyFence(task.fence)
	task.fence = nil

	var arrayAlloc LinearBufferAllocator
	{
		raw, err := q.dev.MapForRead(task.buffers.readback)
		if err != nil {
			panic(fmt.Sprintf("micromap: map readback: %v", err))
		}
		for i := range task.bufferInfos {
			info := &task.bufferInfos[i]

			info.arrayHistogram = q.baker.ReadHistogram(
				raw[info.descHistogramReadbackOffset : info.descHistogramReadbackOffset+info.descHistogramSize])
			info.indexHistogram = q.baker.ReadHistogram(
				raw[info.indexHistogramReadbackOffset : info.indexHistogramReadbackOffset+info.indexHistogramSize])

			post := q.baker.ReadPostDispatchInfo(raw[info.postInfoReadbackOffset:])

			// Allocate panics past the 4 GiB limit; offsets handed out
			// below would be invalid beyond it.
			info.arrayDataOffset = arrayAlloc.Allocate(post.ArrayDataSize, subAllocAlign)
			q.stats.ArrayDataBytes += post.ArrayDataSize
		}
		q.dev.Unmap(task.buffers.readback)
	}

	task.buffers.arrayData = q.createPlanned(&arrayAlloc, mesh.Name+"/omm_array_data", device.BufferKindStorageASInput)

	attachments := make(map[int]*device.OmmAttachment, len(task.input.Geometries))
	for i, g := range task.input.Geometries {
		info := &task.bufferInfos[i]
		input := bakeInput(mesh, g)

		err := q.baker.DispatchBake(input, BakeBuffers{
			ArrayBuffer:            task.buffers.arrayData,
			ArrayOffset:            info.arrayDataOffset,
			DescBuffer:             task.buffers.desc,
			DescOffset:             info.descOffset,
			IndexBuffer:            task.buffers.index,
			IndexOffset:            info.indexOffset,
			DescHistogramBuffer:    task.buffers.descHistogram,
			DescHistogramOffset:    info.descHistogramOffset,
			IndexHistogramBuffer:   task.buffers.indexHistogram,
			IndexHistogramOffset:   info.indexHistogramOffset,
			PostDispatchInfoBuffer: task.buffers.postInfo,
			PostDispatchInfoOffset: info.postInfoOffset,
		})
		if err != nil {
			panic(fmt.Sprintf("micromap: bake dispatch: %v", err))
		}
		q.stats.BakeDispatches++

		// Refresh the post-dispatch stats for finalize.
		q.dev.CopyBufferRegion(task.buffers.readback, info.postInfoReadbackOffset,
			task.buffers.postInfo, info.postInfoOffset, PostDispatchInfoSize)

		mm, err := q.dev.BuildMicromap(device.MicromapDesc{
			Label:             mesh.Name + "/omm_array",
			Flags:             g.Flags,
			Counts:            info.arrayHistogram,
			InputBuffer:       task.buffers.arrayData,
			InputBufferOffset: info.arrayDataOffset,
			DescBuffer:        task.buffers.desc,
			DescBufferOffset:  info.descOffset,
		})
		if err != nil {
			panic(fmt.Sprintf("micromap: build micromap: %v", err))
		}
		task.micromaps = append(task.micromaps, mm)

		attachments[g.GeometryIndex] = &device.OmmAttachment{
			Micromap:          mm,
			IndexFormat:       info.indexFormat,
			IndexHistogram:    info.indexHistogram,
			IndexBuffer:       task.buffers.index,
			IndexBufferOffset: info.indexOffset,
			ArrayDataBuffer:   task.buffers.arrayData,
			ArrayDataOffset:   info.arrayDataOffset,
		}
	}

	as, err := q.dev.BuildAccelStruct(blasDesc(mesh, task.input.ASFlags, attachments))
	if err != nil {
		panic(fmt.Sprintf("micromap: build accel struct: %v", err))
	}
	task.accelStruct = as

	fence, err := q.dev.CreateFence()
	if err != nil {
		panic(fmt.Sprintf("micromap: create fence: %v", err))
	}
	q.dev.SignalFence(fence)

	task.fence = fence
	task.state = stateBakeAndBuild

	slogger().Debug("micromap: bake dispatched",
		"mesh", mesh.Name,
		"array_bytes", sizeOf(task.buffers.arrayData),
		"micromaps", len(task.micromaps))
}

// finalize copies debug statistics into the mesh's geometry records,
// attaches the staged outputs in one call, and releases the buffers the
// mesh does not take ownership of.
func (q *BuildQueue) finalize(task *buildTask) {
	mesh := q.mustMesh(task)
	q.dev.DestroyFence(task.fence)
	task.fence = nil

	geomDebug := make(map[int]scene.GeometryDebugData, len(task.input.Geometries))
	{
		raw, err := q.dev.MapForRead(task.buffers.readback)
		if err != nil {
			panic(fmt.Sprintf("micromap: map readback: %v", err))
		}
		for i, g := range task.input.Geometries {
			info := &task.bufferInfos[i]
			post := q.baker.ReadPostDispatchInfo(raw[info.postInfoReadbackOffset:])

			geomDebug[g.GeometryIndex] = scene.GeometryDebugData{
				OmmArrayDataOffset:   uint32(info.arrayDataOffset),
				OmmDescOffset:        uint32(info.descOffset),
				OmmIndexOffset:       uint32(info.indexOffset),
				OmmIndexFormat:       info.indexFormat,
				OmmStatsTotalKnown:   post.TotalOpaqueCount + post.TotalTransparentCount,
				OmmStatsTotalUnknown: post.TotalUnknownCount,
			}
		}
		q.dev.Unmap(task.buffers.readback)
	}

	debugData := &scene.DebugData{
		OmmArrayDataBuffer:     task.buffers.arrayData,
		OmmDescBuffer:          task.buffers.desc,
		OmmIndexBuffer:         task.buffers.index,
		OmmArrayDataDescriptor: q.descriptorFor(task.buffers.arrayData),
		OmmDescDescriptor:      q.descriptorFor(task.buffers.desc),
		OmmIndexDescriptor:     q.descriptorFor(task.buffers.index),
	}

	mesh.Attach(scene.BuildOutputs{
		Micromaps:      task.micromaps,
		AccelStructOMM: task.accelStruct,
		DebugData:      debugData,
		GeometryDebug:  geomDebug,
	})

	// The mesh keeps the array/desc/index buffers (referenced by the
	// debug data and the acceleration structure); everything else is done.
	q.dev.DestroyBuffer(task.buffers.readback)
	task.buffers.readback = nil
	if task.buffers.descHistogram != nil {
		q.dev.DestroyBuffer(task.buffers.descHistogram)
		task.buffers.descHistogram = nil
	}
	if task.buffers.indexHistogram != nil {
		q.dev.DestroyBuffer(task.buffers.indexHistogram)
		task.buffers.indexHistogram = nil
	}
	if task.buffers.postInfo != nil {
		q.dev.DestroyBuffer(task.buffers.postInfo)
		task.buffers.postInfo = nil
	}

	q.stats.CompletedBuilds++
	slogger().Debug("micromap: build finalized",
		"mesh", mesh.Name, "pending", q.pending.Len()-1)
}

// createPlanned materializes a planned buffer, treating creation failure
// as fatal per the pipeline's error model.
func (q *BuildQueue) createPlanned(a *LinearBufferAllocator, label string, kind device.BufferKind) device.Buffer {
	buf, err := a.CreateBuffer(q.dev, label, kind)
	if err != nil {
		panic(err.Error())
	}
	return buf
}

// descriptorFor registers a buffer for bindless access, tolerating the
// nil buffers of geometry-free corner cases.
func (q *BuildQueue) descriptorFor(buf device.Buffer) device.DescriptorIndex {
	if buf == nil {
		return device.InvalidDescriptor
	}
	return q.dev.CreateDescriptor(buf)
}

// mustMesh resolves the task's mesh handle. The handle was validated at
// QueueBuild; a stale handle here means the caller broke the lifetime
// contract.
func (q *BuildQueue) mustMesh(task *buildTask) *scene.Mesh {
	mesh, ok := q.meshes.Get(task.input.Mesh)
	if !ok {
		panic(fmt.Sprintf("micromap: mesh handle %d no longer resolves", task.input.Mesh))
	}
	return mesh
}

// blasDesc assembles the acceleration-structure build description for a
// mesh, attaching the freshly built micromaps to their geometries.
func blasDesc(mesh *scene.Mesh, flags device.BuildFlags, attachments map[int]*device.OmmAttachment) device.AccelStructDesc {
	desc := device.AccelStructDesc{
		Label:      mesh.Name + "/blas_omm",
		Flags:      flags,
		Geometries: make([]device.GeometryDesc, len(mesh.Geometries)),
	}
	for i, geom := range mesh.Geometries {
		indexOffset := uint64(mesh.IndexOffset) + uint64(geom.IndexOffsetInMesh)
		vertexOffset := uint64(mesh.VertexOffset) + uint64(geom.VertexOffsetInMesh)
		desc.Geometries[i] = device.GeometryDesc{
			IndexBuffer:      mesh.IndexBuffer,
			IndexOffsetBytes: indexOffset * 4,
			NumIndices:       geom.NumIndices,
			VertexBuffer:     mesh.VertexBuffer,
			VertexOffset:     vertexOffset,
			VertexStride:     mesh.TexCoordStride,
			OMM:              attachments[i],
		}
	}
	return desc
}

// sizeOf is a nil-safe buffer size accessor for logging.
func sizeOf(buf device.Buffer) uint64 {
	if buf == nil {
		return 0
	}
	return buf.Size()
}
