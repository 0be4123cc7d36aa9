// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu is the GPU compute baker.
//
// It implements micromap.Baker with two compute passes over the gogpu/wgpu
// HAL: a setup pass that classifies microtriangles and allocates descriptor
// slots and array-data ranges through atomic counters, and a bake pass that
// packs the opacity states into the array-data buffer. Both passes emit the
// same wire formats as the CPU baker in bake, so the pipeline cannot tell
// them apart.
//
// Unlike the CPU baker, output sizes are conservative: every triangle is
// classified at the effective subdivision level and gets a descriptor slot
// reserved, and OMM indices are always 32-bit. Texcoord deduplication is
// not performed.
package wgpu

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/micromap"
	gpu "github.com/gogpu/micromap/backend/wgpu"
	"github.com/gogpu/micromap/bake"
	"github.com/gogpu/micromap/device"
	"github.com/gogpu/micromap/internal/shader"
)

//go:embed shaders/omm_setup.wgsl
var shaderSetup string

//go:embed shaders/omm_bake.wgsl
var shaderBake string

// Baker errors.
var (
	// ErrNotInitialized is returned when a dispatch is issued before Init.
	ErrNotInitialized = errors.New("wgpu: baker not initialized")

	// ErrBufferNotBindable is returned when an input buffer does not
	// expose a HAL buffer for bind groups.
	ErrBufferNotBindable = errors.New("wgpu: buffer is not GPU-bindable")
)

// closeTimeout bounds the queue drain in Close.
const closeTimeout = 5 * time.Second

// wgSize is the workgroup size of both shaders.
const wgSize = 64

// bakeStage identifies one of the two compute passes.
type bakeStage int

const (
	// stageSetup classifies microtriangles and allocates descriptor slots,
	// array-data ranges, histograms, and the post-dispatch info.
	stageSetup bakeStage = iota

	// stageBake re-runs the classification per descriptor and packs the
	// opacity states into the array-data buffer.
	stageBake

	stageCount
)

// String returns the human-readable name of the stage.
func (s bakeStage) String() string {
	switch s {
	case stageSetup:
		return "omm_setup"
	case stageBake:
		return "omm_bake"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// rawBuffer is implemented by buffers backed by a HAL buffer.
type rawBuffer interface{ Raw() hal.Buffer }

// imageTexture is implemented by CPU-resident textures.
type imageTexture interface{ Image() image.Image }

// alphaBuffer is a texture's alpha channel uploaded as an f32 storage
// buffer, cached per texture label.
type alphaBuffer struct {
	buf  hal.Buffer
	w, h uint32
}

// pendingDispatch holds the per-dispatch resources still referenced by
// in-flight GPU work. They are reclaimed once the fence passes.
type pendingDispatch struct {
	fence  hal.Fence
	params hal.Buffer
	bind   hal.BindGroup
	cmd    hal.CommandBuffer
}

// Baker is the GPU implementation of micromap.Baker. It shares the
// pipeline device's HAL queue, so its dispatches are ordered with the
// pipeline's copies and fence signals.
type Baker struct {
	dev   *gpu.Device
	hal   hal.Device
	queue hal.Queue

	res [stageCount]shader.Resources

	mu          sync.Mutex
	alphas      map[string]*alphaBuffer
	opaque      hal.Buffer // 1x1 fallback plane for nil textures
	pending     []pendingDispatch
	initialized bool
}

// NewBaker creates a GPU baker dispatching on dev's queue.
func NewBaker(dev *gpu.Device) *Baker {
	halDev, queue := dev.HAL()
	return &Baker{
		dev:    dev,
		hal:    halDev,
		queue:  queue,
		alphas: make(map[string]*alphaBuffer),
	}
}

// stageLayoutEntries returns the bind group layout entries for a stage.
// They match the @group(0) @binding(N) annotations in the WGSL exactly.
func stageLayoutEntries(stage bakeStage) []gputypes.BindGroupLayoutEntry {
	uniform := gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	}
	storageRO := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
		}
	}
	storageRW := func(binding uint32) gputypes.BindGroupLayoutEntry {
		return gputypes.BindGroupLayoutEntry{
			Binding:    binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}

	switch stage {
	case stageSetup:
		// @binding(0) uniform params
		// @binding(1) storage(read) indices
		// @binding(2) storage(read) uvs
		// @binding(3) storage(read_write) omm_indices
		// @binding(4) storage(read_write) descs
		// @binding(5) storage(read_write) desc_hist
		// @binding(6) storage(read_write) index_hist
		// @binding(7) storage(read_write) post_info
		// @binding(8) storage(read) alpha
		return []gputypes.BindGroupLayoutEntry{
			uniform, storageRO(1), storageRO(2),
			storageRW(3), storageRW(4), storageRW(5), storageRW(6), storageRW(7),
			storageRO(8),
		}

	case stageBake:
		// @binding(0) uniform params
		// @binding(1) storage(read) indices
		// @binding(2) storage(read) uvs
		// @binding(3) storage(read) omm_indices
		// @binding(4) storage(read) descs
		// @binding(5) storage(read_write) array_data
		// @binding(6) storage(read) alpha
		return []gputypes.BindGroupLayoutEntry{
			uniform, storageRO(1), storageRO(2),
			storageRO(3), storageRO(4), storageRW(5),
			storageRO(6),
		}

	default:
		return nil
	}
}

// Init compiles both WGSL shaders and creates the compute pipelines. It is
// safe to call Init multiple times; subsequent calls are no-ops.
func (b *Baker) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}

	sources := [stageCount]string{
		stageSetup: shaderSetup,
		stageBake:  shaderBake,
	}

	for i := bakeStage(0); i < stageCount; i++ {
		name := i.String()

		module, err := shader.NewModule(b.hal, name, sources[i])
		if err != nil {
			b.destroyPartialInit()
			return fmt.Errorf("wgpu: create shader module for %s: %w", i, err)
		}
		b.res[i] = shader.Resources{Device: b.hal, ShaderModule: module}

		layout, err := b.hal.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   name + "_bgl",
			Entries: stageLayoutEntries(i),
		})
		if err != nil {
			b.destroyPartialInit()
			return fmt.Errorf("wgpu: create bind group layout for %s: %w", i, err)
		}
		b.res[i].BindLayouts = []hal.BindGroupLayout{layout}

		pipelineLayout, err := b.hal.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
			Label:            name + "_pl",
			BindGroupLayouts: []hal.BindGroupLayout{layout},
		})
		if err != nil {
			b.destroyPartialInit()
			return fmt.Errorf("wgpu: create pipeline layout for %s: %w", i, err)
		}
		b.res[i].PipelineLayout = pipelineLayout

		pipeline, err := b.hal.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:  name,
			Layout: pipelineLayout,
			Compute: hal.ComputeState{
				Module:     module,
				EntryPoint: "main",
			},
		})
		if err != nil {
			b.destroyPartialInit()
			return fmt.Errorf("wgpu: create compute pipeline for %s: %w", i, err)
		}
		b.res[i].Pipelines = []hal.ComputePipeline{pipeline}
	}

	opaque, err := b.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_alpha_opaque",
		Size:  4,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		b.destroyPartialInit()
		return fmt.Errorf("wgpu: create fallback alpha plane: %w", err)
	}
	b.queue.WriteBuffer(opaque, 0, encodeFloats([]float32{1}))
	b.opaque = opaque

	b.initialized = true
	micromap.Logger().Info("wgpu: compute baker ready", "stages", int(stageCount))
	return nil
}

// destroyPartialInit cleans up after a failed Init. Resources.Destroy
// tolerates the nil tail of a partially built stage.
func (b *Baker) destroyPartialInit() {
	for i := bakeStage(0); i < stageCount; i++ {
		b.res[i].Destroy()
		b.res[i] = shader.Resources{}
	}
}

// Close drains the queue, then releases every pipeline and cached alpha
// plane. Blocking is acceptable at shutdown.
func (b *Baker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return
	}

	if fence, err := b.hal.CreateFence(); err == nil {
		if err := b.queue.Submit(nil, fence, 1); err == nil {
			if ok, err := b.hal.Wait(fence, 1, closeTimeout); err != nil || !ok {
				micromap.Logger().Warn("wgpu: close drain", "ok", ok, "error", err)
			}
		}
		b.hal.DestroyFence(fence)
	}

	for _, p := range b.pending {
		b.releaseDispatch(p)
	}
	b.pending = nil

	for _, a := range b.alphas {
		b.hal.DestroyBuffer(a.buf)
	}
	b.alphas = make(map[string]*alphaBuffer)
	if b.opaque != nil {
		b.hal.DestroyBuffer(b.opaque)
		b.opaque = nil
	}

	for i := bakeStage(0); i < stageCount; i++ {
		b.res[i].Destroy()
		b.res[i] = shader.Resources{}
	}
	b.initialized = false
}

// GetPreDispatchInfo reports conservative output sizes: the GPU discovers
// descriptor counts during the setup pass, so every triangle gets a slot
// reserved and OMM indices are always 32-bit.
func (b *Baker) GetPreDispatchInfo(input micromap.BakeInput) (micromap.PreDispatchInfo, error) {
	if input.NumIndices%3 != 0 {
		return micromap.PreDispatchInfo{}, fmt.Errorf("%w: %d", bake.ErrBadIndexCount, input.NumIndices)
	}
	numTriangles := input.NumIndices / 3
	maxLevel := b.effectiveLevel(input)

	return micromap.PreDispatchInfo{
		IndexFormat:                device.IndexFormatUint32,
		IndexCount:                 numTriangles,
		IndexBufferSize:            uint64(numTriangles) * device.IndexFormatUint32.Bytes(),
		DescBufferSize:             uint64(numTriangles) * 8,
		DescArrayHistogramSize:     uint64(maxLevel+1) * micromap.HistogramEntrySize,
		IndexHistogramSize:         uint64(maxLevel+1) * micromap.HistogramEntrySize,
		PostDispatchInfoBufferSize: micromap.PostDispatchInfoSize,
	}, nil
}

// effectiveLevel returns the subdivision level the shaders run at. The GPU
// path applies one level to the whole geometry; the level is lowered until
// the worst-case packed array fits MaxArrayDataSize.
func (b *Baker) effectiveLevel(input micromap.BakeInput) uint32 {
	level := input.MaxSubdivisionLevel
	if input.MaxArrayDataSize == 0 {
		return level
	}
	numTriangles := uint64(input.NumIndices / 3)
	for level > 0 && numTriangles*bytesPerTriangle(level, input.Format) > input.MaxArrayDataSize {
		level--
	}
	return level
}

// bytesPerTriangle is the word-aligned packed size of one OMM at level,
// matching the allocation in the setup shader.
func bytesPerTriangle(level uint32, format device.Format) uint64 {
	states := uint64(1) << (2 * level)
	bits := states * uint64(format.BitsPerState())
	return (bits + 31) / 32 * 4
}

// DispatchSetup zeroes the counter regions and submits the setup pass.
// The submit is fenced by the pipeline, not here; only the per-dispatch
// resources ride this baker's reclaim list.
func (b *Baker) DispatchSetup(input micromap.BakeInput, out micromap.BakeBuffers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return ErrNotInitialized
	}
	b.reclaimLocked()

	plane, err := b.alphaPlaneFor(input.AlphaTexture)
	if err != nil {
		return err
	}
	maxLevel := b.effectiveLevel(input)

	// Atomic counters accumulate, so their regions start at zero.
	histSize := uint64(maxLevel+1) * micromap.HistogramEntrySize
	zeros := make([]byte, histSize)
	b.queue.WriteBuffer(raw(out.DescHistogramBuffer), out.DescHistogramOffset, zeros)
	b.queue.WriteBuffer(raw(out.IndexHistogramBuffer), out.IndexHistogramOffset, zeros)
	b.queue.WriteBuffer(raw(out.PostDispatchInfoBuffer), out.PostDispatchInfoOffset,
		make([]byte, micromap.PostDispatchInfoSize))

	p := params{
		numTriangles: input.NumIndices / 3,
		maxLevel:     maxLevel,
		format:       uint32(input.Format),
		flags:        flagsFor(input),
		alphaCutoff:  input.AlphaCutoff,
		texWidth:     plane.w,
		texHeight:    plane.h,
		indexBase:    uint32(input.IndexOffsetBytes / 4),
		uvBase:       uint32(input.TexCoordOffsetBytes / 4),
		uvStride:     uint32(input.TexCoordStrideBytes / 4),
		slot10:       uint32(out.IndexOffset / 4),
		slot11:       uint32(out.DescOffset / 4),
		slot12:       uint32(out.DescHistogramOffset / 4),
		slot13:       uint32(out.IndexHistogramOffset / 4),
		slot14:       uint32(out.PostDispatchInfoOffset / 4),
	}

	indexBuf, err := rawInput(input.IndexBuffer)
	if err != nil {
		return err
	}
	uvBuf, err := rawInput(input.TexCoordBuffer)
	if err != nil {
		return err
	}

	bindings := []bufferBinding{
		{1, indexBuf},
		{2, uvBuf},
		{3, raw(out.IndexBuffer)},
		{4, raw(out.DescBuffer)},
		{5, raw(out.DescHistogramBuffer)},
		{6, raw(out.IndexHistogramBuffer)},
		{7, raw(out.PostDispatchInfoBuffer)},
		{8, plane.buf},
	}
	return b.dispatchLocked(stageSetup, p, bindings)
}

// DispatchBake submits the pack pass. A nil array buffer means every
// triangle collapsed to a special index in the setup pass, so there is
// nothing to pack.
func (b *Baker) DispatchBake(input micromap.BakeInput, out micromap.BakeBuffers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return ErrNotInitialized
	}
	b.reclaimLocked()

	if out.ArrayBuffer == nil {
		return nil
	}

	plane, err := b.alphaPlaneFor(input.AlphaTexture)
	if err != nil {
		return err
	}

	arrayBuf := raw(out.ArrayBuffer)
	if out.ArrayOffset == 0 {
		// Fresh array buffers carry no guaranteed contents; atomicOr
		// packing needs a zeroed destination. The first region starts the
		// buffer, so zero the whole thing once.
		b.queue.WriteBuffer(arrayBuf, 0, make([]byte, out.ArrayBuffer.Size()))
	}

	p := params{
		numTriangles: input.NumIndices / 3,
		maxLevel:     b.effectiveLevel(input),
		format:       uint32(input.Format),
		flags:        flagsFor(input),
		alphaCutoff:  input.AlphaCutoff,
		texWidth:     plane.w,
		texHeight:    plane.h,
		indexBase:    uint32(input.IndexOffsetBytes / 4),
		uvBase:       uint32(input.TexCoordOffsetBytes / 4),
		uvStride:     uint32(input.TexCoordStrideBytes / 4),
		slot10:       uint32(out.IndexOffset / 4),
		slot11:       uint32(out.DescOffset / 4),
		slot12:       uint32(out.ArrayOffset / 4),
	}

	indexBuf, err := rawInput(input.IndexBuffer)
	if err != nil {
		return err
	}
	uvBuf, err := rawInput(input.TexCoordBuffer)
	if err != nil {
		return err
	}

	bindings := []bufferBinding{
		{1, indexBuf},
		{2, uvBuf},
		{3, raw(out.IndexBuffer)},
		{4, raw(out.DescBuffer)},
		{5, arrayBuf},
		{6, plane.buf},
	}
	return b.dispatchLocked(stageBake, p, bindings)
}

// ReadPostDispatchInfo decodes post-dispatch info from readback bytes.
func (b *Baker) ReadPostDispatchInfo(rawBytes []byte) micromap.PostDispatchInfo {
	return micromap.DecodePostDispatchInfo(rawBytes)
}

// ReadHistogram decodes histogram entries from readback bytes. Levels no
// triangle landed in have zero counts and are dropped by the decoder.
func (b *Baker) ReadHistogram(rawBytes []byte) []device.HistogramEntry {
	return micromap.DecodeHistogram(rawBytes)
}

// bufferBinding pairs a shader binding index with a HAL buffer.
type bufferBinding struct {
	binding uint32
	buf     hal.Buffer
}

// dispatchLocked encodes and submits one compute pass without blocking.
// Caller holds b.mu.
func (b *Baker) dispatchLocked(stage bakeStage, p params, bindings []bufferBinding) error {
	name := stage.String()

	paramsBuf, err := b.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: name + "_params",
		Size:  64,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create params buffer for %s: %w", stage, err)
	}
	b.queue.WriteBuffer(paramsBuf, 0, p.toBytes())

	entries := make([]gputypes.BindGroupEntry, 0, len(bindings)+1)
	entries = append(entries, gputypes.BindGroupEntry{
		Binding:  0,
		Resource: gputypes.BufferBinding{Buffer: paramsBuf.NativeHandle()},
	})
	for _, bb := range bindings {
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  bb.binding,
			Resource: gputypes.BufferBinding{Buffer: bb.buf.NativeHandle()},
		})
	}

	bind, err := b.hal.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   name + "_bg",
		Layout:  b.res[stage].BindLayouts[0],
		Entries: entries,
	})
	if err != nil {
		b.hal.DestroyBuffer(paramsBuf)
		return fmt.Errorf("wgpu: create bind group for %s: %w", stage, err)
	}

	encoder, err := b.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: name})
	if err != nil {
		b.hal.DestroyBindGroup(bind)
		b.hal.DestroyBuffer(paramsBuf)
		return fmt.Errorf("wgpu: create command encoder for %s: %w", stage, err)
	}
	if err := encoder.BeginEncoding(name); err != nil {
		b.hal.DestroyBindGroup(bind)
		b.hal.DestroyBuffer(paramsBuf)
		return fmt.Errorf("wgpu: begin encoding for %s: %w", stage, err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: name})
	pass.SetPipeline(b.res[stage].Pipelines[0])
	pass.SetBindGroup(0, bind, nil)
	pass.Dispatch((p.numTriangles+wgSize-1)/wgSize, 1, 1)
	pass.End()

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		b.hal.DestroyBindGroup(bind)
		b.hal.DestroyBuffer(paramsBuf)
		return fmt.Errorf("wgpu: end encoding for %s: %w", stage, err)
	}

	fence, err := b.hal.CreateFence()
	if err != nil {
		b.hal.FreeCommandBuffer(cmdBuf)
		b.hal.DestroyBindGroup(bind)
		b.hal.DestroyBuffer(paramsBuf)
		return fmt.Errorf("wgpu: create dispatch fence for %s: %w", stage, err)
	}
	if err := b.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		b.hal.DestroyFence(fence)
		b.hal.FreeCommandBuffer(cmdBuf)
		b.hal.DestroyBindGroup(bind)
		b.hal.DestroyBuffer(paramsBuf)
		return fmt.Errorf("wgpu: submit %s: %w", stage, err)
	}

	b.pending = append(b.pending, pendingDispatch{
		fence:  fence,
		params: paramsBuf,
		bind:   bind,
		cmd:    cmdBuf,
	})

	micromap.Logger().Debug("wgpu: dispatched stage",
		"stage", name,
		"triangles", p.numTriangles,
		"workgroups", (p.numTriangles+wgSize-1)/wgSize)
	return nil
}

// reclaimLocked frees per-dispatch resources whose fences have passed.
// Caller holds b.mu.
func (b *Baker) reclaimLocked() {
	if len(b.pending) == 0 {
		return
	}
	kept := b.pending[:0]
	for _, p := range b.pending {
		ok, err := b.hal.Wait(p.fence, 1, 0)
		if err == nil && ok {
			b.releaseDispatch(p)
			continue
		}
		kept = append(kept, p)
	}
	b.pending = kept
}

func (b *Baker) releaseDispatch(p pendingDispatch) {
	b.hal.DestroyBindGroup(p.bind)
	b.hal.FreeCommandBuffer(p.cmd)
	b.hal.DestroyBuffer(p.params)
	b.hal.DestroyFence(p.fence)
}

// alphaPlaneFor uploads (or recalls) the texture's alpha channel as an
// f32 storage buffer. A nil texture binds the 1x1 fully opaque plane.
// Caller holds b.mu.
func (b *Baker) alphaPlaneFor(tex device.Texture) (*alphaBuffer, error) {
	if tex == nil {
		return &alphaBuffer{buf: b.opaque, w: 1, h: 1}, nil
	}
	if a, ok := b.alphas[tex.Label()]; ok {
		return a, nil
	}

	it, ok := tex.(imageTexture)
	if !ok {
		return nil, fmt.Errorf("%w: %q", bake.ErrTextureNotReadable, tex.Label())
	}
	alpha, w, h := bake.DecodeAlphaPlane(it.Image())

	buf, err := b.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: "omm_alpha/" + tex.Label(),
		Size:  uint64(len(alpha)) * 4,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create alpha plane %q: %w", tex.Label(), err)
	}
	b.queue.WriteBuffer(buf, 0, encodeFloats(alpha))

	a := &alphaBuffer{buf: buf, w: uint32(w), h: uint32(h)}
	b.alphas[tex.Label()] = a
	micromap.Logger().Debug("wgpu: alpha plane uploaded",
		"texture", tex.Label(), "width", w, "height", h)
	return a, nil
}

// params maps to the Params uniform struct of both shaders: 15 u32 words.
// The last three slots are stage-specific.
type params struct {
	numTriangles uint32
	maxLevel     uint32
	format       uint32
	flags        uint32
	alphaCutoff  float32
	texWidth     uint32
	texHeight    uint32
	indexBase    uint32
	uvBase       uint32
	uvStride     uint32
	slot10       uint32
	slot11       uint32
	slot12       uint32
	slot13       uint32
	slot14       uint32
}

func (p params) toBytes() []byte {
	buf := make([]byte, 60)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.numTriangles)
	le.PutUint32(buf[4:], p.maxLevel)
	le.PutUint32(buf[8:], p.format)
	le.PutUint32(buf[12:], p.flags)
	le.PutUint32(buf[16:], math.Float32bits(p.alphaCutoff))
	le.PutUint32(buf[20:], p.texWidth)
	le.PutUint32(buf[24:], p.texHeight)
	le.PutUint32(buf[28:], p.indexBase)
	le.PutUint32(buf[32:], p.uvBase)
	le.PutUint32(buf[36:], p.uvStride)
	le.PutUint32(buf[40:], p.slot10)
	le.PutUint32(buf[44:], p.slot11)
	le.PutUint32(buf[48:], p.slot12)
	le.PutUint32(buf[52:], p.slot13)
	le.PutUint32(buf[56:], p.slot14)
	return buf
}

// flagsFor packs the classification toggles into the shader flag word.
func flagsFor(input micromap.BakeInput) uint32 {
	var f uint32
	if input.EnableSpecialIndices {
		f |= 1
	}
	if input.EnableLevelLineIntersection {
		f |= 2
	}
	return f
}

func encodeFloats(vals []float32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// raw unwraps a pipeline buffer created by the wgpu backend device.
func raw(buf device.Buffer) hal.Buffer {
	r, ok := buf.(rawBuffer)
	if !ok {
		panic(fmt.Sprintf("wgpu: %v: %q", ErrBufferNotBindable, buf.Label()))
	}
	return r.Raw()
}

// rawInput unwraps a mesh-owned input buffer, returning an error instead
// of panicking: mesh buffers come from the caller, not the pipeline.
func rawInput(buf device.Buffer) (hal.Buffer, error) {
	r, ok := buf.(rawBuffer)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBufferNotBindable, buf.Label())
	}
	return r.Raw(), nil
}
