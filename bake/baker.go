// Package bake is the CPU reference baker.
//
// It implements micromap.Baker entirely on the host: triangles are read
// from CPU-visible buffers, microtriangles are classified against the
// alpha texture, and the packed results are uploaded through the device.
// It is exact rather than fast, and pairs with the software backend for
// tests, tooling, and machines without a GPU. The compute baker in
// bake/wgpu produces the same wire formats on the GPU.
package bake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/gogpu/micromap"
	"github.com/gogpu/micromap/cache"
	"github.com/gogpu/micromap/device"
)

// Baker errors.
var (
	// ErrBufferNotReadable is returned when an input buffer does not expose
	// its bytes to the CPU.
	ErrBufferNotReadable = errors.New("bake: buffer is not CPU-readable")

	// ErrTextureNotReadable is returned when an alpha texture does not
	// expose its image to the CPU.
	ErrTextureNotReadable = errors.New("bake: texture is not CPU-readable")

	// ErrBadIndexCount is returned when an index count is not a multiple
	// of three.
	ErrBadIndexCount = errors.New("bake: index count is not a multiple of 3")
)

// byteReader is implemented by CPU-resident buffers.
type byteReader interface{ Bytes() []byte }

// imageTexture is implemented by CPU-resident textures.
type imageTexture interface{ Image() image.Image }

// resultKey identifies one memoized bake. Two dispatches with the same key
// classify identically, so Setup and Bake share one computation.
type resultKey struct {
	texture     string
	indexOffset uint64
	numIndices  uint32
	cutoff      float32
	bilinear    bool
	maxLevel    uint32
	scale       float32
	format      device.Format
	special     bool
	dedup       bool
	force32     bool
	levelLine   bool
	budget      uint64
}

// Baker is the CPU implementation of micromap.Baker.
//
// Thread Safety:
// Dispatch methods are driven from the render thread like the rest of the
// pipeline. The alpha-plane cache is shared and safe for concurrent use,
// so multiple Bakers may coexist.
type Baker struct {
	dev device.Device

	planes *cache.ShardedCache[string, *alphaPlane]

	mu      sync.Mutex
	results map[resultKey]*bakeResult
}

// NewBaker creates a CPU baker issuing uploads through dev.
func NewBaker(dev device.Device) *Baker {
	return &Baker{
		dev:    dev,
		planes: cache.NewSharded[string, *alphaPlane](0, cache.StringHasher),
	}
}

// Init prepares the baker. The CPU path has no pipelines to compile.
func (b *Baker) Init() error {
	b.mu.Lock()
	b.results = make(map[resultKey]*bakeResult)
	b.mu.Unlock()
	micromap.Logger().Info("bake: software baker ready")
	return nil
}

// Close releases cached classification results and alpha planes.
func (b *Baker) Close() {
	b.mu.Lock()
	b.results = nil
	b.mu.Unlock()
	b.planes.Clear()
}

// GetPreDispatchInfo reports exact output sizes. The CPU baker classifies
// eagerly (and memoizes), so unlike a GPU baker it does not need to be
// conservative here; only the packed-array size is withheld, surfacing
// through the post-dispatch info like every other baker.
func (b *Baker) GetPreDispatchInfo(input micromap.BakeInput) (micromap.PreDispatchInfo, error) {
	res, err := b.classify(input)
	if err != nil {
		return micromap.PreDispatchInfo{}, err
	}

	format := device.IndexFormatUint16
	if input.Force32BitIndices || len(res.descs) > math.MaxInt16 {
		format = device.IndexFormatUint32
	}
	numTriangles := input.NumIndices / 3

	return micromap.PreDispatchInfo{
		IndexFormat:                format,
		IndexCount:                 numTriangles,
		IndexBufferSize:            uint64(numTriangles) * format.Bytes(),
		DescBufferSize:             uint64(len(res.descs)) * descEntrySize,
		DescArrayHistogramSize:     uint64(len(res.descHistogram)) * micromap.HistogramEntrySize,
		IndexHistogramSize:         uint64(len(res.indexHistogram)) * micromap.HistogramEntrySize,
		PostDispatchInfoBufferSize: micromap.PostDispatchInfoSize,
	}, nil
}

// DispatchSetup uploads the OMM index buffer, both histograms, and the
// post-dispatch info carrying the discovered array size.
func (b *Baker) DispatchSetup(input micromap.BakeInput, out micromap.BakeBuffers) error {
	res, err := b.classify(input)
	if err != nil {
		return err
	}
	pre, err := b.GetPreDispatchInfo(input)
	if err != nil {
		return err
	}

	if len(res.indices) > 0 {
		b.dev.WriteBuffer(out.IndexBuffer, out.IndexOffset, encodeIndices(res.indices, pre.IndexFormat))
	}
	if len(res.descHistogram) > 0 {
		b.dev.WriteBuffer(out.DescHistogramBuffer, out.DescHistogramOffset,
			micromap.EncodeHistogram(nil, res.descHistogram))
	}
	if len(res.indexHistogram) > 0 {
		b.dev.WriteBuffer(out.IndexHistogramBuffer, out.IndexHistogramOffset,
			micromap.EncodeHistogram(nil, res.indexHistogram))
	}
	b.dev.WriteBuffer(out.PostDispatchInfoBuffer, out.PostDispatchInfoOffset,
		micromap.EncodePostDispatchInfo(nil, micromap.PostDispatchInfo{
			ArrayDataSize:         uint64(len(res.array)),
			TotalOpaqueCount:      res.opaqueCount,
			TotalTransparentCount: res.transparentCount,
			TotalUnknownCount:     res.unknownCount,
			DescCount:             uint32(len(res.descs)),
		}))
	return nil
}

// DispatchBake uploads the descriptors and the packed opacity array.
func (b *Baker) DispatchBake(input micromap.BakeInput, out micromap.BakeBuffers) error {
	res, err := b.classify(input)
	if err != nil {
		return err
	}

	if len(res.descs) > 0 {
		b.dev.WriteBuffer(out.DescBuffer, out.DescOffset, encodeDescs(res.descs))
	}
	if len(res.array) > 0 {
		b.dev.WriteBuffer(out.ArrayBuffer, out.ArrayOffset, res.array)
	}
	return nil
}

// ReadPostDispatchInfo decodes post-dispatch info from readback bytes.
func (b *Baker) ReadPostDispatchInfo(raw []byte) micromap.PostDispatchInfo {
	return micromap.DecodePostDispatchInfo(raw)
}

// ReadHistogram decodes histogram entries from readback bytes.
func (b *Baker) ReadHistogram(raw []byte) []device.HistogramEntry {
	return micromap.DecodeHistogram(raw)
}

// classify runs (or recalls) the bake for input.
func (b *Baker) classify(input micromap.BakeInput) (*bakeResult, error) {
	key := keyFor(input)

	b.mu.Lock()
	if b.results == nil {
		b.results = make(map[resultKey]*bakeResult)
	}
	if res, ok := b.results[key]; ok {
		b.mu.Unlock()
		return res, nil
	}
	b.mu.Unlock()

	tris, err := b.readTriangles(input)
	if err != nil {
		return nil, err
	}
	plane, err := b.alphaPlaneFor(input.AlphaTexture)
	if err != nil {
		return nil, err
	}

	c := &classifier{
		input:  input,
		plane:  plane,
		tris:   tris,
		budget: input.MaxArrayDataSize,
	}
	res := c.run()

	micromap.Logger().Debug("bake: geometry classified",
		"triangles", len(tris),
		"descs", len(res.descs),
		"array_bytes", len(res.array),
		"unknown", res.unknownCount)

	b.mu.Lock()
	b.results[key] = res
	b.mu.Unlock()
	return res, nil
}

// alphaPlaneFor decodes (or recalls) the texture's alpha plane. A nil
// texture is a fully opaque material.
func (b *Baker) alphaPlaneFor(tex device.Texture) (*alphaPlane, error) {
	if tex == nil {
		return nil, nil
	}
	it, ok := tex.(imageTexture)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTextureNotReadable, tex.Label())
	}
	return b.planes.GetOrCreate(tex.Label(), func() *alphaPlane {
		return newAlphaPlane(it.Image())
	}), nil
}

// readTriangles decodes the geometry's UV triangles from its CPU-visible
// index and texcoord buffers. Mesh index buffers are 32-bit.
func (b *Baker) readTriangles(input micromap.BakeInput) ([]triangle, error) {
	if input.NumIndices%3 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadIndexCount, input.NumIndices)
	}

	indexData, err := bufferBytes(input.IndexBuffer)
	if err != nil {
		return nil, err
	}
	uvData, err := bufferBytes(input.TexCoordBuffer)
	if err != nil {
		return nil, err
	}

	readUV := func(vertex uint32) uv {
		off := input.TexCoordOffsetBytes + uint64(vertex)*input.TexCoordStrideBytes
		return uv{
			u: float64(math.Float32frombits(binary.LittleEndian.Uint32(uvData[off:]))),
			v: float64(math.Float32frombits(binary.LittleEndian.Uint32(uvData[off+4:]))),
		}
	}

	tris := make([]triangle, 0, input.NumIndices/3)
	for i := uint32(0); i < input.NumIndices; i += 3 {
		off := input.IndexOffsetBytes + uint64(i)*4
		tris = append(tris, triangle{
			a: readUV(binary.LittleEndian.Uint32(indexData[off:])),
			b: readUV(binary.LittleEndian.Uint32(indexData[off+4:])),
			c: readUV(binary.LittleEndian.Uint32(indexData[off+8:])),
		})
	}
	return tris, nil
}

func bufferBytes(buf device.Buffer) ([]byte, error) {
	r, ok := buf.(byteReader)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBufferNotReadable, buf.Label())
	}
	return r.Bytes(), nil
}

func keyFor(input micromap.BakeInput) resultKey {
	key := resultKey{
		indexOffset: input.IndexOffsetBytes,
		numIndices:  input.NumIndices,
		cutoff:      input.AlphaCutoff,
		bilinear:    input.BilinearFilter,
		maxLevel:    input.MaxSubdivisionLevel,
		scale:       input.DynamicSubdivisionScale,
		format:      input.Format,
		special:     input.EnableSpecialIndices,
		dedup:       input.EnableTexCoordDeduplication,
		force32:     input.Force32BitIndices,
		levelLine:   input.EnableLevelLineIntersection,
		budget:      input.MaxArrayDataSize,
	}
	if input.AlphaTexture != nil {
		key.texture = input.AlphaTexture.Label()
	}
	return key
}
