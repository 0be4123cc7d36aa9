package micromap

import (
	"encoding/binary"

	"github.com/gogpu/micromap/device"
)

// BakeInput describes one geometry's bake job: where its triangles and
// texture coordinates live, which texture drives the alpha test, and how
// the output should be encoded.
type BakeInput struct {
	// AlphaTexture is the texture whose alpha channel is analyzed.
	AlphaTexture device.Texture

	// AlphaCutoff is the alpha-test threshold; samples above it are opaque.
	AlphaCutoff float32

	// BilinearFilter selects bilinear (rather than point) sampling during
	// classification, matching how the material will be sampled at render
	// time.
	BilinearFilter bool

	// IndexBuffer and the offsets below locate this geometry's triangles.
	IndexBuffer      device.Buffer
	IndexOffsetBytes uint64
	NumIndices       uint32

	// TexCoordBuffer holds the UV stream sampled for alpha lookup.
	TexCoordBuffer      device.Buffer
	TexCoordOffsetBytes uint64
	TexCoordStrideBytes uint64

	// MaxSubdivisionLevel caps the per-triangle subdivision; each level
	// quadruples the microtriangle count.
	MaxSubdivisionLevel uint32

	// DynamicSubdivisionScale scales subdivision by on-screen triangle
	// size; zero disables dynamic subdivision.
	DynamicSubdivisionScale float32

	// Format selects the opacity encoding.
	Format device.Format

	// EnableSpecialIndices collapses uniform triangles to special index
	// values instead of emitting a descriptor for them.
	EnableSpecialIndices bool

	// EnableTexCoordDeduplication merges triangles with identical UVs so
	// they share one OMM.
	EnableTexCoordDeduplication bool

	// Force32BitIndices disables the 16-bit OMM index optimization.
	Force32BitIndices bool

	// EnableLevelLineIntersection uses conservative level-line tests
	// instead of pure point sampling where the baker supports it.
	EnableLevelLineIntersection bool

	// MaxArrayDataSize caps the packed opacity array for this geometry,
	// in bytes. Zero means unlimited.
	MaxArrayDataSize uint64
}

// PreDispatchInfo reports, before any GPU work runs, how large each output
// buffer of a bake must be. The packed array size is deliberately absent:
// it depends on texture content and is only known after the Setup pass.
type PreDispatchInfo struct {
	IndexFormat     device.IndexFormat
	IndexCount      uint32
	IndexBufferSize uint64

	DescBufferSize uint64

	DescArrayHistogramSize uint64
	IndexHistogramSize     uint64

	PostDispatchInfoBufferSize uint64
}

// PostDispatchInfo is decoded from the Setup pass's GPU output. It carries
// the discovered packed-array size and the classification statistics.
type PostDispatchInfo struct {
	// ArrayDataSize is the number of bytes of packed opacity data the Bake
	// pass will produce.
	ArrayDataSize uint64

	TotalOpaqueCount      uint64
	TotalTransparentCount uint64
	TotalUnknownCount     uint64

	// DescCount is the number of OMM descriptors emitted.
	DescCount uint32
}

// BakeBuffers names the destination sub-regions of a dispatch. All buffers
// are shared across the geometries of one task; the offsets select this
// geometry's regions.
type BakeBuffers struct {
	// ArrayBuffer receives packed opacity data. Nil during Setup, when its
	// size is not yet known.
	ArrayBuffer device.Buffer
	ArrayOffset uint64

	DescBuffer device.Buffer
	DescOffset uint64

	IndexBuffer device.Buffer
	IndexOffset uint64

	DescHistogramBuffer device.Buffer
	DescHistogramOffset uint64

	IndexHistogramBuffer device.Buffer
	IndexHistogramOffset uint64

	PostDispatchInfoBuffer device.Buffer
	PostDispatchInfoOffset uint64
}

// Baker performs the micromap baking math. The pipeline treats it as
// opaque: it asks for buffer sizes, points dispatches at planned buffer
// regions, and decodes the raw bytes read back from the device.
//
// Implementations: bake.Baker (CPU reference) and bakewgpu.Baker (compute).
type Baker interface {
	// Init compiles pipelines or otherwise prepares the baker. Called once
	// from BuildQueue.Initialize.
	Init() error

	// GetPreDispatchInfo reports required output buffer sizes for input.
	GetPreDispatchInfo(input BakeInput) (PreDispatchInfo, error)

	// DispatchSetup runs the cheap analysis pass: histograms, OMM index
	// data, and post-dispatch info are written to the given regions.
	DispatchSetup(input BakeInput, out BakeBuffers) error

	// DispatchBake runs the expensive pass that fills the packed opacity
	// array and the OMM descriptors.
	DispatchBake(input BakeInput, out BakeBuffers) error

	// ReadPostDispatchInfo decodes a PostDispatchInfo from raw readback
	// bytes.
	ReadPostDispatchInfo(raw []byte) PostDispatchInfo

	// ReadHistogram decodes histogram entries from raw readback bytes,
	// dropping empty buckets.
	ReadHistogram(raw []byte) []device.HistogramEntry

	// Close releases baker resources.
	Close()
}

// Wire layout shared by all bakers. The queue copies these regions from
// GPU-visible buffers into one readback buffer and hands the raw bytes to
// the Baker for decoding, so every implementation must emit this exact
// little-endian layout.
const (
	// HistogramEntrySize is the encoded size of one histogram bucket:
	// count, subdivision level, format, each uint32.
	HistogramEntrySize = 12

	// PostDispatchInfoSize is the encoded size of PostDispatchInfo.
	PostDispatchInfoSize = 40
)

// EncodePostDispatchInfo appends the wire encoding of info to dst.
func EncodePostDispatchInfo(dst []byte, info PostDispatchInfo) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, info.ArrayDataSize)
	dst = binary.LittleEndian.AppendUint64(dst, info.TotalOpaqueCount)
	dst = binary.LittleEndian.AppendUint64(dst, info.TotalTransparentCount)
	dst = binary.LittleEndian.AppendUint64(dst, info.TotalUnknownCount)
	dst = binary.LittleEndian.AppendUint32(dst, info.DescCount)
	dst = binary.LittleEndian.AppendUint32(dst, 0) // reserved
	return dst
}

// DecodePostDispatchInfo decodes the wire encoding produced by
// EncodePostDispatchInfo. Short input yields a zero value.
func DecodePostDispatchInfo(raw []byte) PostDispatchInfo {
	if len(raw) < PostDispatchInfoSize {
		return PostDispatchInfo{}
	}
	return PostDispatchInfo{
		ArrayDataSize:         binary.LittleEndian.Uint64(raw[0:]),
		TotalOpaqueCount:      binary.LittleEndian.Uint64(raw[8:]),
		TotalTransparentCount: binary.LittleEndian.Uint64(raw[16:]),
		TotalUnknownCount:     binary.LittleEndian.Uint64(raw[24:]),
		DescCount:             binary.LittleEndian.Uint32(raw[32:]),
	}
}

// EncodeHistogram appends the wire encoding of entries to dst.
func EncodeHistogram(dst []byte, entries []device.HistogramEntry) []byte {
	for _, e := range entries {
		dst = binary.LittleEndian.AppendUint32(dst, e.Count)
		dst = binary.LittleEndian.AppendUint32(dst, e.SubdivisionLevel)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(e.Format))
	}
	return dst
}

// DecodeHistogram decodes histogram entries, dropping empty buckets.
func DecodeHistogram(raw []byte) []device.HistogramEntry {
	n := len(raw) / HistogramEntrySize
	entries := make([]device.HistogramEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * HistogramEntrySize
		e := device.HistogramEntry{
			Count:            binary.LittleEndian.Uint32(raw[off:]),
			SubdivisionLevel: binary.LittleEndian.Uint32(raw[off+4:]),
			Format:           device.Format(binary.LittleEndian.Uint32(raw[off+8:])),
		}
		if e.Count == 0 {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}
