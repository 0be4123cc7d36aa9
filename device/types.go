// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import "fmt"

// Format is an opacity micromap encoding format.
type Format uint32

const (
	// FormatOC1_2State encodes each microtriangle in one bit:
	// transparent or opaque.
	FormatOC1_2State Format = 1

	// FormatOC1_4State encodes each microtriangle in two bits, adding
	// unknown-transparent and unknown-opaque states that force the
	// any-hit shader to run.
	FormatOC1_4State Format = 2
)

// String returns the string representation of Format.
func (f Format) String() string {
	switch f {
	case FormatOC1_2State:
		return "OC1_2State"
	case FormatOC1_4State:
		return "OC1_4State"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(f))
	}
}

// BitsPerState returns the number of bits used per microtriangle.
func (f Format) BitsPerState() uint32 {
	if f == FormatOC1_4State {
		return 2
	}
	return 1
}

// OpacityState is the classification of a single microtriangle.
type OpacityState uint32

const (
	// StateTransparent means rays pass through without shader invocation.
	StateTransparent OpacityState = 0

	// StateOpaque means rays hit without shader invocation.
	StateOpaque OpacityState = 1

	// StateUnknownTransparent is ambiguous coverage leaning transparent;
	// resolved by the any-hit shader.
	StateUnknownTransparent OpacityState = 2

	// StateUnknownOpaque is ambiguous coverage leaning opaque; resolved by
	// the any-hit shader.
	StateUnknownOpaque OpacityState = 3
)

// String returns the string representation of OpacityState.
func (s OpacityState) String() string {
	switch s {
	case StateTransparent:
		return "Transparent"
	case StateOpaque:
		return "Opaque"
	case StateUnknownTransparent:
		return "UnknownTransparent"
	case StateUnknownOpaque:
		return "UnknownOpaque"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(s))
	}
}

// Known reports whether the state avoids any-hit shader invocation.
func (s OpacityState) Known() bool {
	return s == StateTransparent || s == StateOpaque
}

// Special OMM index values. A triangle whose microtriangles all share one
// state references no OMM descriptor; its index entry is one of these
// negative sentinels instead.
const (
	SpecialIndexFullyTransparent        int32 = -1
	SpecialIndexFullyOpaque             int32 = -2
	SpecialIndexFullyUnknownTransparent int32 = -3
	SpecialIndexFullyUnknownOpaque      int32 = -4
)

// SpecialIndexFor returns the special OMM index for a uniform state.
func SpecialIndexFor(s OpacityState) int32 {
	switch s {
	case StateTransparent:
		return SpecialIndexFullyTransparent
	case StateOpaque:
		return SpecialIndexFullyOpaque
	case StateUnknownTransparent:
		return SpecialIndexFullyUnknownTransparent
	default:
		return SpecialIndexFullyUnknownOpaque
	}
}

// IndexFormat is the element width of an OMM index buffer.
type IndexFormat uint32

const (
	// IndexFormatUint16 uses 16-bit OMM indices.
	IndexFormatUint16 IndexFormat = iota

	// IndexFormatUint32 uses 32-bit OMM indices.
	IndexFormatUint32
)

// String returns the string representation of IndexFormat.
func (f IndexFormat) String() string {
	switch f {
	case IndexFormatUint16:
		return "Uint16"
	case IndexFormatUint32:
		return "Uint32"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(f))
	}
}

// Bytes returns the size of one index element.
func (f IndexFormat) Bytes() uint64 {
	if f == IndexFormatUint32 {
		return 4
	}
	return 2
}

// HistogramEntry counts OMMs (or OMM index references) sharing one
// subdivision level and format. Histograms size buffers and describe
// micromap and acceleration-structure build inputs.
type HistogramEntry struct {
	// Count is the number of OMMs in this bucket.
	Count uint32

	// SubdivisionLevel is the bucket's subdivision level.
	SubdivisionLevel uint32

	// Format is the bucket's encoding format.
	Format Format
}

// BuildFlags tune micromap and acceleration-structure builds.
type BuildFlags uint32

const (
	// BuildFlagNone requests default build behavior.
	BuildFlagNone BuildFlags = 0

	// BuildFlagFastTrace optimizes the built structure for traversal speed.
	BuildFlagFastTrace BuildFlags = 1 << iota

	// BuildFlagFastBuild optimizes for build speed.
	BuildFlagFastBuild
)

// MicromapDesc describes one opacity-micromap object to build. The packed
// array data and the per-OMM descriptors are sub-regions of shared buffers.
type MicromapDesc struct {
	// Label is the debug label.
	Label string

	// Flags tune the build.
	Flags BuildFlags

	// Counts is the usage histogram of the descriptors referenced.
	Counts []HistogramEntry

	// InputBuffer holds the packed opacity array data.
	InputBuffer Buffer

	// InputBufferOffset is the byte offset of this micromap's array data.
	InputBufferOffset uint64

	// DescBuffer holds the per-OMM descriptors.
	DescBuffer Buffer

	// DescBufferOffset is the byte offset of this micromap's descriptors.
	DescBufferOffset uint64
}

// OmmAttachment links a built micromap into one geometry of an
// acceleration-structure build.
type OmmAttachment struct {
	Micromap          Micromap
	IndexFormat       IndexFormat
	IndexHistogram    []HistogramEntry
	IndexBuffer       Buffer
	IndexBufferOffset uint64
	ArrayDataBuffer   Buffer
	ArrayDataOffset   uint64
}

// GeometryDesc describes one geometry of an acceleration-structure build.
type GeometryDesc struct {
	IndexBuffer      Buffer
	IndexOffsetBytes uint64
	NumIndices       uint32
	VertexBuffer     Buffer
	VertexOffset     uint64
	VertexStride     uint64

	// OMM is the opacity micromap attached to this geometry, or nil.
	OMM *OmmAttachment
}

// AccelStructDesc describes a bottom-level acceleration structure.
type AccelStructDesc struct {
	// Label is the debug label.
	Label string

	// Flags tune the build.
	Flags BuildFlags

	// Geometries lists the mesh geometries, in mesh order.
	Geometries []GeometryDesc
}
