// Package scene holds the caller-owned mesh table the build pipeline
// attaches its outputs to.
//
// The pipeline never stores mesh pointers across frames; it stores MeshID
// handles and resolves them through the Table on each access. The caller
// owns mesh lifetime and must keep a mesh registered for as long as a
// build referencing it is pending.
package scene

import (
	"sync"

	"github.com/gogpu/micromap/device"
)

// MeshID is a handle into a Table.
type MeshID uint32

// InvalidMesh is the zero-value-adjacent sentinel for "no mesh".
const InvalidMesh MeshID = 0xFFFFFFFF

// GeometryDebugData is the per-geometry debug record filled in when a
// micromap build for the owning mesh completes.
type GeometryDebugData struct {
	OmmArrayDataOffset uint32
	OmmDescOffset      uint32
	OmmIndexOffset     uint32
	OmmIndexFormat     device.IndexFormat

	// OmmStatsTotalKnown counts microtriangles classified opaque or
	// transparent; OmmStatsTotalUnknown counts the rest.
	OmmStatsTotalKnown   uint64
	OmmStatsTotalUnknown uint64
}

// Geometry is one material-range of a mesh.
type Geometry struct {
	// IndexOffsetInMesh and VertexOffsetInMesh locate this geometry's
	// elements inside the mesh's shared buffers.
	IndexOffsetInMesh  uint32
	VertexOffsetInMesh uint32
	NumIndices         uint32

	// AlphaTexture is the material's alpha-tested texture, nil for fully
	// opaque materials.
	AlphaTexture device.Texture

	// AlphaCutoff is the alpha-test threshold.
	AlphaCutoff float32

	// DebugData is written once by the build pipeline.
	DebugData GeometryDebugData
}

// DebugData exposes a completed build's buffers for bindless debug access.
type DebugData struct {
	OmmArrayDataBuffer device.Buffer
	OmmDescBuffer      device.Buffer
	OmmIndexBuffer     device.Buffer

	OmmArrayDataDescriptor device.DescriptorIndex
	OmmDescDescriptor      device.DescriptorIndex
	OmmIndexDescriptor     device.DescriptorIndex
}

// BuildOutputs is everything a completed micromap build attaches to a mesh.
// Attachment happens in one call so a mesh is never observed half-attached.
type BuildOutputs struct {
	Micromaps      []device.Micromap
	AccelStructOMM device.AccelStruct
	DebugData      *DebugData

	// GeometryDebug is keyed by geometry index within the mesh.
	GeometryDebug map[int]GeometryDebugData
}

// Mesh is one renderable mesh. The micromap-related fields (Micromaps,
// AccelStructOMM, DebugData, per-geometry DebugData) are owned by the build
// pipeline: it is their only writer, and it writes them exactly once.
type Mesh struct {
	Name string

	// Shared geometry buffers. IndexOffset/VertexOffset are this mesh's
	// element offsets within scene-global buffers, if the caller pools
	// meshes; zero otherwise.
	IndexBuffer  device.Buffer
	VertexBuffer device.Buffer
	IndexOffset  uint32
	VertexOffset uint32

	// TexCoordByteOffset and TexCoordStride locate the UV stream used for
	// alpha lookup inside VertexBuffer.
	TexCoordByteOffset uint64
	TexCoordStride     uint64

	Geometries []*Geometry

	// Build pipeline outputs.
	Micromaps      []device.Micromap
	AccelStructOMM device.AccelStruct
	DebugData      *DebugData
	DebugDataDirty bool
}

// HasBuildOutputs reports whether a micromap build already completed for
// this mesh.
func (m *Mesh) HasBuildOutputs() bool {
	return m.DebugData != nil
}

// Attach installs a completed build's outputs. All fields are written
// together; callers on other goroutines must not read the micromap fields
// while the render thread is inside Attach.
func (m *Mesh) Attach(out BuildOutputs) {
	for idx, dd := range out.GeometryDebug {
		m.Geometries[idx].DebugData = dd
	}
	m.Micromaps = out.Micromaps
	m.AccelStructOMM = out.AccelStructOMM
	m.DebugData = out.DebugData
	m.DebugDataDirty = true
}

// Table is a registry of meshes addressed by MeshID.
//
// Table is safe for concurrent use; individual Mesh values are not, see
// the field comments on Mesh.
type Table struct {
	mu     sync.RWMutex
	meshes []*Mesh
}

// NewTable creates an empty mesh table.
func NewTable() *Table {
	return &Table{}
}

// Add registers a mesh and returns its handle.
func (t *Table) Add(m *Mesh) MeshID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meshes = append(t.meshes, m)
	return MeshID(len(t.meshes) - 1)
}

// Get resolves a handle. Returns false for InvalidMesh or an out-of-range
// handle.
func (t *Table) Get(id MeshID) (*Mesh, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	// Compare in 64 bits: int(id) would go negative for large handles on
	// 32-bit platforms and slip past the range check.
	if id == InvalidMesh || uint64(id) >= uint64(len(t.meshes)) {
		return nil, false
	}
	return t.meshes[id], true
}

// Len returns the number of registered meshes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.meshes)
}
