package scene

import (
	"fmt"
	"testing"

	"github.com/gogpu/micromap/device"
)

type stubAccelStruct struct{ label string }

func (a *stubAccelStruct) Label() string { return a.label }

func TestTableAddGet(t *testing.T) {
	tab := NewTable()

	var ids []MeshID
	for i := 0; i < 4; i++ {
		ids = append(ids, tab.Add(&Mesh{Name: fmt.Sprintf("mesh%d", i)}))
	}
	if tab.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", tab.Len())
	}

	for i, id := range ids {
		m, ok := tab.Get(id)
		if !ok {
			t.Fatalf("Get(%d) not found", id)
		}
		if want := fmt.Sprintf("mesh%d", i); m.Name != want {
			t.Errorf("Get(%d).Name = %q, want %q", id, m.Name, want)
		}
	}
}

func TestTableGetInvalid(t *testing.T) {
	tab := NewTable()
	tab.Add(&Mesh{Name: "only"})

	if _, ok := tab.Get(InvalidMesh); ok {
		t.Error("Get(InvalidMesh) = ok, want not found")
	}
	if _, ok := tab.Get(MeshID(1)); ok {
		t.Error("Get past end = ok, want not found")
	}
	// Handles above math.MaxInt32 must not wrap negative in the range check.
	if _, ok := tab.Get(MeshID(1 << 31)); ok {
		t.Error("Get(1<<31) = ok, want not found")
	}
}

func TestMeshAttach(t *testing.T) {
	m := &Mesh{
		Name:       "door",
		Geometries: []*Geometry{{NumIndices: 6}, {NumIndices: 12}},
	}
	if m.HasBuildOutputs() {
		t.Fatal("fresh mesh reports build outputs")
	}

	out := BuildOutputs{
		AccelStructOMM: &stubAccelStruct{label: "door/blas_omm"},
		DebugData: &DebugData{
			OmmArrayDataDescriptor: 7,
			OmmDescDescriptor:      8,
			OmmIndexDescriptor:     9,
		},
		GeometryDebug: map[int]GeometryDebugData{
			1: {
				OmmArrayDataOffset:   256,
				OmmIndexFormat:       device.IndexFormatUint32,
				OmmStatsTotalKnown:   60,
				OmmStatsTotalUnknown: 4,
			},
		},
	}
	m.Attach(out)

	if !m.HasBuildOutputs() {
		t.Error("HasBuildOutputs = false after Attach")
	}
	if !m.DebugDataDirty {
		t.Error("DebugDataDirty = false after Attach")
	}
	if m.AccelStructOMM == nil || m.AccelStructOMM.Label() != "door/blas_omm" {
		t.Errorf("AccelStructOMM = %v, want door/blas_omm", m.AccelStructOMM)
	}

	// Only the named geometry's debug record is written.
	if got := m.Geometries[0].DebugData; got != (GeometryDebugData{}) {
		t.Errorf("geometry 0 debug data = %+v, want zero", got)
	}
	if got := m.Geometries[1].DebugData.OmmStatsTotalKnown; got != 60 {
		t.Errorf("geometry 1 OmmStatsTotalKnown = %d, want 60", got)
	}
}
