// Package micromap builds opacity micromaps (OMMs) for ray-traced alpha
// testing, amortized across frames so the render loop never stalls.
//
// # Overview
//
// An opacity micromap stores per-microtriangle opacity states that let the
// ray-tracing hardware (or a compute traversal) skip any-hit shading for
// regions known to be fully opaque or fully transparent. Producing one is a
// two-phase GPU job: a cheap Setup pass analyzes each geometry and reports
// how large the packed opacity array will be — a function of the alpha
// texture's content, unknowable up front — and an expensive Bake pass fills
// that array once it has been allocated.
//
// BuildQueue drives this as a tick-based state machine. Each queued mesh
// becomes a task that advances through Setup, BakeAndBuild, and a finalize
// step, one state transition per Update call, each transition gated on a
// non-blocking fence poll. A task therefore takes a minimum of three frames
// to complete, and the per-frame CPU and submission cost stays bounded no
// matter how deep the queue is.
//
// # Collaborators
//
// The pipeline is backend-agnostic. GPU access goes through device.Device
// (implementations in backend and backend/wgpu) and the baking math goes
// through the Baker interface (implementations in bake and bake/wgpu).
//
// # Basic usage
//
//	dev := backend.MustDefault()
//	meshes := scene.NewTable()
//	q := micromap.NewBuildQueue(dev, bake.NewBaker(dev), meshes)
//	if err := q.Initialize(); err != nil { ... }
//
//	id := meshes.Add(mesh)
//	_ = q.QueueBuild(micromap.BuildInput{
//	    Mesh:       id,
//	    Geometries: []micromap.GeometrySettings{micromap.DefaultGeometrySettings(0)},
//	})
//
//	// Once per frame:
//	q.Update()
//
// # Logging
//
// micromap produces no log output by default. Call SetLogger to enable it.
package micromap
