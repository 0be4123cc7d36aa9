// Package backend provides a pluggable GPU device abstraction for the
// micromap build pipeline.
//
// The backend package allows the pipeline to run against multiple device
// implementations: a CPU-based software device (always available, used for
// tests and tooling) and a GPU device via gogpu/wgpu.
//
// # Backend Registration
//
// Backends are registered via init() functions and selected at runtime.
// The software backend is automatically registered on import:
//
//	import _ "github.com/gogpu/micromap/backend"
//
// # Backend Selection
//
// Use Default() to get the best available backend, or Get() to request
// a specific backend by name:
//
//	// Get the default (best available) device
//	dev := backend.Default()
//
//	// Or request a specific backend
//	dev := backend.Get("software")
//
// # Available Backends
//
// - "software": in-memory CPU device (always available)
// - "wgpu": GPU device via gogpu/wgpu (registered by importing backend/wgpu)
package backend
