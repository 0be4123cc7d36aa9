package backend

import "errors"

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Backend name constants.
const (
	// BackendSoftware is the name of the CPU-based in-memory device.
	BackendSoftware = "software"
	// BackendWGPU is the name of the GPU device (gogpu/wgpu).
	BackendWGPU = "wgpu"
)
