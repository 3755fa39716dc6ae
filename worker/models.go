package worker

import "errors"

// Stage-level failure taxonomy. The client never retries; retry policy
// belongs to the caller.
var (
	ErrUnavailable   = errors.New("worker: inference worker unavailable")
	ErrTimeout       = errors.New("worker: inference call timed out")
	ErrWorker        = errors.New("worker: inference worker reported an error")
	ErrInvalidOutput = errors.New("worker: inference worker returned invalid output")
)

// ImageRequest asks the worker to synthesize one image from a text prompt.
type ImageRequest struct {
	Prompt string
	Width  int
	Height int
	Steps  int
}

// ImageResult is the synthesized PNG.
type ImageResult struct {
	PNG              []byte
	GenerationTimeMS int64
}

// MeshRequest asks the worker to reconstruct a mesh from a single image.
type MeshRequest struct {
	ImagePNG []byte
}

// MeshResult is the reconstructed GLB.
type MeshResult struct {
	GLB              []byte
	GenerationTimeMS int64
}

// ExportRequest asks the worker to re-encode a GLB mesh into a target format.
type ExportRequest struct {
	GLB    []byte
	Format string
}

// ExportResult is the encoded mesh in the requested format.
type ExportResult struct {
	Data   []byte
	Format string
}

// HealthStatus reports accelerator availability and memory headroom.
type HealthStatus struct {
	GPUAvailable bool    `json:"gpu_available"`
	GPUName      string  `json:"gpu_name"`
	VRAMTotalGB  float64 `json:"vram_total_gb"`
	VRAMFreeGB   float64 `json:"vram_free_gb"`
}

// UsedGB is the occupied portion of accelerator memory.
func (h HealthStatus) UsedGB() float64 {
	used := h.VRAMTotalGB - h.VRAMFreeGB
	if used < 0 {
		return 0
	}
	return used
}
