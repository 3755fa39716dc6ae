package generation

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"brightforge_back/worker"
)

// SessionState is the lifecycle position of one generation session.
// pending → running → {completed, failed, timed_out, cancelled}, plus
// pending → cancelled. Terminal states are final.
type SessionState string

const (
	StatePending   SessionState = "pending"
	StateRunning   SessionState = "running"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateTimedOut  SessionState = "timed_out"
	StateCancelled SessionState = "cancelled"
)

// Terminal reports whether no further transition may occur.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// PipelineKind selects one fixed ordered stage list at session construction.
type PipelineKind string

const (
	// PipelineFull runs prompt→image→mesh→export(glb)→export(fbx).
	PipelineFull PipelineKind = "full_pipeline"
	// PipelineImageToMesh runs image→mesh→export(glb)→export(fbx).
	PipelineImageToMesh PipelineKind = "image_to_mesh"
	// PipelineImageOnly runs the single prompt→image stage.
	PipelineImageOnly PipelineKind = "image_only"
)

type StageName string

const (
	StagePromptImage StageName = "prompt_image"
	StageImageMesh   StageName = "image_mesh"
	StageExportGLB   StageName = "export_glb"
	StageExportFBX   StageName = "export_fbx"
)

// stagesFor returns the closed stage list for a pipeline kind, or nil for an
// unknown kind.
func stagesFor(kind PipelineKind) []StageName {
	switch kind {
	case PipelineFull:
		return []StageName{StagePromptImage, StageImageMesh, StageExportGLB, StageExportFBX}
	case PipelineImageToMesh:
		return []StageName{StageImageMesh, StageExportGLB, StageExportFBX}
	case PipelineImageOnly:
		return []StageName{StagePromptImage}
	default:
		return nil
	}
}

// Request is the transient input consumed to construct a session.
type Request struct {
	Kind           PipelineKind
	Prompt         string
	ImagePNG       []byte
	ProjectID      uint64
	Width          int
	Height         int
	Steps          int
	TimeoutSeconds int
}

// StageResult records one stage outcome on the session.
type StageResult struct {
	Stage      StageName `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
}

// SessionView is the read-only snapshot exposed to callers. It is always
// consistent with the last completed transition.
type SessionView struct {
	ID           string        `json:"id"`
	Kind         PipelineKind  `json:"kind"`
	ProjectID    uint64        `json:"project_id"`
	State        SessionState  `json:"state"`
	CurrentStage StageName     `json:"current_stage,omitempty"`
	Stages       []StageResult `json:"stages"`
	EnqueuedAt   time.Time     `json:"enqueued_at"`
	AdmittedAt   *time.Time    `json:"admitted_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Error        string        `json:"error,omitempty"`
	AssetIDs     []uint64      `json:"asset_ids,omitempty"`
}

// session is owned exclusively by the scheduler; all fields except the
// cancel flag are guarded by the scheduler mutex.
type session struct {
	id           string
	request      Request
	stages       []StageName
	timeout      time.Duration
	state        SessionState
	currentStage StageName
	results      []StageResult
	enqueuedAt   time.Time
	admittedAt   *time.Time
	finishedAt   *time.Time
	lastErr      error
	assetIDs     []uint64

	cancelRequested atomic.Bool
}

func (s *session) view() SessionView {
	view := SessionView{
		ID:           s.id,
		Kind:         s.request.Kind,
		ProjectID:    s.request.ProjectID,
		State:        s.state,
		CurrentStage: s.currentStage,
		Stages:       append([]StageResult(nil), s.results...),
		EnqueuedAt:   s.enqueuedAt,
		AdmittedAt:   s.admittedAt,
		FinishedAt:   s.finishedAt,
		AssetIDs:     append([]uint64(nil), s.assetIDs...),
	}
	if s.lastErr != nil {
		view.Error = s.lastErr.Error()
	}
	return view
}

// Workers is the external generation capability consumed by the pipeline.
// worker.Client satisfies it; tests substitute fakes.
type Workers interface {
	GenerateImage(ctx context.Context, req worker.ImageRequest) (*worker.ImageResult, error)
	GenerateMesh(ctx context.Context, req worker.MeshRequest) (*worker.MeshResult, error)
	ExportMesh(ctx context.Context, req worker.ExportRequest) (*worker.ExportResult, error)
}

const (
	defaultSessionTimeout = 300 * time.Second
	maxSessionTimeout     = 900 * time.Second
	maxConcurrency        = 4
	minPromptLen          = 3
	maxPromptLen          = 2000
	minDimension          = 512
	maxDimension          = 2048
	maxImageBytes         = 20 * 1024 * 1024
)

// Config tunes the scheduler. Zero values fall back to defaults.
type Config struct {
	Concurrency    int
	SessionTimeout time.Duration
	Tick           time.Duration
	Retention      time.Duration
	DefaultWidth   int
	DefaultHeight  int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Concurrency > maxConcurrency {
		log.Printf("generation: concurrency %d exceeds maximum, clamping to %d", c.Concurrency, maxConcurrency)
		c.Concurrency = maxConcurrency
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.SessionTimeout > maxSessionTimeout {
		c.SessionTimeout = maxSessionTimeout
	}
	if c.Tick <= 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.DefaultWidth <= 0 {
		c.DefaultWidth = 1024
	}
	if c.DefaultHeight <= 0 {
		c.DefaultHeight = 1024
	}
	return c
}

// ConfigFromEnv reads the GENERATION_* / SESSION_* environment variables.
func ConfigFromEnv() Config {
	cfg := Config{}
	if v := envInt("GENERATION_CONCURRENCY"); v > 0 {
		cfg.Concurrency = v
	}
	if v := envInt("GENERATION_TIMEOUT_SECONDS"); v > 0 {
		cfg.SessionTimeout = time.Duration(v) * time.Second
	}
	if v := envInt("SESSION_RETENTION_MINUTES"); v > 0 {
		cfg.Retention = time.Duration(v) * time.Minute
	}
	if v := envInt("GENERATION_DEFAULT_WIDTH"); v > 0 {
		cfg.DefaultWidth = v
	}
	if v := envInt("GENERATION_DEFAULT_HEIGHT"); v > 0 {
		cfg.DefaultHeight = v
	}
	return cfg.withDefaults()
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("generation: ignoring non-numeric %s=%q", key, raw)
		return 0
	}
	return parsed
}
