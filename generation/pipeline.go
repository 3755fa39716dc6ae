package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"brightforge_back/projects"
	"brightforge_back/storage"
	"brightforge_back/worker"
	"gorm.io/datatypes"
)

// stageObserver lets the scheduler track progress without the driver ever
// touching session state directly.
type stageObserver struct {
	onStart   func(StageName)
	onEnd     func(StageResult)
	cancelled func() bool
}

// pipelineDriver sequences a session's stages, persists their outputs and
// records the resulting assets. Stateless across sessions.
type pipelineDriver struct {
	workers  Workers
	store    storage.ArtifactStore
	registry *projects.Registry
}

// run drives every stage in order. The cancellation flag is consulted before
// and after each stage; an in-flight stage is never interrupted by cancel.
func (d *pipelineDriver) run(ctx context.Context, req Request, stages []StageName, obs stageObserver) ([]uint64, error) {
	imagePNG := req.ImagePNG
	var meshGLB []byte
	exports := make(map[string][]byte, 2)

	for _, stage := range stages {
		if obs.cancelled() {
			return nil, ErrSessionCancelled
		}

		obs.onStart(stage)
		started := time.Now().UTC()
		output, err := d.executeStage(ctx, stage, req, imagePNG, meshGLB)
		finished := time.Now().UTC()

		result := StageResult{
			Stage:      stage,
			StartedAt:  started,
			FinishedAt: finished,
			DurationMS: finished.Sub(started).Milliseconds(),
			OK:         err == nil,
		}
		if err != nil {
			result.Error = err.Error()
		}
		obs.onEnd(result)

		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}

		switch stage {
		case StagePromptImage:
			imagePNG = output
		case StageImageMesh:
			meshGLB = output
		case StageExportGLB:
			exports["glb"] = output
		case StageExportFBX:
			exports["fbx"] = output
		}

		if obs.cancelled() {
			return nil, ErrSessionCancelled
		}
	}

	return d.persistOutputs(ctx, req, imagePNG, exports)
}

// executeStage invokes one worker capability. A panic inside the capability
// is observed as a stage failure, never as a scheduler fault.
func (d *pipelineDriver) executeStage(ctx context.Context, stage StageName, req Request, imagePNG, meshGLB []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("%w: stage executor panic: %v", worker.ErrWorker, r)
		}
	}()

	switch stage {
	case StagePromptImage:
		result, err := d.workers.GenerateImage(ctx, worker.ImageRequest{
			Prompt: req.Prompt,
			Width:  req.Width,
			Height: req.Height,
			Steps:  req.Steps,
		})
		if err != nil {
			return nil, err
		}
		return result.PNG, nil
	case StageImageMesh:
		result, err := d.workers.GenerateMesh(ctx, worker.MeshRequest{ImagePNG: imagePNG})
		if err != nil {
			return nil, err
		}
		return result.GLB, nil
	case StageExportGLB, StageExportFBX:
		format := "glb"
		if stage == StageExportFBX {
			format = "fbx"
		}
		result, err := d.workers.ExportMesh(ctx, worker.ExportRequest{GLB: meshGLB, Format: format})
		if err != nil {
			return nil, err
		}
		return result.Data, nil
	default:
		return nil, fmt.Errorf("%w: unknown stage %q", worker.ErrWorker, stage)
	}
}

// persistOutputs stores every final artifact and records one asset per
// export format. Runs only after all stages succeeded; a failed session
// never reaches it, so partial outputs are never registered.
func (d *pipelineDriver) persistOutputs(ctx context.Context, req Request, imagePNG []byte, exports map[string][]byte) ([]uint64, error) {
	params, err := json.Marshal(map[string]any{
		"pipeline": req.Kind,
		"prompt":   req.Prompt,
		"width":    req.Width,
		"height":   req.Height,
		"steps":    req.Steps,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generation params: %w", err)
	}

	now := time.Now().UTC()
	type output struct {
		kind        string
		format      string
		contentType string
		data        []byte
	}
	var outputs []output
	if req.Kind == PipelineImageOnly {
		outputs = append(outputs, output{projects.AssetKindImage, "png", "image/png", imagePNG})
	} else {
		// Deterministic order: glb before fbx, matching the stage list.
		for _, format := range []string{"glb", "fbx"} {
			data, ok := exports[format]
			if !ok {
				continue
			}
			contentType := "model/gltf-binary"
			if format == "fbx" {
				contentType = "application/octet-stream"
			}
			outputs = append(outputs, output{projects.AssetKindMesh, format, contentType, data})
		}
	}

	assetIDs := make([]uint64, 0, len(outputs))
	for _, out := range outputs {
		fileName := storage.ArtifactFileName(out.kind, out.format, now)
		artifact, err := d.store.Save(ctx, req.ProjectID, fileName, out.data, out.contentType)
		if err != nil {
			return nil, fmt.Errorf("persist %s artifact: %w", out.format, err)
		}

		asset, err := d.registry.RecordAsset(ctx, req.ProjectID, projects.Asset{
			Name:       fmt.Sprintf("%s_%d", out.kind, now.UnixMilli()),
			Kind:       out.kind,
			Format:     out.format,
			FilePath:   artifact.Location,
			StorageKey: artifact.Key,
			Params:     datatypes.JSON(params),
		})
		if err != nil {
			return nil, fmt.Errorf("record %s asset: %w", out.format, err)
		}
		assetIDs = append(assetIDs, asset.ID)
	}
	return assetIDs, nil
}
