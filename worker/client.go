package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultStageTimeout = 120 * time.Second

// Client talks to the Python inference worker over HTTP. One call maps to
// one pipeline stage; every call carries a bounded timeout smaller than the
// session-level limit.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	stageTimeout time.Duration
}

// NewClientFromEnv configures the client from WORKER_* environment variables.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("WORKER_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8001"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("worker: invalid base URL %q", baseURL)
	}

	stageTimeout := defaultStageTimeout
	if raw := strings.TrimSpace(os.Getenv("WORKER_STAGE_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			stageTimeout = time.Duration(parsed) * time.Second
		}
	}

	return NewClient(baseURL, stageTimeout), nil
}

func NewClient(baseURL string, stageTimeout time.Duration) *Client {
	if stageTimeout <= 0 {
		stageTimeout = defaultStageTimeout
	}
	return &Client{
		// Per-call deadlines come from the stage context; no client-wide
		// timeout so health checks can use a much shorter one.
		httpClient:   &http.Client{},
		baseURL:      strings.TrimRight(baseURL, "/"),
		stageTimeout: stageTimeout,
	}
}

// StageTimeout is the bound applied to every generation call.
func (c *Client) StageTimeout() time.Duration {
	if c == nil {
		return defaultStageTimeout
	}
	return c.stageTimeout
}

// GenerateImage synthesizes a PNG image from a text prompt.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if c == nil {
		return nil, ErrUnavailable
	}

	form := map[string]string{
		"prompt": req.Prompt,
		"width":  strconv.Itoa(req.Width),
		"height": strconv.Itoa(req.Height),
	}
	if req.Steps > 0 {
		form["steps"] = strconv.Itoa(req.Steps)
	}

	body, elapsed, err := c.postForm(ctx, "/generate/image", form, nil, "")
	if err != nil {
		return nil, err
	}
	if !looksLikePNG(body) {
		return nil, fmt.Errorf("%w: expected PNG image", ErrInvalidOutput)
	}
	return &ImageResult{PNG: body, GenerationTimeMS: elapsed}, nil
}

// GenerateMesh reconstructs a GLB mesh from a single PNG image.
func (c *Client) GenerateMesh(ctx context.Context, req MeshRequest) (*MeshResult, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	if len(req.ImagePNG) == 0 {
		return nil, fmt.Errorf("%w: empty input image", ErrInvalidOutput)
	}

	body, elapsed, err := c.postForm(ctx, "/generate/mesh", nil, req.ImagePNG, "input.png")
	if err != nil {
		return nil, err
	}
	if !looksLikeGLB(body) {
		return nil, fmt.Errorf("%w: expected GLB mesh", ErrInvalidOutput)
	}
	return &MeshResult{GLB: body, GenerationTimeMS: elapsed}, nil
}

// ExportMesh re-encodes a GLB mesh into the requested format (glb, fbx).
func (c *Client) ExportMesh(ctx context.Context, req ExportRequest) (*ExportResult, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		return nil, fmt.Errorf("%w: export format is required", ErrInvalidOutput)
	}
	if len(req.GLB) == 0 {
		return nil, fmt.Errorf("%w: empty input mesh", ErrInvalidOutput)
	}
	// GLB passes through untouched; the worker only has to transcode
	// foreign formats.
	if format == "glb" {
		return &ExportResult{Data: req.GLB, Format: format}, nil
	}

	body, _, err := c.postForm(ctx, "/export/mesh", map[string]string{"format": format}, req.GLB, "mesh.glb")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty export payload", ErrInvalidOutput)
	}
	return &ExportResult{Data: body, Format: format}, nil
}

// Health fetches the worker's accelerator status. Callers supply their own
// short deadline via ctx.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	if c == nil {
		return nil, ErrUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("worker: create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health status %s", ErrWorker, resp.Status)
	}

	var status HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("%w: decode health response: %v", ErrInvalidOutput, err)
	}
	return &status, nil
}

func (c *Client) postForm(ctx context.Context, path string, fields map[string]string, file []byte, fileName string) ([]byte, int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.stageTimeout)
	defer cancel()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, 0, fmt.Errorf("worker: encode form field %s: %w", key, err)
		}
	}
	if file != nil {
		part, err := writer.CreateFormFile("file", fileName)
		if err != nil {
			return nil, 0, fmt.Errorf("worker: encode form file: %w", err)
		}
		if _, err := part.Write(file); err != nil {
			return nil, 0, fmt.Errorf("worker: write form file: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("worker: finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("worker: create request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusServiceUnavailable {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnavailable, strings.TrimSpace(string(snippet)))
		}
		return nil, 0, fmt.Errorf("%w: status %s: %s", ErrWorker, resp.Status, strings.TrimSpace(string(snippet)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrInvalidOutput, err)
	}
	if len(body) == 0 {
		return nil, 0, fmt.Errorf("%w: empty response body", ErrInvalidOutput)
	}

	elapsed := int64(0)
	if raw := strings.TrimSpace(resp.Header.Get("X-Generation-Time")); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
			elapsed = int64(seconds * 1000)
		}
	}
	return body, elapsed, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func looksLikePNG(data []byte) bool {
	return len(data) > 8 && bytes.Equal(data[:8], []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a})
}

func looksLikeGLB(data []byte) bool {
	return len(data) > 4 && bytes.Equal(data[:4], []byte("glTF"))
}
