package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightforge_back/projects"
	"brightforge_back/storage"
)

// newFakeInferenceServer serves the worker HTTP contract with instant
// results so handler tests exercise the full stack.
func newFakeInferenceServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"gpu_available":true,"gpu_name":"RTX 4090","vram_total_gb":24,"vram_free_gb":20}`))
		case "/generate/image":
			_, _ = w.Write(testPNG)
		case "/generate/mesh":
			_, _ = w.Write(testGLB)
		case "/export/mesh":
			_, _ = w.Write([]byte("fbx-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

type handlerFixture struct {
	router    *gin.Engine
	module    *Module
	projectID uint64
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	workerServer := newFakeInferenceServer(t)
	t.Setenv("WORKER_BASE_URL", workerServer.URL)
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "handler.db"))
	t.Setenv("ARTIFACT_STORAGE_DIR", t.TempDir())
	t.Setenv("MINIO_ENDPOINT", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("GENERATION_CONCURRENCY", "1")

	store, err := storage.NewArtifactStoreFromEnv()
	require.NoError(t, err)

	router := gin.New()
	projectsModule, err := projects.RegisterRoutes(router, store)
	require.NoError(t, err)
	module, err := RegisterRoutes(router, projectsModule.Registry(), store)
	require.NoError(t, err)
	t.Cleanup(module.Close)

	project, err := projectsModule.Registry().CreateProject(context.Background(), "handler tests", "")
	require.NoError(t, err)

	return &handlerFixture{router: router, module: module, projectID: project.ID}
}

func (f *handlerFixture) postJSON(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func (f *handlerFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	recorder := httptest.NewRecorder()
	f.router.ServeHTTP(recorder, req)
	return recorder
}

func (f *handlerFixture) waitCompleted(t *testing.T, sessionID string) SessionView {
	t.Helper()
	var view SessionView
	require.Eventually(t, func() bool {
		recorder := f.get(t, "/generate/"+sessionID)
		if recorder.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(recorder.Body.Bytes(), &view); err != nil {
			return false
		}
		return view.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestHandlerSubmitAndStatus(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.postJSON(t, "/generate", gin.H{
		"kind":       "full_pipeline",
		"prompt":     "a rusty lantern",
		"project_id": f.projectID,
	})
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var accepted struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.SessionID)

	view := f.waitCompleted(t, accepted.SessionID)
	assert.Len(t, view.AssetIDs, 2)

	assetsRecorder := f.get(t, "/projects/"+strconv.FormatUint(f.projectID, 10)+"/assets")
	require.Equal(t, http.StatusOK, assetsRecorder.Code)
	assert.Contains(t, assetsRecorder.Body.String(), "glb")
	assert.Contains(t, assetsRecorder.Body.String(), "fbx")
}

func TestHandlerDownloadGeneratedAssets(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.postJSON(t, "/generate", gin.H{
		"kind":       "full_pipeline",
		"prompt":     "a carved chess piece",
		"project_id": f.projectID,
	})
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var accepted struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))
	view := f.waitCompleted(t, accepted.SessionID)
	require.NotEmpty(t, view.AssetIDs)

	projectPath := "/projects/" + strconv.FormatUint(f.projectID, 10)
	sawGLB := false
	for _, assetID := range view.AssetIDs {
		download := f.get(t, projectPath+"/assets/"+strconv.FormatUint(assetID, 10)+"/download")
		require.Equal(t, http.StatusOK, download.Code)
		require.NotEmpty(t, download.Body.Bytes())
		if bytes.HasPrefix(download.Body.Bytes(), []byte("glTF")) {
			sawGLB = true
			assert.Equal(t, "model/gltf-binary", download.Header().Get("Content-Type"))
		}
	}
	assert.True(t, sawGLB, "expected a downloadable glb artifact")
}

func TestHandlerValidationErrors(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.postJSON(t, "/generate", gin.H{
		"kind":       "full_pipeline",
		"prompt":     "ab",
		"project_id": f.projectID,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = f.postJSON(t, "/generate", gin.H{
		"kind":       "full_pipeline",
		"prompt":     "a valid prompt",
		"project_id": 99999,
	})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHandlerSubmitImageToMeshBase64(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.postJSON(t, "/generate", gin.H{
		"kind":         "image_to_mesh",
		"image_base64": base64.StdEncoding.EncodeToString(testPNG),
		"project_id":   f.projectID,
	})
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var accepted struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))
	view := f.waitCompleted(t, accepted.SessionID)
	assert.Len(t, view.Stages, 3)

	badRecorder := f.postJSON(t, "/generate", gin.H{
		"kind":         "image_to_mesh",
		"image_base64": "%%%not-base64%%%",
		"project_id":   f.projectID,
	})
	assert.Equal(t, http.StatusBadRequest, badRecorder.Code)
}

func TestHandlerStatusUnknownSession(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.get(t, "/generate/missing-session")
	assert.Equal(t, http.StatusNotFound, recorder.Code)

	cancelRecorder := f.postJSON(t, "/generate/missing-session/cancel", gin.H{})
	assert.Equal(t, http.StatusNotFound, cancelRecorder.Code)
}

func TestHandlerCancelPending(t *testing.T) {
	f := newHandlerFixture(t)
	require.Equal(t, http.StatusOK, f.postJSON(t, "/queue/pause", gin.H{}).Code)

	recorder := f.postJSON(t, "/generate", gin.H{
		"kind":       "image_only",
		"prompt":     "cancel before admission",
		"project_id": f.projectID,
	})
	require.Equal(t, http.StatusAccepted, recorder.Code)
	var accepted struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))

	cancelRecorder := f.postJSON(t, "/generate/"+accepted.SessionID+"/cancel", gin.H{})
	require.Equal(t, http.StatusOK, cancelRecorder.Code)
	var view SessionView
	require.NoError(t, json.Unmarshal(cancelRecorder.Body.Bytes(), &view))
	assert.Equal(t, StateCancelled, view.State)
}

func TestHandlerQueuePauseResume(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.postJSON(t, "/queue/pause", gin.H{})
	require.Equal(t, http.StatusOK, recorder.Code)
	var queue QueueView
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &queue))
	assert.True(t, queue.Paused)

	recorder = f.postJSON(t, "/queue/resume", gin.H{})
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &queue))
	assert.False(t, queue.Paused)

	recorder = f.get(t, "/queue")
	require.Equal(t, http.StatusOK, recorder.Code)
}

func TestHandlerHealth(t *testing.T) {
	f := newHandlerFixture(t)

	recorder := f.get(t, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)

	var health struct {
		Status string `json:"status"`
		Worker *struct {
			GPUName string `json:"gpu_name"`
		} `json:"worker"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.Worker)
	assert.Equal(t, "RTX 4090", health.Worker.GPUName)
}

func TestHandlerEventsWebsocket(t *testing.T) {
	f := newHandlerFixture(t)
	require.Equal(t, http.StatusOK, f.postJSON(t, "/queue/pause", gin.H{}).Code)

	recorder := f.postJSON(t, "/generate", gin.H{
		"kind":       "image_only",
		"prompt":     "watch over websocket",
		"project_id": f.projectID,
	})
	require.Equal(t, http.StatusAccepted, recorder.Code)
	var accepted struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))

	server := httptest.NewServer(f.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/generate/" + accepted.SessionID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.Equal(t, http.StatusOK, f.postJSON(t, "/queue/resume", gin.H{}).Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var last SessionView
	for {
		var view SessionView
		if err := conn.ReadJSON(&view); err != nil {
			break
		}
		last = view
	}
	assert.Equal(t, StateCompleted, last.State)
}
