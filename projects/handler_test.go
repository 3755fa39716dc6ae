package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brightforge_back/storage"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Module) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("DATABASE_DSN", filepath.Join(t.TempDir(), "handler.db"))

	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	router := gin.New()
	module, err := RegisterRoutes(router, store)
	require.NoError(t, err)
	return router, module
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	router, _ := newTestRouter(t)

	created := doJSON(t, router, http.MethodPost, "/projects", gin.H{
		"name":        "Tavern Props",
		"description": "small props for the tavern scene",
	})
	require.Equal(t, http.StatusCreated, created.Code)

	var createResp struct {
		Project Project `json:"project"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &createResp))
	require.NotZero(t, createResp.Project.ID)
	id := createResp.Project.ID

	fetched := doJSON(t, router, http.MethodGet, "/projects/"+itoa(id), nil)
	require.Equal(t, http.StatusOK, fetched.Code)
	assert.Contains(t, fetched.Body.String(), "Tavern Props")

	renamed := doJSON(t, router, http.MethodPatch, "/projects/"+itoa(id), gin.H{"name": "Tavern Assets"})
	require.Equal(t, http.StatusOK, renamed.Code)
	assert.Contains(t, renamed.Body.String(), "Tavern Assets")

	listed := doJSON(t, router, http.MethodGet, "/projects", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	assert.Contains(t, listed.Body.String(), "Tavern Assets")

	emptyAssets := doJSON(t, router, http.MethodGet, "/projects/"+itoa(id)+"/assets", nil)
	require.Equal(t, http.StatusOK, emptyAssets.Code)
}

func TestProjectHandlerErrors(t *testing.T) {
	router, _ := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodPost, "/projects", gin.H{"name": ""}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/projects/999", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodPatch, "/projects/999", gin.H{"name": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/projects/999/assets", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, "/projects/not-a-number", nil).Code)
}

func TestDownloadAssetStreamsArtifact(t *testing.T) {
	router, module := newTestRouter(t)
	ctx := context.Background()

	project, err := module.registry.CreateProject(ctx, "download target", "")
	require.NoError(t, err)

	payload := append([]byte("glTF"), []byte("binary mesh bytes")...)
	fileName := storage.ArtifactFileName(AssetKindMesh, "glb", time.Now().UTC())
	artifact, err := module.store.Save(ctx, project.ID, fileName, payload, "model/gltf-binary")
	require.NoError(t, err)

	asset, err := module.registry.RecordAsset(ctx, project.ID, Asset{
		Name:       "mesh_download",
		Kind:       AssetKindMesh,
		Format:     "glb",
		FilePath:   artifact.Location,
		StorageKey: artifact.Key,
	})
	require.NoError(t, err)

	resp := doJSON(t, router, http.MethodGet, "/projects/"+itoa(project.ID)+"/assets/"+itoa(asset.ID)+"/download", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, payload, resp.Body.Bytes())
	assert.Equal(t, "model/gltf-binary", resp.Header().Get("Content-Type"))
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "attachment")
}

func TestDownloadAssetErrors(t *testing.T) {
	router, module := newTestRouter(t)
	ctx := context.Background()

	project, err := module.registry.CreateProject(ctx, "download errors", "")
	require.NoError(t, err)

	// Recorded without a storage key, as an externally imported asset would be.
	detached, err := module.registry.RecordAsset(ctx, project.ID, Asset{
		Name:   "external_mesh",
		Kind:   AssetKindMesh,
		Format: "glb",
	})
	require.NoError(t, err)

	base := "/projects/" + itoa(project.ID) + "/assets/"
	assert.Equal(t, http.StatusBadRequest, doJSON(t, router, http.MethodGet, base+"not-a-number/download", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, base+"999/download", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, base+itoa(detached.ID)+"/download", nil).Code)

	// Key recorded but the backing file has since been removed.
	missing, err := module.registry.RecordAsset(ctx, project.ID, Asset{
		Name:       "purged_mesh",
		Kind:       AssetKindMesh,
		Format:     "glb",
		StorageKey: itoa(project.ID) + "/never_written.glb",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, base+itoa(missing.ID)+"/download", nil).Code)
}
