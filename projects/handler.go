package projects

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"brightforge_back/storage"
	"github.com/gin-gonic/gin"
)

type Module struct {
	registry *Registry
	store    storage.ArtifactStore
}

type createProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type renameProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

func RegisterRoutes(router *gin.Engine, store storage.ArtifactStore) (*Module, error) {
	registry, err := NewRegistryFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{registry: registry, store: store}

	group := router.Group("/projects")
	group.GET("", module.handleListProjects)
	group.POST("", module.handleCreateProject)
	group.GET("/:id", module.handleGetProject)
	group.PATCH("/:id", module.handleRenameProject)
	group.GET("/:id/assets", module.handleListAssets)
	group.GET("/:id/assets/:assetID/download", module.handleDownloadAsset)

	return module, nil
}

// Registry exposes the underlying registry to other modules.
func (m *Module) Registry() *Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Module) handleListProjects(c *gin.Context) {
	list, err := m.registry.ListProjects(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list projects"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": list})
}

func (m *Module) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	project, err := m.registry.CreateProject(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create project"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

func (m *Module) handleGetProject(c *gin.Context) {
	id, ok := parseProjectID(c)
	if !ok {
		return
	}
	project, err := m.registry.GetProject(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUnknownProject) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch project"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func (m *Module) handleRenameProject(c *gin.Context) {
	id, ok := parseProjectID(c)
	if !ok {
		return
	}
	var req renameProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	project, err := m.registry.RenameProject(c.Request.Context(), id, req.Name)
	if err != nil {
		if errors.Is(err, ErrUnknownProject) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

func (m *Module) handleListAssets(c *gin.Context) {
	id, ok := parseProjectID(c)
	if !ok {
		return
	}
	assets, err := m.registry.ListAssets(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrUnknownProject) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list assets"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// handleDownloadAsset streams the stored artifact bytes so clients retrieve
// results over HTTP regardless of which store backend holds them.
func (m *Module) handleDownloadAsset(c *gin.Context) {
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}
	assetID, err := strconv.ParseUint(strings.TrimSpace(c.Param("assetID")), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid asset id"})
		return
	}

	asset, err := m.registry.GetAsset(c.Request.Context(), projectID, assetID)
	if err != nil {
		if errors.Is(err, ErrUnknownAsset) {
			c.JSON(http.StatusNotFound, gin.H{"error": "asset not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch asset"})
		}
		return
	}
	if m.store == nil || asset.StorageKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not available"})
		return
	}

	reader, err := m.store.Open(c.Request.Context(), asset.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactMissing) {
			c.JSON(http.StatusNotFound, gin.H{"error": "artifact not available"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open artifact"})
		}
		return
	}
	defer reader.Close()

	c.Header("Content-Type", contentTypeForFormat(asset.Format))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(asset.StorageKey)))
	c.Status(http.StatusOK)
	_, _ = io.Copy(c.Writer, reader)
}

func contentTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "glb":
		return "model/gltf-binary"
	default:
		return "application/octet-stream"
	}
}

func parseProjectID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return 0, false
	}
	return id, true
}
