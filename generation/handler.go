package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"brightforge_back/projects"
	"brightforge_back/storage"
	"brightforge_back/worker"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Module wires the scheduler behind the HTTP surface used by the editor
// plugin.
type Module struct {
	scheduler *Scheduler
	workers   *worker.Client
	upgrader  websocket.Upgrader
}

// RegisterRoutes builds the scheduler stack from the environment and mounts
// the generation endpoints. The registry and artifact store come from the
// caller so the projects module serves the same data this module produces.
func RegisterRoutes(router *gin.Engine, registry *projects.Registry, store storage.ArtifactStore) (*Module, error) {
	workers, err := worker.NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	monitor := NewResourceMonitorFromEnv(workers)
	mirror := NewStatusMirrorFromEnv()

	scheduler, err := NewScheduler(ConfigFromEnv(), registry, store, workers, monitor, mirror)
	if err != nil {
		return nil, err
	}
	scheduler.Start()

	module := &Module{
		scheduler: scheduler,
		workers:   workers,
		upgrader: websocket.Upgrader{
			// The editor plugin connects from a file:// origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	group := router.Group("/generate")
	group.POST("", module.handleSubmit)
	group.GET("/:id", module.handleStatus)
	group.POST("/:id/cancel", module.handleCancel)
	group.GET("/:id/events", module.handleEvents)

	queue := router.Group("/queue")
	queue.GET("", module.handleQueue)
	queue.POST("/pause", module.handlePause)
	queue.POST("/resume", module.handleResume)

	router.GET("/health", module.handleHealth)

	return module, nil
}

// Close drains the scheduler. Used by tests and graceful shutdown.
func (m *Module) Close() {
	if m == nil || m.scheduler == nil {
		return
	}
	m.scheduler.Close()
}

type submitRequest struct {
	Kind           string `json:"kind" form:"kind"`
	Prompt         string `json:"prompt" form:"prompt"`
	ImageBase64    string `json:"image_base64" form:"-"`
	ProjectID      uint64 `json:"project_id" form:"project_id"`
	Width          int    `json:"width" form:"width"`
	Height         int    `json:"height" form:"height"`
	Steps          int    `json:"steps" form:"steps"`
	TimeoutSeconds int    `json:"timeout_seconds" form:"timeout_seconds"`
}

// handleSubmit accepts a JSON body (with the source image base64-encoded
// under image_base64) or, for image-to-mesh, a multipart form carrying the
// image under the "image" field.
func (m *Module) handleSubmit(c *gin.Context) {
	var req submitRequest
	var imagePNG []byte

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form payload"})
			return
		}
		file, err := c.FormFile("image")
		if err == nil {
			opened, openErr := file.Open()
			if openErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read image upload"})
				return
			}
			defer opened.Close()
			imagePNG, err = io.ReadAll(io.LimitReader(opened, maxImageBytes+1))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read image upload"})
				return
			}
		}
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if raw := strings.TrimSpace(req.ImageBase64); raw != "" {
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is not valid base64"})
				return
			}
			imagePNG = decoded
		}
	}

	sessionID, err := m.scheduler.Submit(c.Request.Context(), Request{
		Kind:           PipelineKind(strings.TrimSpace(req.Kind)),
		Prompt:         req.Prompt,
		ImagePNG:       imagePNG,
		ProjectID:      req.ProjectID,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, projects.ErrUnknownProject):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID})
}

func (m *Module) handleStatus(c *gin.Context) {
	view, err := m.scheduler.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (m *Module) handleCancel(c *gin.Context) {
	if err := m.scheduler.Cancel(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	view, err := m.scheduler.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// handleEvents streams session snapshots over a websocket until the session
// reaches a terminal state or the client disconnects.
func (m *Module) handleEvents(c *gin.Context) {
	id := c.Param("id")
	events, unsubscribe, err := m.scheduler.Subscribe(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	defer unsubscribe()

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("generation: websocket upgrade for session %s failed: %v", id, err)
		return
	}
	defer conn.Close()

	// Reads are discarded; a read error is the disconnect signal.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case view, ok := <-events:
			if !ok {
				// Channel closed on the terminal transition; send the final
				// state in case the last snapshot was dropped.
				if final, statusErr := m.scheduler.Status(id); statusErr == nil {
					_ = conn.WriteJSON(final)
				}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(view); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (m *Module) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, m.scheduler.Queue())
}

func (m *Module) handlePause(c *gin.Context) {
	m.scheduler.Pause()
	c.JSON(http.StatusOK, m.scheduler.Queue())
}

func (m *Module) handleResume(c *gin.Context) {
	m.scheduler.Resume()
	c.JSON(http.StatusOK, m.scheduler.Queue())
}

type healthResponse struct {
	Status  string               `json:"status"`
	Queue   QueueView            `json:"queue"`
	Worker  *worker.HealthStatus `json:"worker,omitempty"`
	GPU     *ResourceSample      `json:"gpu,omitempty"`
	Message string               `json:"message,omitempty"`
}

// handleHealth reports service liveness plus the last known worker and GPU
// state. The service is "degraded", not down, when the worker is
// unreachable.
func (m *Module) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", Queue: m.scheduler.Queue()}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	health, err := m.workers.Health(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Message = "inference worker unreachable"
	} else {
		resp.Worker = health
	}

	if sample, sampleErr := m.scheduler.Monitor().Snapshot(); sampleErr == nil {
		resp.GPU = &sample
	}

	c.JSON(http.StatusOK, resp)
}
