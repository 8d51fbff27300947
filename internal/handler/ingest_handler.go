package handler

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/glossary-ingest/internal/config"
	"github.com/xxxsen/glossary-ingest/internal/ingest"
	"github.com/xxxsen/glossary-ingest/internal/model"
	"github.com/xxxsen/glossary-ingest/internal/pkg/errcode"
	"github.com/xxxsen/glossary-ingest/internal/pkg/response"
)

// RunManager is the part of ingest.Manager the HTTP layer drives.
type RunManager interface {
	Start(ctx context.Context, path string, in ingest.StartOptions) (string, error)
	Resume(ctx context.Context, runID string) (string, error)
	Status(ctx context.Context, runID string) (*model.IngestRun, error)
	Cancel(ctx context.Context, runID string) error
	List(ctx context.Context, limit, offset int) ([]*model.IngestRun, error)
}

type IngestHandler struct {
	runs RunManager
}

func NewIngestHandler(runs RunManager) *IngestHandler {
	return &IngestHandler{runs: runs}
}

type startRunRequest struct {
	Path              string `json:"path"`
	ChunkSize         int    `json:"chunk_size"`
	MaxRuntimeSeconds int    `json:"max_runtime_seconds"`
	Resume            *bool  `json:"resume"`
}

type runView struct {
	*model.IngestRun
	Progress int `json:"progress"`
}

func viewOf(run *model.IngestRun) runView {
	return runView{IngestRun: run, Progress: run.Progress()}
}

func (h *IngestHandler) Start(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	req.Path = strings.TrimSpace(req.Path)
	if req.Path == "" {
		response.Error(c, errcode.ErrInvalid, "path required")
		return
	}
	if req.ChunkSize < 0 || req.ChunkSize > config.MaxChunkSize || req.MaxRuntimeSeconds < 0 {
		response.Error(c, errcode.ErrInvalid, "invalid chunk_size or max_runtime_seconds")
		return
	}
	resume := true
	if req.Resume != nil {
		resume = *req.Resume
	}
	runID, err := h.runs.Start(c.Request.Context(), req.Path, ingest.StartOptions{
		ChunkSize:  req.ChunkSize,
		MaxRuntime: time.Duration(req.MaxRuntimeSeconds) * time.Second,
		Resume:     resume,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": runID})
}

func (h *IngestHandler) Resume(c *gin.Context) {
	runID, err := h.runs.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": runID})
}

func (h *IngestHandler) Status(c *gin.Context) {
	run, err := h.runs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, viewOf(run))
}

func (h *IngestHandler) Cancel(c *gin.Context) {
	if err := h.runs.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}

func (h *IngestHandler) List(c *gin.Context) {
	limit, offset := pagination(c)
	runs, err := h.runs.List(c.Request.Context(), limit, offset)
	if err != nil {
		handleError(c, err)
		return
	}
	items := make([]runView, 0, len(runs))
	for _, run := range runs {
		items = append(items, viewOf(run))
	}
	response.Success(c, response.Page{Items: items, Limit: limit, Offset: offset})
}
