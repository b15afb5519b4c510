package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/gifmark/internal/api/respond"
	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/preview"
	taskrepo "github.com/aliskhannn/gifmark/internal/repository/task"
	svc "github.com/aliskhannn/gifmark/internal/service/watermark"
	"github.com/aliskhannn/gifmark/internal/task"
)

// service defines the interface for watermarking operations.
type service interface {
	Submit(ctx context.Context, src svc.Upload, spec model.WatermarkSpec, mark *svc.Upload) (model.Task, error)
	Status(ctx context.Context, id uuid.UUID) (model.Task, error)
	Result(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
	Preview(ctx context.Context, id uuid.UUID, width, height int) ([]byte, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Handler provides HTTP handlers for watermarking endpoints.
type Handler struct {
	service       service
	maxUploadSize int64
}

// NewHandler creates a new Handler with the given service. maxUploadSize
// bounds the multipart form kept in memory.
func NewHandler(s service, maxUploadSize int64) *Handler {
	return &Handler{service: s, maxUploadSize: maxUploadSize}
}

// SubmitResponse is returned for an accepted task.
type SubmitResponse struct {
	ID     uuid.UUID        `json:"id"`
	Status model.TaskStatus `json:"status"`
}

// Submit handles a multipart request with the GIF in "image", the JSON
// watermark spec in "spec" and an optional bitmap in "mark".
func (h *Handler) Submit(c *ginext.Context) {
	if err := c.Request.ParseMultipartForm(h.maxUploadSize); err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("parse multipart form failed: %v", err))
		return
	}

	file, header, err := c.Request.FormFile("image")
	if err != nil {
		zlog.Logger.Err(err).Msg("failed to upload the file")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the file"))
		return
	}
	defer file.Close()

	specJSON := c.PostForm("spec")
	if specJSON == "" {
		zlog.Logger.Warn().Msg("no spec provided")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("spec field is required"))
		return
	}

	var spec model.WatermarkSpec
	if err := json.Unmarshal([]byte(specJSON), &spec); err != nil {
		zlog.Logger.Err(err).Msg("failed to unmarshal the spec")
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to unmarshal the spec: %v", err))
		return
	}

	var mark *svc.Upload
	if markFile, markHeader, err := c.Request.FormFile("mark"); err == nil {
		defer markFile.Close()
		mark = &svc.Upload{Filename: markHeader.Filename, Body: markFile}
	} else if !errors.Is(err, http.ErrMissingFile) {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("failed to retrieve the mark"))
		return
	}

	t, err := h.service.Submit(c.Request.Context(), svc.Upload{Filename: header.Filename, Body: file}, spec, mark)
	if err != nil {
		var unsupported *model.UnsupportedWatermarkError
		if errors.As(err, &unsupported) || errors.Is(err, model.ErrInvalidWatermark) || errors.Is(err, svc.ErrInvalidMark) {
			respond.Fail(c, http.StatusBadRequest, err)
			return
		}

		zlog.Logger.Err(err).Msg("failed to submit the task")
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to submit the task"))
		return
	}

	respond.Accepted(c, SubmitResponse{ID: t.ID, Status: t.Status})
}

// parseID reads the :id path parameter, responding with 400 when invalid.
func parseID(c *ginext.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("invalid id: %v", err))
		return uuid.Nil, false
	}
	return id, true
}

// failLookup maps service errors shared by the task endpoints.
func failLookup(c *ginext.Context, err error, action string) {
	switch {
	case errors.Is(err, taskrepo.ErrTaskNotFound):
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("task not found"))
	case errors.Is(err, preview.ErrInvalidSize):
		respond.Fail(c, http.StatusBadRequest, err)
	case errors.Is(err, svc.ErrNotReady), errors.Is(err, svc.ErrTaskFinished), errors.Is(err, task.ErrTaskActive):
		respond.Fail(c, http.StatusConflict, err)
	default:
		zlog.Logger.Err(err).Msgf("failed to %s", action)
		respond.Fail(c, http.StatusInternalServerError, fmt.Errorf("failed to %s", action))
	}
}

// Status returns the task record with its current progress.
func (h *Handler) Status(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	t, err := h.service.Status(c.Request.Context(), id)
	if err != nil {
		failLookup(c, err, "get task")
		return
	}

	respond.OK(c, t)
}

// Result streams the watermarked GIF of a finished task.
func (h *Handler) Result(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	reader, err := h.service.Result(c.Request.Context(), id)
	if err != nil {
		failLookup(c, err, "get result")
		return
	}
	defer reader.Close()

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="watermarked_%s.gif"`, id))

	respond.GIF(c, http.StatusOK, reader)
}

// Preview returns a PNG thumbnail of the first watermarked frame. The
// optional width and height query parameters default to preview.DefaultSize.
func (h *Handler) Preview(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	width, err := sizeParam(c, "width")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}
	height, err := sizeParam(c, "height")
	if err != nil {
		respond.Fail(c, http.StatusBadRequest, err)
		return
	}

	data, err := h.service.Preview(c.Request.Context(), id, width, height)
	if err != nil {
		failLookup(c, err, "render preview")
		return
	}

	respond.PNG(c, http.StatusOK, data)
}

func sizeParam(c *ginext.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return preview.DefaultSize, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", name, err)
	}
	return v, nil
}

// Cancel stops a pending or running task.
func (h *Handler) Cancel(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), id); err != nil {
		failLookup(c, err, "cancel task")
		return
	}

	c.Status(http.StatusNoContent)
}

// Delete removes a finished task and its files.
func (h *Handler) Delete(c *ginext.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		failLookup(c, err, "delete task")
		return
	}

	c.Status(http.StatusNoContent)
}
