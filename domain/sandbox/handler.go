package sandbox

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/apperror"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// Handler handles sandbox HTTP requests.
type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With(logger.Scope("sandbox.handler"))}
}

func sessionIDParam(c echo.Context) (string, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", apperror.ErrBadRequest.WithMessage("invalid session id format")
	}
	return id, nil
}

// Create handles POST /api/v1/sessions/:id/sandbox
func (h *Handler) Create(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	result, err := h.svc.Create(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Initialize handles POST /api/v1/sessions/:id/sandbox/initialize
func (h *Handler) Initialize(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	result, err := h.svc.Initialize(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Recreate handles POST /api/v1/sessions/:id/sandbox/recreate
func (h *Handler) Recreate(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	result, err := h.svc.Recreate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type extendTimeoutRequest struct {
	SandboxID string `json:"sandboxId"`
}

// ExtendTimeout handles POST /api/v1/sessions/:id/sandbox/extend-timeout
func (h *Handler) ExtendTimeout(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	var req extendTimeoutRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	result, err := h.svc.ExtendTimeout(c.Request().Context(), id, req.SandboxID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type keepAliveRequest struct {
	SandboxID string `json:"sandboxId"`
}

// KeepAlive handles POST /api/v1/sessions/:id/sandbox/keepalive
func (h *Handler) KeepAlive(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	var req keepAliveRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	alive, err := h.svc.KeepAlive(c.Request().Context(), id, req.SandboxID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"alive": alive})
}

// Status handles GET /api/v1/sessions/:id/sandbox/status
func (h *Handler) Status(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	result, err := h.svc.CheckStatus(c.Request().Context(), id, c.QueryParam("sandboxId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type writeFileRequest struct {
	SandboxID string `json:"sandboxId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteFile handles POST /api/v1/sessions/:id/sandbox/files
func (h *Handler) WriteFile(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	var req writeFileRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	result, err := h.svc.WriteFile(c.Request().Context(), id, req.SandboxID, req.Path, req.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// ReadFile handles GET /api/v1/sessions/:id/sandbox/files?path=...
func (h *Handler) ReadFile(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	path := c.QueryParam("path")
	if path == "" {
		return apperror.ErrBadRequest.WithMessage("path query parameter required")
	}

	result, err := h.svc.ReadFile(c.Request().Context(), id, c.QueryParam("sandboxId"), path)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

type runCommandRequest struct {
	SandboxID  string `json:"sandboxId"`
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeoutSec"`
}

// RunCommand handles POST /api/v1/sessions/:id/sandbox/command
func (h *Handler) RunCommand(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	var req runCommandRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.Command == "" {
		return apperror.ErrBadRequest.WithMessage("command is required")
	}

	result, err := h.svc.RunCommand(c.Request().Context(), id, req.SandboxID, req.Command,
		time.Duration(req.TimeoutSec)*time.Second)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// Close handles DELETE /api/v1/sessions/:id/sandbox
func (h *Handler) Close(c echo.Context) error {
	id, err := sessionIDParam(c)
	if err != nil {
		return err
	}

	if err := h.svc.Close(c.Request().Context(), id, c.QueryParam("sandboxId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
