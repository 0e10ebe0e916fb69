package session

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/apperror"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

// Handler handles session HTTP requests.
type Handler struct {
	store *Store
	log   *slog.Logger
}

func NewHandler(store *Store, log *slog.Logger) *Handler {
	return &Handler{store: store, log: log.With(logger.Scope("session.handler"))}
}

// CreateSession handles POST /api/v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	sess, err := h.store.CreateSession(c.Request().Context())
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// GetSession handles GET /api/v1/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid session id format")
	}

	sess, err := h.store.GetSession(c.Request().Context(), id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if sess == nil {
		return apperror.NewNotFound("session", id)
	}
	return c.JSON(http.StatusOK, sess)
}

// ArchiveSession handles POST /api/v1/sessions/:id/archive
//
// Archiving marks the session inactive; it does not kill the sandbox, which
// expires on its own once its timeout lapses.
func (h *Handler) ArchiveSession(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid session id format")
	}

	ctx := c.Request().Context()
	sess, err := h.store.GetSession(ctx, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if sess == nil {
		return apperror.NewNotFound("session", id)
	}

	if err := h.store.UpdateStatus(ctx, id, StatusArchived); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	sess.Status = StatusArchived
	return c.JSON(http.StatusOK, sess)
}

type setDatabaseConnectionRequest struct {
	Connected bool   `json:"connected"`
	URL       string `json:"url"`
	AnonKey   string `json:"anonKey"`
}

// SetDatabaseConnection handles PUT /api/v1/sessions/:id/database
func (h *Handler) SetDatabaseConnection(c echo.Context) error {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid session id format")
	}

	var req setDatabaseConnectionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.Connected && (req.URL == "" || req.AnonKey == "") {
		return apperror.ErrValidation.WithMessage("url and anonKey are required when connected")
	}

	ctx := c.Request().Context()
	sess, err := h.store.GetSession(ctx, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if sess == nil {
		return apperror.NewNotFound("session", id)
	}

	conn := &DatabaseConnection{
		SessionID: id,
		Connected: req.Connected,
		URL:       req.URL,
		AnonKey:   req.AnonKey,
	}
	if err := h.store.SetDatabaseConnection(ctx, conn); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return c.JSON(http.StatusOK, conn)
}
