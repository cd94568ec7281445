// Package api exposes the call control surface: REST endpoints to start,
// stop, and inspect calls, a health probe, and a per-session WebSocket
// status feed for the UI.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/novavoice/callpipe/domain/entities"
	"github.com/novavoice/callpipe/internal/auth"
	"github.com/novavoice/callpipe/internal/capture"
	"github.com/novavoice/callpipe/internal/session"
)

// UpstreamProbe checks whether the language-model backend is reachable.
type UpstreamProbe interface {
	Ping(ctx context.Context) error
}

var statusUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler wires the call API to the session machine.
type Handler struct {
	machine  *session.Machine
	notifier *session.Notifier
	auth     *auth.Manager
	probe    UpstreamProbe
	logger   *zap.Logger
}

// NewHandler creates the API handler. probe may be nil when no upstream
// check is configured.
func NewHandler(machine *session.Machine, notifier *session.Notifier, authManager *auth.Manager, probe UpstreamProbe, logger *zap.Logger) *Handler {
	return &Handler{
		machine:  machine,
		notifier: notifier,
		auth:     authManager,
		probe:    probe,
		logger:   logger,
	}
}

// Register initializes all API routes.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.health)

	v1 := e.Group("/api/v1", h.requireUser)
	v1.POST("/calls", h.startCall)
	v1.GET("/calls/:id", h.callStatus)
	v1.DELETE("/calls/:id", h.stopCall)
	v1.POST("/calls/:id/turn-end", h.endTurn)

	// WebSocket endpoint with JWT validation
	e.GET("/ws/calls/:id", h.statusFeed)
}

func (h *Handler) health(c echo.Context) error {
	resp := HealthResponse{
		Status:   "ok",
		Service:  "callpipe",
		Upstream: "ok",
	}
	if h.probe != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if err := h.probe.Ping(ctx); err != nil {
			h.logger.Warn("Upstream engine unreachable", zap.Error(err))
			resp.Status = "degraded"
			resp.Upstream = "unreachable"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// requireUser validates the bearer token and stores the user id in context.
func (h *Handler) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := h.authenticate(c)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "A valid bearer token is required",
			})
		}
		c.Set("userID", claims.UserID)
		return next(c)
	}
}

func (h *Handler) authenticate(c echo.Context) (*auth.Claims, error) {
	header := c.Request().Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, errors.New("missing bearer token")
	}
	return h.auth.Validate(strings.TrimPrefix(header, "Bearer "))
}

func (h *Handler) startCall(c echo.Context) error {
	userID := c.Get("userID").(string)

	var req StartCallRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind start call request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	profile := capture.ProfileFor(capture.DeviceClass(req.DeviceClass))
	status, err := h.machine.Start(c.Request().Context(), userID, req.ConversationID, req.Tier, profile)
	if err != nil {
		kind := entities.ErrorKind(err)
		h.logger.Warn("Call start rejected",
			zap.String("userID", userID),
			zap.String("kind", kind),
			zap.Error(err))
		code := http.StatusServiceUnavailable
		if errors.Is(err, entities.ErrSessionAlreadyActive) {
			code = http.StatusConflict
		}
		return c.JSON(code, ErrorResponse{Error: kind, Message: err.Error()})
	}

	return c.JSON(http.StatusCreated, status)
}

func (h *Handler) callStatus(c echo.Context) error {
	status, ok := h.ownedSession(c)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) stopCall(c echo.Context) error {
	status, ok := h.ownedSession(c)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
	}
	if err := h.machine.Stop(status.SessionID); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) endTurn(c echo.Context) error {
	status, ok := h.ownedSession(c)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
	}
	if err := h.machine.EndTurn(status.SessionID); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
	}
	return c.NoContent(http.StatusNoContent)
}

// ownedSession resolves the :id parameter to a session the caller owns.
// Sessions belonging to other users are indistinguishable from missing ones.
func (h *Handler) ownedSession(c echo.Context) (entities.SessionStatus, bool) {
	status, err := h.machine.Status(c.Param("id"))
	if err != nil {
		return entities.SessionStatus{}, false
	}
	if userID, _ := c.Get("userID").(string); status.UserID != userID {
		return entities.SessionStatus{}, false
	}
	return status, true
}

// statusFeed streams a session's status updates to the UI over a WebSocket.
// The UI receives state transitions and turn progress only, never internal
// pipeline entities.
func (h *Handler) statusFeed(c echo.Context) error {
	claims, err := h.authenticate(c)
	if err != nil {
		h.logger.Warn("Status feed rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "A valid bearer token is required",
		})
	}

	sessionID := c.Param("id")
	status, err := h.machine.Status(sessionID)
	if err != nil || status.UserID != claims.UserID {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "session_not_found"})
	}

	updates, unsubscribe := h.notifier.Subscribe(sessionID)
	defer unsubscribe()

	conn, err := statusUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("Failed to upgrade status feed", zap.Error(err))
		return err
	}
	defer conn.Close()

	// Current state first so the UI does not wait for the next transition.
	if err := conn.WriteJSON(session.StatusUpdate{
		SessionID: status.SessionID,
		State:     status.State,
		Transport: status.Transport,
		Timestamp: time.Now(),
	}); err != nil {
		return nil
	}

	// Reads are discarded; the feed is one-way. A read error means the UI
	// went away.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-disconnected:
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(update); err != nil {
				return nil
			}
			if update.State == entities.SessionEnded {
				return nil
			}
		}
	}
}
