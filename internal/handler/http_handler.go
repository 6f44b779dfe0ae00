package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/internal/hub"
	"github.com/genfree/realtime/internal/service"
	"github.com/genfree/realtime/pkg/log"
	"github.com/genfree/realtime/pkg/middleware"
	"github.com/genfree/realtime/pkg/response"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HTTPHandler serves the REST API and the health check.
type HTTPHandler struct {
	service        service.PresenceService
	authMiddleware *middleware.AuthMiddleware
	limiter        *middleware.IPRateLimiter
	checks         map[string]Pinger
}

// NewHTTPHandler creates a new HTTP handler. checks are probed by
// HealthCheck, keyed by the name reported.
func NewHTTPHandler(svc service.PresenceService, auth *middleware.AuthMiddleware, limiter *middleware.IPRateLimiter, checks map[string]Pinger) *HTTPHandler {
	return &HTTPHandler{
		service:        svc,
		authMiddleware: auth,
		limiter:        limiter,
		checks:         checks,
	}
}

// ChannelListResponse is the body of GET /api/v1/channels.
type ChannelListResponse struct {
	Channels []hub.ChannelStats `json:"channels"`
	Total    int                `json:"total"`
}

// ChannelCountResponse is the body of GET /api/v1/channels/:key/count.
type ChannelCountResponse struct {
	Channel string               `json:"channel"`
	Count   domain.PresenceCount `json:"count"`
	Peak    int                  `json:"peak"`
}

// AnnouncementRequest is the body of POST /api/v1/channels/:key/announcements.
type AnnouncementRequest struct {
	Message  string `json:"message" binding:"required,max=500"`
	Priority string `json:"priority" binding:"omitempty,oneof=low normal high urgent"`
}

// StreamStatusRequest is the body of POST /api/v1/streams/:id/status.
type StreamStatusRequest struct {
	Status  string `json:"status" binding:"required,max=32"`
	Message string `json:"message" binding:"max=500"`
}

// RegisterRoutes registers all API routes.
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	if h.limiter != nil {
		api.Use(middleware.RateLimit(h.limiter))
	}
	{
		channels := api.Group("/channels")
		channels.GET("", h.ListChannels)
		channels.GET("/:key/count", h.GetCount)
		channels.GET("/:key/messages", h.GetMessages)
		channels.POST("/:key/announcements", h.authMiddleware.RequireAuth(), h.CreateAnnouncement)

		api.POST("/streams/:id/status", h.authMiddleware.RequireAuth(), h.UpdateStreamStatus)
	}
}

// ListChannels handles GET /api/v1/channels
func (h *HTTPHandler) ListChannels(c *gin.Context) {
	stats := h.service.ListActiveChannels()
	response.Success(c, ChannelListResponse{Channels: stats, Total: len(stats)})
}

// GetCount handles GET /api/v1/channels/:key/count
// Unknown channels report zero.
func (h *HTTPHandler) GetCount(c *gin.Context) {
	key := c.Param("key")
	if _, _, err := domain.ParseChannelKey(key); err != nil {
		response.Error(c, http.StatusBadRequest, domain.ErrCodeInvalidChannel, err.Error())
		return
	}
	response.Success(c, ChannelCountResponse{
		Channel: key,
		Count:   h.service.Presence(key),
		Peak:    h.service.PeakPresence(key),
	})
}

// GetMessages handles GET /api/v1/channels/:key/messages?limit=N
func (h *HTTPHandler) GetMessages(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := h.service.RecentMessages(ctx, c.Param("key"), limit)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidChannel):
			response.Error(c, http.StatusBadRequest, domain.ErrCodeInvalidChannel, err.Error())
		case errors.Is(err, domain.ErrPersistenceUnavailable):
			l.Error().Err(err).Msg("failed to load chat history")
			response.Error(c, http.StatusServiceUnavailable, "PERSISTENCE_UNAVAILABLE", "chat history is unavailable")
		default:
			l.Error().Err(err).Msg("failed to load chat history")
			response.InternalError(c, "failed to load chat history")
		}
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	response.Success(c, msgs)
}

// CreateAnnouncement handles POST /api/v1/channels/:key/announcements
func (h *HTTPHandler) CreateAnnouncement(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req AnnouncementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind announcement request")
		response.BadRequest(c, err.Error())
		return
	}

	key := c.Param("key")
	if err := h.service.Announce(ctx, key, req.Message, req.Priority, middleware.GetUserID(c)); err != nil {
		h.publishError(c, err, "failed to send announcement")
		return
	}

	priority := req.Priority
	if priority == "" {
		priority = domain.DefaultAnnouncementPriority
	}
	response.Accepted(c, gin.H{"channel": key, "priority": priority})
}

// UpdateStreamStatus handles POST /api/v1/streams/:id/status
func (h *HTTPHandler) UpdateStreamStatus(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req StreamStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		l.Warn().Err(err).Msg("failed to bind stream status request")
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.service.SetStreamStatus(ctx, c.Param("id"), req.Status, req.Message); err != nil {
		h.publishError(c, err, "failed to update stream status")
		return
	}
	response.Accepted(c, gin.H{"stream_id": c.Param("id"), "status": req.Status})
}

func (h *HTTPHandler) publishError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrInvalidChannel):
		response.Error(c, http.StatusBadRequest, domain.ErrCodeInvalidChannel, err.Error())
	case errors.Is(err, domain.ErrInvalidPayload):
		response.BadRequest(c, err.Error())
	default:
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg(msg)
		response.InternalError(c, msg)
	}
}

// HealthCheck handles GET /health on the mux router.
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			components[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	body := map[string]any{"status": "ok", "components": components}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response.Response{
		Success: false,
		Error:   &response.ErrorInfo{Code: code, Message: message},
	})
}
