package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/genfree/realtime/internal/config"
	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/internal/hub"
	"github.com/genfree/realtime/internal/identity"
	"github.com/genfree/realtime/internal/service"
	"github.com/genfree/realtime/pkg/log"
)

// WSHandler upgrades chat and stream connections and runs their pumps.
type WSHandler struct {
	service   service.PresenceService
	upgrader  websocket.Upgrader
	clientCfg hub.Config
	msgRate   rate.Limit
	msgBurst  int
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(svc service.PresenceService, wsCfg config.WebSocketConfig, hubCfg config.HubConfig, rl config.RateLimitConfig) *WSHandler {
	return &WSHandler{
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
		clientCfg: hub.Config{
			QueueSize:      hubCfg.QueueSize,
			PingInterval:   wsCfg.PingInterval,
			PongWait:       wsCfg.PongWait,
			WriteWait:      wsCfg.WriteWait,
			MaxMessageSize: wsCfg.MaxMessageSize,
		},
		msgRate:  rate.Limit(rl.MessagesPerSecond),
		msgBurst: rl.Burst,
	}
}

// originChecker allows every origin when none are configured.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// HandleChat handles GET /ws/chat/{room_slug}
func (h *WSHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.KindChat, mux.Vars(r)["room_slug"])
}

// HandleStream handles GET /ws/stream/{stream_id}
func (h *WSHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, domain.KindStream, mux.Vars(r)["stream_id"])
}

func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, kind domain.ChannelKind, id string) {
	// the request context ends with ServeHTTP, the connection does not
	ctx := context.WithoutCancel(r.Context())
	l := log.Ctx(ctx)

	channelKey, err := domain.ChannelKey(kind, id)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.ErrCodeInvalidChannel, "invalid channel")
		return
	}

	who, err := h.service.Authenticate(ctx, channelKey, credentials(r))
	if err != nil {
		if errors.Is(err, domain.ErrAuthenticationRejected) {
			writeJSONError(w, http.StatusUnauthorized, domain.ErrCodeUnauthenticated, "authentication rejected")
			return
		}
		l.Error().Err(err).Str(log.FieldChannelKey, channelKey).Msg("identity resolution failed")
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "identity resolution failed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.NewString(), conn, h.clientCfg)
	m, err := h.service.Join(ctx, channelKey, who, client)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldChannelKey, channelKey).Msg("join failed")
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "join failed"), deadline)
		conn.Close()
		return
	}

	ctx = log.WithLogger(ctx, l.With().
		Str(log.FieldChannelKey, channelKey).
		Str(log.FieldMembershipID, m.ID).
		Str(log.FieldClientID, client.ID()).
		Logger())

	limiter := rate.NewLimiter(h.msgRate, h.msgBurst)

	go client.WritePump()
	go client.ReadPump(func(raw []byte) {
		if !limiter.Allow() {
			h.service.SendError(m, domain.ErrCodeRateLimited, "Too many messages, slow down")
			return
		}
		h.service.HandleFrame(ctx, m, raw)
	}, func() {
		h.service.Leave(m)
	})
}

// credentials reads the identity a client presents: a bearer token from
// ?token or the Authorization header, otherwise an anonymous session.
func credentials(r *http.Request) identity.Credentials {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return identity.Credentials{
		Token:         token,
		SessionID:     q.Get("session"),
		AnonymousName: q.Get("name"),
	}
}
