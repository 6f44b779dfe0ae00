package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genfree/realtime/internal/config"
	"github.com/genfree/realtime/internal/domain"
	"github.com/genfree/realtime/internal/hub"
	"github.com/genfree/realtime/internal/identity"
	"github.com/genfree/realtime/internal/idgen"
	"github.com/genfree/realtime/internal/service"
	"github.com/genfree/realtime/internal/store"
	"github.com/genfree/realtime/pkg/jwt"
	"github.com/genfree/realtime/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *httptest.Server
	svc    service.PresenceService
	tokens *jwt.Manager
}

func newTestEnv(t *testing.T, rl config.RateLimitConfig, checks map[string]Pinger) *testEnv {
	t.Helper()

	tokens, err := jwt.NewManager("test-secret", time.Hour, "genfree")
	require.NoError(t, err)

	h := hub.NewHub()
	resolver := identity.NewJWTResolver(tokens, idgen.NewSessionIDGenerator())
	svc := service.NewPresenceService(h, store.NopStore{}, resolver, idgen.NewULIDGenerator(), nil, nil, service.Config{InstanceID: "test"})

	if rl.MessagesPerSecond == 0 {
		rl = config.RateLimitConfig{MessagesPerSecond: 100, Burst: 100}
	}
	ws := NewWSHandler(svc, config.WebSocketConfig{}, config.HubConfig{QueueSize: 64}, rl)
	api := NewHTTPHandler(svc, middleware.NewAuthMiddleware(tokens), nil, checks)

	server := httptest.NewServer(NewRouter(ws, api, zerolog.Nop()))
	t.Cleanup(func() {
		svc.Stop()
		server.Close()
	})
	return &testEnv{server: server, svc: svc, tokens: tokens}
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) token(t *testing.T, userID, username string) string {
	t.Helper()
	tok, _, err := e.tokens.GenerateToken(userID, username)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		if frame["type"] == typ {
			return frame
		}
	}
}

func total(frame map[string]any) float64 {
	return frame["count"].(map[string]any)["total"].(float64)
}

func TestWebSocket_ChatFlow(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{}, nil)

	a := env.dial(t, "/ws/chat/42?token="+env.token(t, "userA", "alice"))
	welcome := next(t, a, domain.MsgTypeConnectionEstablished)
	assert.Equal(t, "chat:42", welcome["channel"])
	assert.Equal(t, float64(1), total(welcome))

	b := env.dial(t, "/ws/chat/42?name=Ruth")
	welcomeB := next(t, b, domain.MsgTypeConnectionEstablished)
	assert.NotEmpty(t, welcomeB["session"])
	assert.Equal(t, float64(2), total(next(t, a, domain.MsgTypeParticipantCount)))

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","content":"hi all"}`)))
	for _, c := range []*websocket.Conn{a, b} {
		msg := next(t, c, domain.MsgTypeChatMessage)["message"].(map[string]any)
		assert.Equal(t, "hi all", msg["content"])
		assert.Equal(t, "Ruth", msg["sender_name"])
	}

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, domain.ErrCodeInvalidJSON, next(t, b, domain.MsgTypeError)["code"])

	b.Close()
	assert.Equal(t, float64(1), total(next(t, a, domain.MsgTypeParticipantCount)))
	require.Eventually(t, func() bool { return env.svc.Presence("chat:42").Total == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{}, nil)

	tests := []struct {
		name   string
		path   string
		header http.Header
		status int
	}{
		{"invalid token", "/ws/stream/7?token=garbage", nil, http.StatusUnauthorized},
		{"invalid bearer header", "/ws/stream/7", http.Header{"Authorization": {"Bearer garbage"}}, http.StatusUnauthorized},
		{"bad session", "/ws/stream/7?session=" + strings.Repeat("!", 8), nil, http.StatusUnauthorized},
		{"bad slug", "/ws/chat/-nope", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.path), tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, env.svc.ListActiveChannels())
}

func TestWebSocket_DuplicateJoinReplaces(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{}, nil)
	tok := env.token(t, "userA", "alice")

	first := env.dial(t, "/ws/chat/42?token="+tok)
	next(t, first, domain.MsgTypeConnectionEstablished)
	second := env.dial(t, "/ws/chat/42?token="+tok)
	assert.Equal(t, float64(1), total(next(t, second, domain.MsgTypeConnectionEstablished)))

	// the replaced connection is closed by the server
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
	}
	assert.Equal(t, 1, env.svc.Presence("chat:42").Total)
}

func TestWebSocket_RateLimited(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{MessagesPerSecond: 0.001, Burst: 1}, nil)

	c := env.dial(t, "/ws/stream/7")
	next(t, c, domain.MsgTypeConnectionEstablished)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	next(t, c, domain.MsgTypePong)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.Equal(t, domain.ErrCodeRateLimited, next(t, c, domain.MsgTypeError)["code"])
}

func apiRequest(t *testing.T, env *testEnv, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestAPI_ChannelsAndCount(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{}, nil)
	c := env.dial(t, "/ws/stream/7")
	next(t, c, domain.MsgTypeConnectionEstablished)

	resp, body := apiRequest(t, env, http.MethodGet, "/api/v1/channels", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(1), data["total"])
	assert.Equal(t, "stream:7", data["channels"].([]any)[0].(map[string]any)["key"])
	assert.Equal(t, float64(1), data["channels"].([]any)[0].(map[string]any)["peak"])

	resp, body = apiRequest(t, env, http.MethodGet, "/api/v1/channels/stream:7/count", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["data"].(map[string]any)["count"].(map[string]any)["anonymous"])
	assert.Equal(t, float64(1), body["data"].(map[string]any)["peak"])

	resp, body = apiRequest(t, env, http.MethodGet, "/api/v1/channels/chat:empty/count", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["data"].(map[string]any)["count"].(map[string]any)["total"])

	resp, body = apiRequest(t, env, http.MethodGet, "/api/v1/channels/bogus/count", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, domain.ErrCodeInvalidChannel, body["error"].(map[string]any)["code"])
}

func TestAPI_Messages(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{}, nil)

	resp, body := apiRequest(t, env, http.MethodGet, "/api/v1/channels/chat:42/messages?limit=10", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["data"])

	resp, _ = apiRequest(t, env, http.MethodGet, "/api/v1/channels/chat:42/messages?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Announcement(t *testing.T) {
	env := newTestEnv(t, config.RateLimitConfig{}, nil)
	viewer := env.dial(t, "/ws/stream/7")
	next(t, viewer, domain.MsgTypeConnectionEstablished)

	resp, _ := apiRequest(t, env, http.MethodPost, "/api/v1/channels/stream:7/announcements", "", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin := env.token(t, "u-admin", "admin")
	resp, _ = apiRequest(t, env, http.MethodPost, "/api/v1/channels/stream:7/announcements", admin, map[string]string{"message": "hi", "priority": "loud"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := apiRequest(t, env, http.MethodPost, "/api/v1/channels/stream:7/announcements", admin, map[string]string{"message": "starting in 5"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, domain.DefaultAnnouncementPriority, body["data"].(map[string]any)["priority"])

	got := next(t, viewer, domain.MsgTypeAnnouncement)
	assert.Equal(t, "starting in 5", got["message"])

	resp, _ = apiRequest(t, env, http.MethodPost, "/api/v1/streams/7/status", admin, map[string]string{"status": "live"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "live", next(t, viewer, domain.MsgTypeStreamStatus)["status"])
}

func TestHealthCheck(t *testing.T) {
	healthy := newTestEnv(t, config.RateLimitConfig{}, map[string]Pinger{
		"relay": PingFunc(func(context.Context) error { return nil }),
	})
	resp, body := apiRequest(t, healthy, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	degraded := newTestEnv(t, config.RateLimitConfig{}, map[string]Pinger{
		"relay": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	resp, body = apiRequest(t, degraded, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "connection refused", body["components"].(map[string]any)["relay"])
}
