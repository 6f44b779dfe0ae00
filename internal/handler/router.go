package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/genfree/realtime/pkg/log"
)

// NewRouter mounts the websocket endpoints and health check on a mux
// router and hands /api/ to gin. Each side logs its own requests.
func NewRouter(ws *WSHandler, api *HTTPHandler, logger zerolog.Logger) http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), log.GinMiddleware(logger))
	api.RegisterRoutes(engine)

	router := mux.NewRouter()
	router.PathPrefix("/api/").Handler(engine)

	plain := router.NewRoute().Subrouter()
	plain.Use(mux.MiddlewareFunc(log.HTTPMiddleware(logger)))
	plain.HandleFunc("/ws/chat/{room_slug}", ws.HandleChat).Methods(http.MethodGet)
	plain.HandleFunc("/ws/stream/{stream_id}", ws.HandleStream).Methods(http.MethodGet)
	plain.HandleFunc("/health", api.HealthCheck).Methods(http.MethodGet)

	return router
}
