package http

import (
	"context"
	"net/http"

	"github.com/dkeye/huddle/internal/adapters/ingest"
	"github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

// index serves ws on upgrade requests and a liveness "ok" otherwise.
func index(ws gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			ws(c)
			return
		}
		c.String(http.StatusOK, "ok")
	}
}

func metrics(g prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

// SetupRouter builds the signaling server's routes.
func SetupRouter(ctx context.Context, mode string, ctl *signal.SignalWSController, o *orch.Orchestrator, g prometheus.Gatherer) *gin.Engine {
	r := newEngine(mode)

	r.GET("/", index(func(c *gin.Context) { ctl.HandleSignal(ctx, c) }))
	r.GET("/metrics", metrics(g))

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Rooms.List())
	})
	api.DELETE("/rooms/:roomId", func(c *gin.Context) {
		if !o.EvictRoom(domain.RoomID(c.Param("roomId"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})
	api.DELETE("/rooms/:roomId/clients/:clientId", func(c *gin.Context) {
		if !o.Kick(domain.RoomID(c.Param("roomId")), domain.ClientID(c.Param("clientId"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("mode", mode).Msg("router setup")
	return r
}

// SetupObserverRouter builds the observer service's routes.
func SetupObserverRouter(mode string, ctl *ingest.Controller, g prometheus.Gatherer) *gin.Engine {
	r := newEngine(mode)
	r.GET("/", index(ctl.HandleIngest))
	r.GET("/metrics", metrics(g))

	log.Info().Str("module", "adapters.http").Str("mode", mode).Msg("observer router setup")
	return r
}
