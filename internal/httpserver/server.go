package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/position-stream-service/internal/handlers"
	"github.com/PratikDhanave/position-stream-service/internal/logging"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter wires the public endpoints.
// Probes: /health, /ready, /metrics
// Streams: /stream (SSE), /ws (WebSocket)
func NewRouter(db Pinger, streams *handlers.StreamHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterStreamRoutes(r, streams)

	return r
}

// requestLogger logs each request once it completes. Stream requests are
// logged when the client disconnects.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logging.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("request")
	}
}
