// Package debugapi exposes a local, read-only HTTP surface mirroring the
// in-process observable interface of spec §4.6: native UI widgets subscribe
// to the status registry directly, but this module has no UI layer, so a
// loopback HTTP server stands in as the observable's external window for
// local inspection and the dev binary. Grounded on the teacher's
// internal/routes/router.go (gin.Default() + middleware chain + route
// groups) and internal/middleware/cors.go, narrowed from the teacher's full
// CRUD API surface to two read-only status endpoints.
package debugapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"sensor-streamer/internal/queue"
	"sensor-streamer/internal/status"
)

// Config controls where the debug server binds (spec §6 doesn't name this
// surface explicitly; it is this module's stand-in for "UI widgets
// subscribe and render" since there is no UI layer here).
type Config struct {
	Enabled bool
	Host    string
	Port    string
}

// Server is the local debug/status HTTP surface.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the server, binding GET /status to the registry's Observe
// snapshot and GET /queue/stats to the persistent queue's stats.
func New(cfg Config, registry *status.Registry, q *queue.Queue, environment string) *Server {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	engine.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.Observe())
	})

	engine.GET("/queue/stats", func(c *gin.Context) {
		stats, err := q.GetStats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	return &Server{engine: engine}
}

// Start begins serving in the background. addr defaults to 127.0.0.1 so the
// surface is never reachable off-device.
func (s *Server) Start(cfg Config) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port == "" {
		port = "8089"
	}
	s.http = &http.Server{
		Addr:    host + ":" + port,
		Handler: s.engine,
	}
	go func() {
		_ = s.http.ListenAndServe()
	}()
}

// Shutdown gracefully stops the server, mirroring the teacher's
// context.WithTimeout shutdown pattern in cmd/main.go.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
