// Package status serves the daemon's HTTP surface: liveness, metrics,
// state snapshots and the two operator controls (stop session, shut
// down). Read routes are open; mutations sit behind the configured
// bearer token.
package status

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/ledger"
	"github.com/averhola/skyloop/internal/logging"
	"github.com/averhola/skyloop/internal/observability"
	"github.com/averhola/skyloop/internal/supervisor"
)

var ErrNoListenAddr = errors.New("status: no listen address configured")

const version = "0.1.0"

// Sources are the state getters and controls the routes expose. Nil
// members disable their routes gracefully.
type Sources struct {
	App        string
	StartedAt  time.Time
	Supervisor func() supervisor.Snapshot
	Sessions   func(limit int) ([]ledger.SessionRecord, error)
	Stop       func(ctx context.Context, reason string) bool
	Shutdown   func(reason string)
}

// Server is the daemon's HTTP endpoint.
type Server struct {
	cfg     config.StatusConfig
	sources Sources
	router  *gin.Engine
}

func NewServer(cfg config.StatusConfig, sources Sources) (*Server, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, ErrNoListenAddr
	}
	if sources.App == "" {
		sources.App = "skyloopd"
	}
	if sources.StartedAt.IsZero() {
		sources.StartedAt = time.Now()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(observability.Component("status")))
	router.Use(observability.RequestMetricsMiddleware(sources.App))
	if len(cfg.CorsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CorsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{cfg: cfg, sources: sources, router: router}
	s.registerRoutes()
	return s, nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": s.sources.App,
			"uptime":  time.Since(s.sources.StartedAt).String(),
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/sessions", s.handleSessions)

	secured := v1.Group("", s.requireToken())
	secured.POST("/session/stop", s.handleStopSession)
	secured.POST("/shutdown", s.handleShutdown)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"service": s.sources.App,
		"uptime":  time.Since(s.sources.StartedAt).String(),
	}
	if s.sources.Supervisor != nil {
		resp["supervisor"] = s.sources.Supervisor()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.sources.Sessions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session ledger configured"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := s.sources.Sessions(limit)
	if err != nil {
		logging.Errorf("status.Server sessions query failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

func (s *Server) handleStopSession(c *gin.Context) {
	if s.sources.Stop == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session control configured"})
		return
	}
	stopped := s.sources.Stop(c.Request.Context(), "operator request via status API")
	c.JSON(http.StatusOK, gin.H{"stopped": stopped})
}

func (s *Server) handleShutdown(c *gin.Context) {
	if s.sources.Shutdown == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no shutdown control configured"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"shutdown": "requested"})
	s.sources.Shutdown("operator request via status API")
}

// requireToken guards mutating routes. No configured token means no
// mutations at all: an open control surface is worse than none.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(s.cfg.AuthToken)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "mutating routes disabled: no auth token configured"})
			return
		}
		header := c.GetHeader("Authorization")
		if header != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}

// Run serves until ctx is canceled, then drains with a bounded
// graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("status.Server.Run addr=%s", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("status.Server.Run shutdown err=%v", err)
	}
	return <-errCh
}
