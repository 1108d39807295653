// Package server exposes the session manager over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cc_session_hub/internal/metrics"
	"cc_session_hub/internal/notify"
	"cc_session_hub/internal/session"
)

// Options configures a Server.
type Options struct {
	Addr     string
	Manager  *session.Manager
	Notifier *notify.Notifier
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Debug    bool
}

// Server serves the REST API, the viewer streams and the metrics endpoint.
type Server struct {
	manager  *session.Manager
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	started  time.Time

	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New builds the server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.New(notify.Options{Observer: opts.Metrics, Logger: opts.Logger})
		opts.Notifier.Attach(opts.Manager)
	}
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(opts.Logger.Named("http")))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		manager:  opts.Manager,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		log:      opts.Logger.Named("server"),
		started:  time.Now(),
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
			// access control is left to whatever fronts the hub
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.engine.GET("/metrics", gin.WrapH(metricsHandler))

	api := s.engine.Group("/api")
	api.GET("/health", s.health)
	api.GET("/notifications/ws", s.notifications)

	sessions := api.Group("/sessions")
	{
		sessions.GET("", s.listSessions)
		sessions.POST("", s.createSession)
		sessions.GET("/:id", s.getSession)
		sessions.PATCH("/:id", s.updateSession)
		sessions.DELETE("/:id", s.deleteSession)
		sessions.POST("/:id/activate", s.activateSession)
		sessions.POST("/:id/deactivate", s.deactivateSession)
		sessions.GET("/:id/events", s.sessionEvents)
		sessions.GET("/:id/permissions", s.pendingPermissions)
		sessions.POST("/:id/permissions/:requestId", s.decidePermission)
		sessions.GET("/:id/ws", s.stream)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, asks every open stream to close and
// waits for them until ctx is done. Stopping the agents is the manager's job.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	s.closing = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, msg, deadline)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.Close()
		}
		<-done
	}
	return err
}

// track registers a hijacked connection so Shutdown can reach it.
func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"clients": s.notifier.Clients(),
	})
}
