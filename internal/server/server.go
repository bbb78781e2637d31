// Package server exposes the workbench over HTTP: a JSON API, a websocket
// feed of workbench events and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"workbench/internal/chatstream"
	"workbench/internal/history"
	"workbench/internal/logging"
	"workbench/internal/workbench"
)

const (
	defaultEventBuffer     = 256
	defaultShutdownTimeout = 10 * time.Second
)

// Config wires a Server.
type Config struct {
	Addr            string
	Coordinator     *workbench.Coordinator
	Chat            *chatstream.Client
	History         history.Store
	Gatherer        prometheus.Gatherer
	Logger          logging.Logger
	EventBuffer     int
	ShutdownTimeout time.Duration
	// CORSOrigins enables CORS for the listed origins; "*" allows any.
	CORSOrigins []string
	// SandboxReady reports sandbox readiness for /healthz.
	SandboxReady func() bool
	Debug        bool
}

// Server is the HTTP front of one workbench session.
type Server struct {
	cfg        Config
	coord      *workbench.Coordinator
	logger     logging.Logger
	engine     *gin.Engine
	wsUpgrader websocket.Upgrader
	startTime  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("server")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	if len(cfg.CORSOrigins) > 0 {
		engine.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		coord:     cfg.Coordinator,
		logger:    logger,
		engine:    engine,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.CORSOrigins),
		},
	}
	s.setupRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	config := cors.DefaultConfig()
	if slices.Contains(origins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	config.AllowWebSockets = true
	return config
}

// originChecker accepts any origin unless an explicit allow list is set.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, origin)
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	api.Use(jsonMiddleware())
	{
		api.GET("/artifacts", s.handleListArtifacts)
		api.GET("/artifacts/:messageID/actions", s.handleListActions)
		api.POST("/messages", s.handlePostMessage)
		api.POST("/chat", s.handleChat)
		api.POST("/abort", s.handleAbort)

		api.GET("/files", s.handleListFiles)
		api.GET("/files/content/*path", s.handleReadFile)
		api.PUT("/documents/*path", s.handleSetDocument)
		api.GET("/documents/unsaved", s.handleUnsaved)
		api.POST("/save", s.handleSave)
		api.GET("/modifications", s.handleModifications)
		api.POST("/modifications/reset", s.handleResetModifications)
	}
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening on %s", s.cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.wg.Wait()
		if err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close cancels background work started by handlers and waits for it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
