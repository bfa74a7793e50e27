// Package server serves read-only introspection of a running kernel over
// HTTP: health, prometheus metrics and per-task snapshots.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
)

// Server wraps the debug HTTP server and the kernel it reports on
type Server struct {
	router *gin.Engine
	http   *http.Server
	kernel *ipc.Kernel
	log    *zap.Logger
}

// Config contains server configuration
type Config struct {
	Host      string
	Port      string
	CORS      CORSConfig
	RateLimit RateLimitConfig
}

// DefaultConfig returns the stock debug server configuration
func DefaultConfig() Config {
	return Config{
		Host:      "127.0.0.1",
		Port:      "8000",
		CORS:      DefaultCORSConfig(),
		RateLimit: DefaultRateLimitConfig(),
	}
}

// NewServer creates a new server instance
func NewServer(cfg Config, kernel *ipc.Kernel, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(kernel.Metrics()))
	router.Use(CORS(cfg.CORS))
	router.Use(RateLimit(cfg.RateLimit))

	handlers := NewHandlers(kernel)

	// Register routes
	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(kernel.Metrics().Registry(), promhttp.HandlerOpts{})))

	// Task introspection
	router.GET("/tasks", handlers.ListTasks)
	router.GET("/tasks/:id", handlers.GetTask)

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		kernel: kernel,
		log:    logger.Named("server"),
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called
func (s *Server) Run() error {
	s.log.Info("Starting debug server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for the running ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
