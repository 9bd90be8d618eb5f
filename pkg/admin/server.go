// Package admin exposes a small HTTP control surface for a running session.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lagrange-go/lagrange/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session is the part of *session.Client the API drives.
type Session interface {
	Uin() uint32
	Uid() string
	State() session.State
	Statistics() session.Statistics
	LastQrCode() []byte
	Login(ctx context.Context, password string) error
	Terminate()
}

// Config holds server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	RateLimit    int // requests per minute per client ip
	LoginTimeout time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Gatherer     prometheus.Gatherer
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8090",
		EnableCORS:   true,
		RateLimit:    120,
		LoginTimeout: 30 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	sess       Session
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	log        zerolog.Logger
}

// NewServer builds the router. Zero config fields take the defaults.
func NewServer(sess Session, cfg Config) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = d.RateLimit
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = d.LoginTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		sess:   sess,
		cfg:    cfg,
		router: gin.New(),
		log:    log.With().Str("component", "admin").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	if s.cfg.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	s.router.Use(RateLimitMiddleware(s.cfg.RateLimit))
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/qrcode", s.handleQrCode)
		v1.POST("/login", s.handleLogin)
		v1.POST("/logout", s.handleLogout)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	s.router.GET("/health", s.handleHealth)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("admin api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
