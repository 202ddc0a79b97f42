// Package server exposes the download scheduler over HTTP and streams task
// events over a WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/itenfay/cxdownload/internal/api"
	"github.com/itenfay/cxdownload/internal/config"
	"github.com/itenfay/cxdownload/internal/download"
	"github.com/itenfay/cxdownload/internal/logger"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/storage"
)

// Downloader is the part of the scheduler the handlers drive
type Downloader interface {
	Download(ctx context.Context, rawURL string, opts download.Options, cb download.Callbacks) (string, error)
	Pause(ctx context.Context, rawURL string) error
	Cancel(ctx context.Context, rawURL string) error
	Delete(ctx context.Context, rawURL string, opts download.Options) error
	Task(ctx context.Context, rawURL string) (*storage.TaskRecord, error)
	Tasks(ctx context.Context) ([]storage.TaskRecord, error)
	SetMaxConcurrentDownloads(ctx context.Context, n int) error
	SetCellularAccessAllowed(ctx context.Context, allowed bool)
	SetNetworkReachability(ctx context.Context, r download.Reachability) error
	Settings() (limit int, allowsCellular bool, reachability download.Reachability)
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// ConfigFrom converts the file configuration
func ConfigFrom(cfg *config.ServerConfig) *Config {
	return &Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		ReadTimeout:    time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.WriteTimeout) * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	downloads  Downloader
	configMgr  *config.Manager
	hub        *eventHub

	mu sync.Mutex
}

// NewServer creates a new HTTP server. configMgr may be nil, in which case
// settings changes are not persisted.
func NewServer(cfg *Config, downloads Downloader, bus *notify.Bus, configMgr *config.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:    gin.New(),
		config:    cfg,
		downloads: downloads,
		configMgr: configMgr,
		hub:       newEventHub(bus),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	log := logger.GetLogger()
	s.engine.Use(
		api.RecoveryMiddleware(log),
		api.RequestID(),
		api.CORSMiddleware(s.config.AllowedOrigins),
		api.LoggerMiddleware(log),
		api.ErrorHandler(log),
	)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/events", s.handleEvents)

	api := s.engine.Group("/api")
	{
		api.GET("/info", s.handleInfo)

		downloads := api.Group("/downloads")
		{
			downloads.GET("", s.handleListDownloads)
			downloads.POST("", s.handleCreateDownload)
			downloads.DELETE("", s.handleDeleteDownload)
			downloads.GET("/task", s.handleGetDownload)
			downloads.POST("/pause", s.handlePauseDownload)
			downloads.POST("/cancel", s.handleCancelDownload)
		}

		settings := api.Group("/settings")
		{
			settings.GET("", s.handleGetSettings)
			settings.PUT("", s.handleUpdateSettings)
		}
	}
}

// Handler returns the HTTP handler (for testing)
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already started")
	}
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	logger.Infof("HTTP server listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

// Shutdown stops accepting requests, closes event streams and waits for
// in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown failed: %v", err)
		srv.Close()
		return err
	}
	s.hub.wait()
	return nil
}
