package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledati16/drfw/pkg/log"
)

// ServerConfig holds metrics server configuration
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:9090")
	Addr string

	// Path is the metrics endpoint path (default: "/metrics")
	Path string

	// ReadTimeout is the maximum duration for reading the request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration
}

// DefaultServerConfig listens on loopback only; the endpoint describes the
// host's firewall state.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:9090",
		Path:         "/metrics",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server exposes the default registry over HTTP for the lifetime of an
// apply.
type Server struct {
	config   ServerConfig
	server   *http.Server
	listener net.Listener
	ready    func() bool
}

// NewServer creates a new metrics server. ready backs /readyz; nil means
// always ready.
func NewServer(cfg ServerConfig, ready func() bool) *Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{config: cfg, ready: ready}
}

// RegisterCollector registers a Prometheus collector with the default
// registry. Registering the same collector twice is not an error.
func (s *Server) RegisterCollector(collector prometheus.Collector) error {
	err := prometheus.Register(collector)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.config.Path, promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

// Start binds the listener and serves in a goroutine. Bind errors are
// returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("metrics: listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	log.Info("metrics server started", "addr", ln.Addr().String(), "path", s.config.Path)
	return nil
}

// Stop gracefully shuts down the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics: shutdown: %w", err)
	}

	log.Debug("metrics server stopped")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}
