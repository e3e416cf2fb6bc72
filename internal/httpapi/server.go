package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	logx "tgcast/pkg/logx"
)

// Config is the listener and auth setup; see config.HTTPConfig.
type Config struct {
	Enabled     bool
	Addr        string
	Token       string
	JWTSecret   string
	CORSOrigins []string
	Pprof       bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8085"
	}
	return c
}

func (c Config) equal(o Config) bool {
	return c.Enabled == o.Enabled && c.Addr == o.Addr && c.Token == o.Token &&
		c.JWTSecret == o.JWTSecret && c.Pprof == o.Pprof && slices.Equal(c.CORSOrigins, o.CORSOrigins)
}

// Server owns the API listener and restarts it when its config changes.
type Server struct {
	campaigns Campaigns
	log       logx.Logger

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	ln   net.Listener
	addr string
}

func NewServer(campaigns Campaigns, log logx.Logger) *Server {
	return &Server{campaigns: campaigns, log: log.With(logx.String("comp", "httpapi"))}
}

// Apply starts, restarts or stops the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return nil
	}
	if s.srv != nil && s.cfg.equal(cfg) {
		return nil
	}
	s.stopLocked(ctx)
	if err := s.startLocked(cfg); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           NewHandler(s.campaigns, cfg, s.log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", addr), logx.Bool("auth", cfg.Token != "" || cfg.JWTSecret != ""))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		ctx = context.Background()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("http api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
