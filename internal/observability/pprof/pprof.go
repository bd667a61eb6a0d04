// Package pprof hosts the optional debug HTTP listener. Disabled by
// default; meant for localhost only.
package pprof

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	logx "slotwatch/pkg/logx"
)

type Config struct {
	Enabled              bool
	Address              string // default 127.0.0.1:6060
	BlockProfileRate     int
	MutexProfileFraction int
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:6060"
	}
	return c
}

// Service manages the debug listener lifecycle. Apply is reload-safe:
// it starts, stops or rebinds the server to match the config.
type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	// Profiling knobs apply even with the server disabled.
	runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Address {
		return
	}

	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Service) startLocked(cfg Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		s.log.Warn("pprof listen failed", logx.String("addr", cfg.Address), logx.Err(err))
		return
	}

	srv := &http.Server{Addr: cfg.Address, Handler: mux}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server error", logx.Err(err))
		}
	}()
	s.log.Info("pprof enabled", logx.String("addr", s.addr))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("pprof shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("pprof disabled", logx.String("addr", addr))
}

// Addr reports the bound address while running, "" otherwise.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
