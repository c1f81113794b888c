// Package server assembles castgate: it builds the stores, providers and
// job runtime from configuration, mounts the HTTP API and keeps both in
// step with configuration changes.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nuabase/castgate/config"
	"github.com/nuabase/castgate/llm"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdle          = 10 * time.Minute
)

// Server represents the HTTP server
type Server struct {
	watcher config.Watcher
	app     *App
	logger  *zap.Logger

	handler atomic.Pointer[Router]

	mu         sync.Mutex
	cfg        *config.Config
	onReload   []func(*config.Config)
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server that follows the configuration file at
// configPath.
func NewServer(configPath string, logger *zap.Logger) (*Server, error) {
	watcher, err := config.NewConfigWatcher(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	s, err := NewServerWithConfig(watcher, nil, logger)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithConfig creates a server from a watcher and an optional LLM
// client. A nil client means the configured providers are used.
func NewServerWithConfig(watcher config.Watcher, client llm.Client, logger *zap.Logger) (*Server, error) {
	cfg := watcher.GetCurrentConfig()
	app, err := NewApp(context.Background(), cfg, client, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		watcher: watcher,
		app:     app,
		logger:  logger,
		cfg:     cfg,
	}
	s.handler.Store(NewRouter(cfg, app, logger))
	return s, nil
}

// OnReload registers fn to run after each configuration change is
// applied. It must be called before Start.
func (s *Server) OnReload(fn func(*config.Config)) {
	s.onReload = append(s.onReload, fn)
}

// App returns the server's application state.
func (s *Server) App() *App { return s.app }

// ServeHTTP serves the router of the current configuration.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.Load().ServeHTTP(w, r)
}

// Addr returns the address the server listens on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) newHTTPServer(cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        s,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}
}

// listen binds a new http.Server and serves it in the background. Errors
// other than a normal close are sent on errCh.
func (s *Server) listen(cfg config.ServerConfig, errCh chan<- error) (*http.Server, net.Listener, error) {
	srv := s.newHTTPServer(cfg)
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}

	go func() {
		s.logger.Info("Server started", zap.String("address", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case errCh <- fmt.Errorf("server error: %w", err):
			default:
			}
		}
	}()
	return srv, ln, nil
}

// Start serves until ctx is cancelled, then drains HTTP requests and
// background jobs. Configuration updates are applied while running; a
// new port restarts the listener.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	configCh := s.watcher.Subscribe()

	s.mu.Lock()
	srv, ln, err := s.listen(s.cfg.Server, errCh)
	if err != nil {
		s.mu.Unlock()
		s.app.Close()
		return err
	}
	s.httpServer, s.listener = srv, ln
	s.mu.Unlock()

	// Jobs keep running through the shutdown drain.
	s.app.Start(context.WithoutCancel(ctx))

	sweep := time.NewTicker(limiterSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()

		case err := <-errCh:
			_ = s.shutdown()
			return err

		case cfg, ok := <-configCh:
			if !ok {
				configCh = nil
				continue
			}
			if err := s.applyConfig(cfg, errCh); err != nil {
				s.logger.Error("Failed to apply configuration", zap.Error(err))
			}

		case <-sweep.C:
			if n := s.handler.Load().sweep(limiterIdle); n > 0 {
				s.logger.Debug("Swept idle rate limiters", zap.Int("count", n))
			}
		}
	}
}

func (s *Server) applyConfig(cfg *config.Config, errCh chan<- error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg == s.cfg {
		return nil
	}
	if err := s.app.Reload(cfg); err != nil {
		return err
	}
	s.handler.Store(NewRouter(cfg, s.app, s.logger))

	if cfg.Server.Port != s.cfg.Server.Port {
		srv, ln, err := s.listen(cfg.Server, errCh)
		if err != nil {
			return err
		}
		old := s.httpServer
		s.httpServer, s.listener = srv, ln

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := old.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Previous listener did not drain", zap.Error(err))
		}
		s.logger.Info("Server restarted on new port",
			zap.Int("old_port", s.cfg.Server.Port),
			zap.Int("new_port", cfg.Server.Port),
		)
	}

	s.cfg = cfg
	for _, fn := range s.onReload {
		fn(cfg)
	}
	s.logger.Info("Configuration applied")
	return nil
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down server")
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("error during server shutdown: %w", err)
	}
	if err := s.app.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("error draining jobs: %w", err)
	}
	if err := s.watcher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
