package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const defaultShutdownTimeout = 5 * time.Second

// Server serves the dashboard API until its context ends, then drains in-flight
// requests for up to the shutdown timeout.
type Server struct {
	logger          *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration

	ready chan struct{}
	addr  net.Addr
	once  sync.Once
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger used for lifecycle and access logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithShutdownTimeout bounds how long Run waits for in-flight requests on exit.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New builds a server for handler listening on addr. Every request is access
// logged at debug level.
func New(addr string, handler http.Handler, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if addr == "" {
		return nil, errors.New("server: listen address required")
	}

	s := &Server{
		shutdownTimeout: defaultShutdownTimeout,
		ready:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "server"))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           accessLog(s.logger, handler),
		ReadHeaderTimeout: 10 * time.Second,
		// Dashboard passes can wait on sequential groups, so writes get more room than reads.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the bound listener address. It is nil until Ready is closed.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.addr
	default:
		return nil
	}
}

// Run listens on the configured address and serves until ctx is cancelled. It
// returns ctx.Err() after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr = ln.Addr()
	close(s.ready)

	served := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard api listening", slog.String("address", s.addr.String()))
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		served <- err
	}()

	select {
	case err := <-served:
		if err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	if err := s.shutdown(); err != nil {
		return err
	}
	<-served
	return ctx.Err()
}

func (s *Server) shutdown() error {
	var err error
	s.once.Do(func() {
		s.logger.Info("dashboard api draining", slog.Duration("timeout", s.shutdownTimeout))
		ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err = s.httpServer.Shutdown(ctx); err != nil {
			err = fmt.Errorf("server: shutdown: %w", err)
		}
	})
	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func accessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)))
	})
}
