// Package server accepts proxy connections and dispatches each one to its
// own goroutine.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"webproxy-go/internal/metrics"
)

// ConnectionHandler serves one accepted connection to completion. It owns
// the connection and must close it.
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server is the TCP accept loop in front of a ConnectionHandler.
type Server struct {
	handler ConnectionHandler
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New creates a Server. The metrics parameter is optional.
func New(h ConnectionHandler, logger *slog.Logger, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: h,
		logger:  logger.With("component", "server"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Serve accepts connections on ln until it is closed. Each connection is
// handled on a new goroutine; Serve never waits for one to finish. It
// returns nil once the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if (errors.As(err, &ne) && ne.Timeout()) || isTemporary(err) {
				backoff = nextBackoff(backoff)
				s.logger.Warn("accept error; retrying", "err", err, "retry_in", backoff)
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		host, port, _ := net.SplitHostPort(conn.RemoteAddr().String())
		s.logger.Info("accepted connection", "client_host", host, "client_port", port)
		if s.metrics != nil {
			s.metrics.ConnectionsAccepted.Inc()
		}

		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		defer s.metrics.ConnectionsActive.Dec()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection handler panic",
				"panic", r,
				"remote_addr", conn.RemoteAddr().String(),
				"stack", string(debug.Stack()),
			)
			_ = conn.Close()
		}
	}()

	s.handler.HandleConnection(s.ctx, conn)
}

// Close stops accepting connections and cancels the context handed to
// handlers. Connections already being served are not waited for.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// isTemporary reports whether err is an accept error worth retrying, such as
// running out of file descriptors or a connection aborted before accept.
func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	return min(d*2, maxAcceptBackoff)
}
