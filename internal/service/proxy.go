// Package service implements the per-connection proxy logic: reading the
// client request, resolving the origin, and relaying the response.
package service

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"webproxy-go/internal/client"
	"webproxy-go/internal/config"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/model"
)

// ProxyService handles one client connection from request line to close.
// It keeps no per-request state between calls and is safe for concurrent use.
type ProxyService struct {
	client  *client.OriginClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable request metrics.
func NewProxyService(c *client.OriginClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
	if rl := cfg.Server.RateLimit; rl.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), max(rl.Burst, 1))
		s.logger.Info("rate limiter enabled", "rps", rl.RequestsPerSecond, "burst", rl.Burst)
	}
	return s
}

// exchange records what happened on one connection for logging and metrics.
type exchange struct {
	remote  string
	req     *model.IncomingRequest
	target  model.ResolvedTarget
	outcome string
	bytes   int64
	err     error
}

// HandleConnection serves a single request on conn and closes it. Both the
// client and the origin connection are closed on every path.
func (s *ProxyService) HandleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	start := time.Now()
	ex := &exchange{remote: conn.RemoteAddr().String()}
	s.serve(ctx, conn, ex)
	s.finish(ex, time.Since(start))
}

func (s *ProxyService) serve(ctx context.Context, conn net.Conn, ex *exchange) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.reject(conn, ex, http.StatusTooManyRequests, ex.remote, "Proxy is refusing connections over its rate limit")
		return
	}

	req, err := s.readRequest(conn)
	if err != nil {
		ex.err = err
		if errors.Is(err, ErrMalformedRequest) || errors.Is(err, ErrLineTooLong) {
			s.reject(conn, ex, http.StatusBadRequest, err.Error(), "Proxy could not parse the request")
			return
		}
		ex.outcome = metrics.OutcomeClientGone
		return
	}
	ex.req = req

	if !strings.EqualFold(req.Method, http.MethodGet) {
		s.reject(conn, ex, http.StatusNotImplemented, req.Method, "Proxy does not implement this method")
		return
	}

	ex.target = ResolveTarget(req.Target)

	origin, err := s.client.Dial(ctx, ex.target)
	if err != nil {
		ex.err = err
		s.reject(conn, ex, http.StatusBadGateway, ex.target.Hostname, "Proxy failed to connect to end server")
		return
	}
	defer func() { _ = origin.Close() }()

	out := &model.OutboundRequest{Target: ex.target, UserAgent: s.cfg.Upstream.UserAgent}
	s.logger.Debug("forwarding request", "request", string(out.Bytes()))
	if err := s.client.Send(origin, out); err != nil {
		ex.err = err
		s.reject(conn, ex, http.StatusBadGateway, ex.target.Hostname, "Proxy failed to send the request to end server")
		return
	}

	// From here on the client only ever sees origin bytes; a failure just
	// closes the connection.
	ex.bytes, err = s.client.Relay(origin, conn)
	if err != nil {
		ex.err = err
		ex.outcome = metrics.OutcomeRelayFailed
		return
	}
	ex.outcome = metrics.OutcomeRelayed
}

// readRequest reads the request head, bounded by the client read timeout.
func (s *ProxyService) readRequest(conn net.Conn) (*model.IncomingRequest, error) {
	if timeout := s.cfg.Server.ReadTimeout(); timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	maxLine := s.cfg.Server.MaxLineBytes
	return ReadRequest(bufio.NewReaderSize(conn, max(maxLine, 16)), maxLine)
}

// reject answers the client with an error page and records the status as the outcome.
func (s *ProxyService) reject(w io.Writer, ex *exchange, code int, cause, longMsg string) {
	ex.outcome = strconv.Itoa(code)
	if err := WriteError(w, cause, code, http.StatusText(code), longMsg); err != nil {
		s.logger.Debug("error page not delivered", "status", code, "err", err, "remote_addr", ex.remote)
	}
}

func (s *ProxyService) finish(ex *exchange, elapsed time.Duration) {
	method := "none"
	attrs := []any{"remote_addr", ex.remote, "outcome", ex.outcome}
	if ex.req != nil {
		method = metrics.NormalizeMethod(ex.req.Method)
		attrs = append(attrs, "method", ex.req.Method, "target", ex.req.Target)
	}
	if ex.target.Hostname != "" {
		attrs = append(attrs, "host", ex.target.Hostname, "port", ex.target.Port, "path", ex.target.Path)
	}
	attrs = append(attrs, "bytes", ex.bytes, "duration_ms", elapsed.Milliseconds())
	if ex.err != nil {
		attrs = append(attrs, "err", ex.err)
	}

	switch {
	case ex.req == nil && errors.Is(ex.err, io.EOF):
		// Connected and left without a request; health checks do this.
		s.logger.Debug("request", attrs...)
	case ex.outcome == metrics.OutcomeRelayFailed || ex.outcome == metrics.OutcomeClientGone:
		s.logger.Warn("request", attrs...)
	default:
		s.logger.Info("request", attrs...)
	}

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(method, ex.outcome).Inc()
		s.metrics.RequestDuration.WithLabelValues(method, ex.outcome).Observe(elapsed.Seconds())
	}
}
