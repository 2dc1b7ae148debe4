// Package client provides the origin-side connection handling for the proxy.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"webproxy-go/internal/config"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/model"
)

// ErrOriginUnreachable is returned when the origin server cannot be connected to.
var ErrOriginUnreachable = errors.New("origin unreachable")

// relayBufferSize bounds a single line read from the origin. Longer lines
// are forwarded in chunks of this size.
const relayBufferSize = 8192

// OriginClient opens connections to origin servers and relays their responses.
type OriginClient struct {
	dialer      *net.Dialer
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewOriginClient creates an OriginClient from the upstream settings.
// The metrics parameter is optional; pass nil to disable origin metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	return &OriginClient{
		dialer:      &net.Dialer{Timeout: cfg.Upstream.DialTimeout()},
		idleTimeout: cfg.Upstream.IdleTimeout(),
		logger:      logger.With("component", "origin_client"),
		metrics:     m,
	}
}

// Dial opens a new TCP connection to the target's origin server.
// The caller owns the returned connection and must close it.
func (c *OriginClient) Dial(ctx context.Context, target model.ResolvedTarget) (net.Conn, error) {
	addr := target.Addr()

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.OriginDialDuration.Observe(duration)
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.OriginDialErrors.Inc()
		}
		return nil, fmt.Errorf("%w: dial %s: %w", ErrOriginUnreachable, addr, err)
	}

	c.logger.Debug("origin connected", "addr", addr)
	return conn, nil
}

// Send writes the outbound request to the origin in full.
func (c *OriginClient) Send(origin net.Conn, req *model.OutboundRequest) error {
	if err := WriteFull(origin, req.Bytes()); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// Relay streams the origin's response to dst line by line until the origin
// closes its end. Bytes are forwarded unmodified. It returns the number of
// bytes written to dst; a clean EOF is not an error.
func (c *OriginClient) Relay(origin net.Conn, dst io.Writer) (int64, error) {
	r := bufio.NewReaderSize(origin, relayBufferSize)

	var total int64
	for {
		if c.idleTimeout > 0 {
			if err := origin.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
				return total, fmt.Errorf("set origin deadline: %w", err)
			}
		}

		line, readErr := r.ReadSlice('\n')
		if len(line) > 0 {
			if err := WriteFull(dst, line); err != nil {
				c.record(total)
				return total, fmt.Errorf("write to client: %w", err)
			}
			total += int64(len(line))
		}

		switch {
		case readErr == nil, errors.Is(readErr, bufio.ErrBufferFull):
			continue
		case errors.Is(readErr, io.EOF):
			c.record(total)
			return total, nil
		default:
			c.record(total)
			return total, fmt.Errorf("read from origin: %w", readErr)
		}
	}
}

func (c *OriginClient) record(n int64) {
	if c.metrics != nil {
		c.metrics.RelayedBytes.Add(float64(n))
	}
}

// WriteFull writes all of p to w, retrying after short writes until every
// byte is written or w reports an error.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
