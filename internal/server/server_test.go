package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"webproxy-go/internal/client"
	"webproxy-go/internal/config"
	"webproxy-go/internal/metrics"
	"webproxy-go/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs srv on a loopback listener and returns its address.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after Close()")
		}
	})
	return ln.Addr().String()
}

// startOrigin runs an origin that answers each connection with a body naming itself.
func startOrigin(t *testing.T, name string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				var head bytes.Buffer
				buf := make([]byte, 512)
				for !strings.HasSuffix(head.String(), "\r\n\r\n") {
					n, err := conn.Read(buf)
					head.Write(buf[:n])
					if err != nil {
						return
					}
				}
				body := strings.Repeat(name+"\n", 200)
				_, _ = fmt.Fprintf(conn, "HTTP/1.0 200 OK\r\nContent-length: %d\r\n\r\n%s", len(body), body)
			}()
		}
	}()
	return ln.Addr().String()
}

func fetch(addr, request string) (string, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, request); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	return string(out), err
}

func TestServer_ConcurrentClientsDistinctOrigins(t *testing.T) {
	cfg := &config.Config{
		Server:   config.ServerConfig{MaxLineBytes: 8192},
		Upstream: config.UpstreamConfig{UserAgent: "webproxy-test/1.0"},
	}
	logger := discardLogger()
	m := metrics.New()
	svc := service.NewProxyService(client.NewOriginClient(cfg, logger, m), cfg, logger, m)
	proxyAddr := startServer(t, New(svc, logger, m))

	const n = 8
	origins := make([]string, n)
	for i := range n {
		origins[i] = startOrigin(t, fmt.Sprintf("origin-%d", i))
	}

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = fetch(proxyAddr, "GET http://"+origins[i]+"/ HTTP/1.0\r\n\r\n")
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Errorf("client %d: %v", i, errs[i])
			continue
		}
		_, body, ok := strings.Cut(results[i], "\r\n\r\n")
		if !ok {
			t.Errorf("client %d: no header terminator in %q", i, results[i])
			continue
		}
		want := strings.Repeat(fmt.Sprintf("origin-%d\n", i), 200)
		if body != want {
			t.Errorf("client %d: body mixes in other responses or is truncated (%d bytes, want %d)", i, len(body), len(want))
		}
	}
}

type funcHandler func(ctx context.Context, conn net.Conn)

func (f funcHandler) HandleConnection(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// answerOK consumes the one-byte request before replying, so closing the
// connection does not discard unread input and reset the client.
func answerOK(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
		return
	}
	_, _ = io.WriteString(conn, "ok")
}

func TestServer_PanicInHandlerIsContained(t *testing.T) {
	var calls atomic.Int32
	h := funcHandler(func(_ context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		answerOK(conn)
	})
	addr := startServer(t, New(h, discardLogger(), nil))

	// The panicking worker's connection is closed rather than leaked.
	first, err := fetch(addr, "x")
	if err != nil && !errors.Is(err, syscall.ECONNRESET) && !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("first fetch: %v", err)
	}
	if first != "" {
		t.Errorf("first response = %q, want empty", first)
	}

	second, err := fetch(addr, "x")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second != "ok" {
		t.Errorf("second response = %q, want %q", second, "ok")
	}
}

func TestServer_CloseCancelsHandlerContext(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	h := funcHandler(func(ctx context.Context, conn net.Conn) {
		defer func() { _ = conn.Close() }()
		close(started)
		<-ctx.Done()
		close(canceled)
	})

	srv := New(h, discardLogger(), nil)
	addr := startServer(t, srv)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not canceled by Close()")
	}
}

func TestServer_ServeAfterClose(t *testing.T) {
	srv := New(funcHandler(func(context.Context, net.Conn) {}), discardLogger(), nil)
	_ = srv.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := srv.Serve(ln); err != nil {
		t.Fatalf("Serve() error = %v, want nil", err)
	}
	if _, err := ln.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("listener still open after Serve on a closed server: %v", err)
	}
}

// flakyListener fails Accept with a temporary error before delegating.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

type tempErr struct{}

func (tempErr) Error() string   { return "too many open files" }
func (tempErr) Temporary() bool { return true }
func (tempErr) Timeout() bool   { return false }

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, tempErr{}
	}
	return l.Listener.Accept()
}

func TestServer_RetriesTemporaryAcceptErrors(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln := &flakyListener{Listener: inner}
	ln.failures.Store(3)

	h := funcHandler(func(_ context.Context, conn net.Conn) { answerOK(conn) })
	srv := New(h, discardLogger(), nil)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	defer func() {
		_ = srv.Close()
		<-errc
	}()

	got, err := fetch(inner.Addr().String(), "x")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != "ok" {
		t.Errorf("response = %q, want %q", got, "ok")
	}
}

func TestServer_RecordsConnectionMetrics(t *testing.T) {
	m := metrics.New()
	h := funcHandler(func(_ context.Context, conn net.Conn) { _ = conn.Close() })
	addr := startServer(t, New(h, discardLogger(), m))

	if _, err := fetch(addr, ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		families, err := m.Registry.Gather()
		if err != nil {
			t.Fatalf("Gather() error = %v", err)
		}
		for _, f := range families {
			if f.GetName() == "webproxy_connections_accepted_total" && f.GetMetric()[0].GetCounter().GetValue() == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected webproxy_connections_accepted_total = 1")
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, minAcceptBackoff},
		{minAcceptBackoff, 2 * minAcceptBackoff},
		{maxAcceptBackoff / 2, maxAcceptBackoff},
		{maxAcceptBackoff, maxAcceptBackoff},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.in); got != tt.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
