// Package listener accepts client TCP connections and hands each one off
// to a per-session handler. See spec.md §4.5.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// acceptErrPause bounds how long the accept loop backs off after a
// transient accept error, per spec.md §4.5 ("≥1 second"). The backlog
// itself isn't configurable through net.Listen; the kernel's default
// (typically SOMAXCONN) already matches the "generous backlog" the spec
// asks for.
const acceptErrPause = time.Second

// Handler processes one accepted connection. Implemented by
// *session.Handler in production; a narrow interface here keeps this
// package decoupled from internal/session.
type Handler interface {
	Serve(conn net.Conn)
}

// Listener wraps a bound TCP socket and an accept loop.
type Listener struct {
	ln  net.Listener
	log *zap.Logger
}

// Listen binds to host:port. When host is "::" and ipv6 is true it tries a
// dual-stack IPv6 socket first (Go's net package leaves IPV6_V6ONLY
// cleared by default on every platform this module targets, so binding
// "[::]:port" already accepts IPv4-mapped connections); if that bind
// fails — or ipv6 is disabled by configuration — it falls back to plain
// IPv4 on "0.0.0.0:port", matching original_source/src/proxy.py's
// start_server fallback and its proxy_ipv6 config flag.
func Listen(host string, port int, ipv6 bool, log *zap.Logger) (*Listener, error) {
	if host == "::" && !ipv6 {
		host = "0.0.0.0"
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		log.Info("listening", zap.String("addr", addr))
		return &Listener{ln: ln, log: log}, nil
	}

	if host != "::" {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	log.Warn("dual-stack bind failed, falling back to IPv4", zap.Error(err))
	fallbackAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(port))
	ln, ferr := net.Listen("tcp4", fallbackAddr)
	if ferr != nil {
		return nil, fmt.Errorf("listen %s (ipv4 fallback after %v): %w", fallbackAddr, err, ferr)
	}
	log.Info("listening (ipv4 fallback)", zap.String("addr", fallbackAddr))
	return &Listener{ln: ln, log: log}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections. In-flight sessions are left to
// drain by the caller.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, dispatching each accepted connection to h.Serve on its own
// goroutine per spec.md §4.5 ("many independent concurrent sessions").
// Accept errors are logged and followed by a pause of at least
// acceptErrPause to avoid a hot loop under transient resource exhaustion.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Error("accept error", zap.Error(err))
			time.Sleep(acceptErrPause)
			continue
		}
		go h.Serve(conn)
	}
}
