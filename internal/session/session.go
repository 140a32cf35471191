// Package session implements the per-client connection lifecycle: borrow
// an upstream connection, run the two forwarders, and release the
// connection exactly once when both finish. See spec.md §4.4.
package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/redis-authproxy/redis-authproxy/internal/metrics"
	"github.com/redis-authproxy/redis-authproxy/internal/pool"
	"github.com/redis-authproxy/redis-authproxy/internal/respauth"
)

const (
	readBufSize    = 4096
	idleReadPeriod = 30 * time.Second
)

var nextSessionID atomic.Uint64

// Handler wires a pool, credentials, a logger, and a metrics recorder into
// something that can run a full client session end to end.
type Handler struct {
	Pool    *pool.Pool
	Creds   respauth.Credentials
	Log     *zap.Logger
	Metrics metrics.Recorder
}

// Serve runs one client connection to completion: it borrows an upstream
// connection, runs both forwarders, and releases or discards the upstream
// exactly once when both finish. It never returns an error — every failure
// is logged, counted, and resolved by closing sockets, per spec.md §7.
func (h *Handler) Serve(client net.Conn) {
	id := nextSessionID.Add(1)
	start := time.Now()
	log := h.Log.With(zap.Uint64("session", id), zap.String("remote", client.RemoteAddr().String()))

	defer client.Close()

	upstream, err := h.Pool.Borrow()
	if err != nil {
		log.Warn("refusing client: could not obtain upstream connection", zap.Error(err))
		h.Metrics.ConnectionRejected()
		h.Metrics.Error(metrics.ErrorConnection)
		return
	}

	h.Metrics.ConnectionAccepted()
	defer func() {
		h.Metrics.ConnectionClosed(time.Since(start))
	}()

	interceptor := respauth.NewInterceptor(h.Creds)

	// spec.md §4.4: the session waits for both forwarders to finish before
	// releasing the upstream, so a clean, healthy connection can be handed
	// back to the pool and reused by the next session. A direction that
	// finishes first (cleanly or not) sets stopped and nudges the peer
	// connection's read deadline into the past, which unblocks whatever
	// Read the other forwarder is parked in without closing either socket
	// outright — closing would make the upstream unreturnable to the pool.
	var stopped atomic.Bool
	var clientErr, upstreamErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientErr = h.forward(client, upstream, interceptor, metrics.DirectionClientToServer, &stopped, log)
		stopped.Store(true)
		_ = upstream.SetReadDeadline(time.Now())
	}()
	go func() {
		defer wg.Done()
		upstreamErr = h.forward(upstream, client, nil, metrics.DirectionServerToClient, &stopped, log)
		stopped.Store(true)
		_ = client.SetReadDeadline(time.Now())
	}()
	wg.Wait()

	if clientErr != nil || upstreamErr != nil {
		h.Pool.Discard(upstream)
	} else {
		h.Pool.Release(upstream)
	}
	log.Debug("session complete")
}

// forward copies data from src to dst, optionally running it through an
// interceptor first. It returns a non-nil error whenever the connection
// should be considered unhealthy for pool purposes (anything other than a
// clean peer EOF or a cooperative stop signalled by the sibling forwarder).
func (h *Handler) forward(src, dst net.Conn, interceptor *respauth.Interceptor, direction string, stopped *atomic.Bool, log *zap.Logger) error {
	buf := make([]byte, readBufSize)

	for {
		if err := setIdleReadDeadline(src); err != nil {
			return err
		}

		n, err := src.Read(buf)
		if n > 0 {
			out := buf[:n]
			if interceptor != nil && interceptor.Active() {
				rewritten, authFailed := interceptor.Feed(out)
				if authFailed {
					if _, werr := src.Write(rewritten); werr != nil {
						log.Debug("failed writing auth failure sentinel to client", zap.Error(werr))
					}
					h.Metrics.Error(metrics.ErrorAuth)
					log.Info("client authentication failed")
					return errors.New("authentication failed")
				}
				out = rewritten
			}

			if _, werr := dst.Write(out); werr != nil {
				log.Debug("write error", zap.String("direction", direction), zap.Error(werr))
				return werr
			}
			h.Metrics.BytesTransferred(direction, len(out))
		}

		if err != nil {
			if isTimeout(err) {
				if stopped.Load() {
					return nil
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Debug("read error", zap.String("direction", direction), zap.Error(err))
				return err
			}
			return nil
		}
	}
}

func setIdleReadDeadline(c net.Conn) error {
	return c.SetReadDeadline(time.Now().Add(idleReadPeriod))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
