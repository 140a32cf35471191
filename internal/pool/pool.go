// Package pool maintains a bounded set of health-checked TCP connections
// to a single upstream Redis host:port, with prewarming, borrow/release
// semantics, and periodic background maintenance. See spec.md §4.3.
package pool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	healthCheckPing    = "*1\r\n$4\r\nPING\r\n"
	healthCheckPong    = "+PONG\r\n"
	healthCheckTimeout = time.Second
	maintenanceInterval = 60 * time.Second
)

// Config carries the tuning parameters from spec.md §3.
type Config struct {
	UpstreamHost string
	UpstreamPort int

	Max             int
	ConnectTimeout  time.Duration
	Prewarm         int
	KeepaliveOn     bool
	KeepaliveIdle   time.Duration
	KeepaliveInterv time.Duration
	KeepaliveProbes int
}

// Stats is a snapshot of the pool's cumulative counters plus its current
// idle depth. Every counter is monotonically nondecreasing for the life of
// the pool.
type Stats struct {
	Created            uint64
	Reused             uint64
	FailedHealthChecks uint64
	PoolHits           uint64
	PoolMisses         uint64
	ConnectionsClosed  uint64
	CurrentIdle        int
	Max                int
}

// Conn is one pooled upstream TCP connection.
type Conn struct {
	net.Conn
	br *bufio.Reader
}

func wrapConn(c net.Conn) *Conn {
	return &Conn{Conn: c, br: bufio.NewReader(c)}
}

// Pool owns a bounded idle queue of upstream connections, per spec.md §4.3.
// The idle queue is a buffered channel (an MPMC bounded queue); the
// counters live behind a single mutex, matching the concurrency note in
// spec.md §4.3: "a single mutex protects the counters, and the queue is a
// thread-safe bounded channel".
type Pool struct {
	cfg    Config
	log    *zap.Logger
	idle   chan *Conn
	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Pool. Call Initialize to start background maintenance
// and prewarming.
func New(cfg Config, log *zap.Logger) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	return &Pool{
		cfg:  cfg,
		log:  log,
		idle: make(chan *Conn, cfg.Max),
		done: make(chan struct{}),
	}
}

// Initialize starts the maintenance worker and concurrently creates up to
// min(prewarm, max) connections, enqueuing the successful ones. Prewarm
// failures are logged and never fatal; no counter records them.
func (p *Pool) Initialize(ctx context.Context) {
	maintCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.maintenanceLoop(maintCtx)

	n := p.cfg.Prewarm
	if n > p.cfg.Max {
		n = p.cfg.Max
	}
	if n <= 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			conn, err := p.createConnection()
			if err != nil {
				p.log.Warn("prewarm connection failed", zap.Int("index", idx), zap.Error(err))
				return
			}
			select {
			case p.idle <- conn:
				p.mu.Lock()
				p.stats.Created++
				p.mu.Unlock()
			default:
				// Pool filled by a racing prewarm goroutine; discard.
				p.closeAndCount(conn)
			}
		}(i)
	}
	wg.Wait()
	p.log.Info("pool prewarmed", zap.Int("requested", n), zap.Int("idle", len(p.idle)))
}

// createConnection opens a fresh TCP connection to the upstream with the
// configured connect timeout and socket tuning. It never returns both a
// non-nil *Conn and a non-nil error.
func (p *Pool) createConnection() (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", p.cfg.UpstreamHost, p.cfg.UpstreamPort)
	dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}

	if tc, ok := raw.(*net.TCPConn); ok {
		tuneSocket(tc, p.cfg)
	}

	return wrapConn(raw), nil
}

// Borrow returns a healthy upstream connection, reusing an idle one when
// possible. See spec.md §4.3's borrow algorithm.
func (p *Pool) Borrow() (*Conn, error) {
	for {
		select {
		case conn := <-p.idle:
			p.mu.Lock()
			p.stats.PoolHits++
			p.mu.Unlock()

			if p.isHealthy(conn) {
				p.mu.Lock()
				p.stats.Reused++
				p.mu.Unlock()
				return conn, nil
			}

			p.mu.Lock()
			p.stats.FailedHealthChecks++
			p.stats.ConnectionsClosed++
			p.mu.Unlock()
			_ = conn.Close()
			continue
		default:
			p.mu.Lock()
			p.stats.PoolMisses++
			p.mu.Unlock()

			conn, err := p.createConnection()
			if err != nil {
				return nil, fmt.Errorf("cannot obtain a connection: %w", err)
			}
			p.mu.Lock()
			p.stats.Created++
			p.mu.Unlock()
			return conn, nil
		}
	}
}

// Release returns conn to the pool if it is healthy and there is room;
// otherwise it is closed. Release never surfaces an error to the caller —
// per spec.md §7, a broken connection on release is counted, not surfaced.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	if !p.isHealthy(conn) {
		p.mu.Lock()
		p.stats.FailedHealthChecks++
		p.stats.ConnectionsClosed++
		p.mu.Unlock()
		_ = conn.Close()
		return
	}

	select {
	case p.idle <- conn:
	default:
		p.closeAndCount(conn)
	}
}

// Discard closes conn without a health check and counts it as closed. Used
// by callers that know the connection is already broken (e.g. a session
// whose upstream read/write failed mid-stream).
func (p *Pool) Discard(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.stats.ConnectionsClosed++
	p.mu.Unlock()
	_ = conn.Close()
}

func (p *Pool) closeAndCount(conn *Conn) {
	p.mu.Lock()
	p.stats.ConnectionsClosed++
	p.mu.Unlock()
	_ = conn.Close()
}

// isHealthy runs the RESP-level PING/PONG probe from spec.md §4.3. A bare
// TCP keepalive wouldn't catch an upstream that has closed the Redis
// session logically while leaving the socket half-open, which is exactly
// why a wire-level probe is used here instead.
func (p *Pool) isHealthy(conn *Conn) bool {
	if err := conn.SetDeadline(time.Now().Add(healthCheckTimeout)); err != nil {
		return false
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(healthCheckPing)); err != nil {
		return false
	}

	resp := make([]byte, 1024)
	n, err := conn.Read(resp)
	if err != nil {
		return false
	}
	return string(resp[:n]) == healthCheckPong
}

// maintenanceLoop drains the idle queue every 60 seconds, health-checks
// each connection, and reinserts the healthy ones. See spec.md §4.3.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	defer close(p.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	var scratch []*Conn
	for {
		select {
		case conn := <-p.idle:
			scratch = append(scratch, conn)
		default:
			goto drained
		}
	}
drained:
	cleaned := 0
	for _, conn := range scratch {
		if !p.isHealthy(conn) {
			p.closeAndCount(conn)
			p.mu.Lock()
			p.stats.FailedHealthChecks++
			p.mu.Unlock()
			cleaned++
			continue
		}
		select {
		case p.idle <- conn:
		default:
			p.closeAndCount(conn)
			cleaned++
		}
	}
	if cleaned > 0 {
		p.log.Info("pool maintenance swept unhealthy connections", zap.Int("cleaned", cleaned))
	}
}

// Shutdown cancels maintenance and closes every idle connection. Idempotent.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close()
		default:
			return
		}
	}
}

// Stats returns an internally consistent snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := p.stats
	p.mu.Unlock()
	s.CurrentIdle = len(p.idle)
	s.Max = p.cfg.Max
	return s
}
