// Package proxy wires the pool, listener, session handler, and metrics
// recorder together into the orchestrator original_source/src/proxy.py
// calls TransparentRedisProxy (AsyncRedisProxy in the newer revision):
// construct, Run, Shutdown. See SPEC_FULL.md §5.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/redis-authproxy/redis-authproxy/internal/config"
	"github.com/redis-authproxy/redis-authproxy/internal/listener"
	"github.com/redis-authproxy/redis-authproxy/internal/metrics"
	"github.com/redis-authproxy/redis-authproxy/internal/pool"
	"github.com/redis-authproxy/redis-authproxy/internal/respauth"
	"github.com/redis-authproxy/redis-authproxy/internal/session"
)

const poolSnapshotInterval = 15 * time.Second

// Proxy owns the pool, the listener, and the sampling loop that feeds pool
// statistics to the metrics recorder.
type Proxy struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics metrics.Recorder

	pool *pool.Pool
	ln   *listener.Listener
	addr atomic.Value // net.Addr, set once the listener is bound

	stopSampling context.CancelFunc
	sampleDone   chan struct{}
}

// New constructs a Proxy. Call Run to bind the listener and start serving.
func New(cfg *config.Config, log *zap.Logger, rec metrics.Recorder) *Proxy {
	p := pool.New(pool.Config{
		UpstreamHost:    cfg.UpstreamHost,
		UpstreamPort:    cfg.UpstreamPort,
		Max:             cfg.PoolMax,
		ConnectTimeout:  cfg.PoolConnectTimeout,
		Prewarm:         cfg.PoolPrewarm,
		KeepaliveOn:     cfg.PoolKeepaliveOn,
		KeepaliveIdle:   cfg.PoolKeepaliveIdle,
		KeepaliveInterv: cfg.PoolKeepaliveInterv,
		KeepaliveProbes: cfg.PoolKeepaliveProbes,
	}, log.Named("pool"))

	return &Proxy{
		cfg:     cfg,
		log:     log,
		metrics: rec,
		pool:    p,
	}
}

// Run prewarms the pool, binds the listener, and serves client connections
// until ctx is cancelled. It returns once every resource has been released.
func (p *Proxy) Run(ctx context.Context) error {
	p.pool.Initialize(ctx)

	ln, err := listener.Listen(p.cfg.ProxyHost, p.cfg.ProxyPort, p.cfg.ProxyIPv6, p.log.Named("listener"))
	if err != nil {
		p.pool.Shutdown()
		return fmt.Errorf("proxy: %w", err)
	}
	p.ln = ln
	p.addr.Store(ln.Addr())

	sampleCtx, cancel := context.WithCancel(ctx)
	p.stopSampling = cancel
	p.sampleDone = make(chan struct{})
	go p.sampleLoop(sampleCtx)

	handler := &session.Handler{
		Pool:    p.pool,
		Creds:   p.credentials(),
		Log:     p.log.Named("session"),
		Metrics: p.metrics,
	}

	p.log.Info("proxy started",
		zap.String("listen", ln.Addr().String()),
		zap.String("upstream", fmt.Sprintf("%s:%d", p.cfg.UpstreamHost, p.cfg.UpstreamPort)),
	)

	err = ln.Serve(ctx, handlerFunc(handler.Serve))
	p.Shutdown()
	return err
}

// Addr returns the listener's bound address, or nil if Run hasn't finished
// binding yet. Safe to call concurrently with Run.
func (p *Proxy) Addr() net.Addr {
	v := p.addr.Load()
	if v == nil {
		return nil
	}
	return v.(net.Addr)
}

// Shutdown stops the sampling loop and the pool's maintenance worker, and
// closes every idle pooled connection. Idempotent.
func (p *Proxy) Shutdown() {
	if p.stopSampling != nil {
		p.stopSampling()
		<-p.sampleDone
	}
	p.pool.Shutdown()
}

func (p *Proxy) credentials() respauth.Credentials {
	return respauth.Credentials{
		ProxyPassword:    p.cfg.ProxyPassword,
		UpstreamUsername: p.cfg.UpstreamUsername,
		UpstreamPassword: p.cfg.UpstreamPassword,
	}
}

// sampleLoop periodically pushes pool.Stats into the metrics recorder,
// since the pool itself has no notion of a metrics backend (spec.md §1
// keeps the exporter an external collaborator).
func (p *Proxy) sampleLoop(ctx context.Context) {
	defer close(p.sampleDone)
	ticker := time.NewTicker(poolSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.metrics.PoolSnapshot(p.pool.Stats())
			return
		case <-ticker.C:
			p.metrics.PoolSnapshot(p.pool.Stats())
		}
	}
}

type handlerFunc func(net.Conn)

func (f handlerFunc) Serve(conn net.Conn) { f(conn) }
