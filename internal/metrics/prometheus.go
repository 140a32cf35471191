package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redis-authproxy/redis-authproxy/internal/pool"
)

// Prometheus implements Recorder using counters for monotone quantities and
// gauges only for instantaneous values, per spec.md §9's counters-vs-gauges
// note. The metric catalogue matches original_source/src/metrics.py's
// ProxyMetrics and the naming in spec.md §6.
type Prometheus struct {
	connectionsTotal   *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	connectionDuration prometheus.Histogram

	poolConnectionsReused       prometheus.Counter
	poolConnectionsFailedHC     prometheus.Counter
	poolConnectionsClosed       prometheus.Counter
	poolSizeCurrent             prometheus.Gauge
	poolSizeMax                 prometheus.Gauge
	poolSizeAvailable           prometheus.Gauge
	poolHits                    prometheus.Counter
	poolMisses                  prometheus.Counter

	bytesTransferred *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec

	registry *prometheus.Registry
	srv      *http.Server

	mu        sync.Mutex
	lastStats pool.Stats
}

// NewPrometheus builds and registers every metric from spec.md §6 against a
// fresh registry (not the global default one, so tests can construct
// several independent Recorders).
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	ns := "redis_proxy"

	p := &Prometheus{
		registry: reg,
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "connections_total", Help: "Total number of client connections by status.",
		}, []string{"status"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_connections", Help: "Current number of active client connections.",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "connection_duration_seconds", Help: "Observed client connection durations.",
			Buckets: prometheus.DefBuckets,
		}),
		poolConnectionsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "pool_connections_reused_total", Help: "Total upstream connections reused from the pool.",
		}),
		poolConnectionsFailedHC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "pool_connections_failed_health_checks_total", Help: "Total pool health checks that failed.",
		}),
		poolConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "pool_connections_closed_total", Help: "Total pool connections closed.",
		}),
		poolSizeCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pool_size_current", Help: "Current number of idle pool connections.",
		}),
		poolSizeMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pool_size_max", Help: "Configured maximum pool size.",
		}),
		poolSizeAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pool_size_available", Help: "Connections currently available in the pool.",
		}),
		poolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "pool_hits_total", Help: "Total pool hits.",
		}),
		poolMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "pool_misses_total", Help: "Total pool misses.",
		}),
		bytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "bytes_transferred_total", Help: "Total bytes transferred by direction.",
		}, []string{"direction"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_total", Help: "Total errors by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		p.connectionsTotal, p.activeConnections, p.connectionDuration,
		p.poolConnectionsReused, p.poolConnectionsFailedHC, p.poolConnectionsClosed,
		p.poolSizeCurrent, p.poolSizeMax, p.poolSizeAvailable,
		p.poolHits, p.poolMisses, p.bytesTransferred, p.errorsTotal,
	)
	return p
}

var _ Recorder = (*Prometheus)(nil)

func (p *Prometheus) ConnectionAccepted() {
	p.connectionsTotal.WithLabelValues("accepted").Inc()
	p.activeConnections.Inc()
}

func (p *Prometheus) ConnectionRejected() {
	p.connectionsTotal.WithLabelValues("rejected").Inc()
}

func (p *Prometheus) ConnectionClosed(duration time.Duration) {
	p.activeConnections.Dec()
	p.connectionDuration.Observe(duration.Seconds())
}

func (p *Prometheus) BytesTransferred(direction string, n int) {
	p.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func (p *Prometheus) Error(kind string) {
	p.errorsTotal.WithLabelValues(kind).Inc()
}

// PoolSnapshot feeds the pool's cumulative counters into their Prometheus
// equivalents. pool.Stats is already the monotonic source of truth, so this
// tracks the last-seen snapshot and adds only the delta — prometheus.Counter
// exposes no "set absolute value" operation by design (it guards against
// accidentally going backwards).
func (p *Prometheus) PoolSnapshot(s pool.Stats) {
	p.poolSizeCurrent.Set(float64(s.CurrentIdle))
	p.poolSizeMax.Set(float64(s.Max))
	p.poolSizeAvailable.Set(float64(s.CurrentIdle))

	p.mu.Lock()
	prev := p.lastStats
	p.lastStats = s
	p.mu.Unlock()

	addDelta(p.poolConnectionsReused, prev.Reused, s.Reused)
	addDelta(p.poolConnectionsFailedHC, prev.FailedHealthChecks, s.FailedHealthChecks)
	addDelta(p.poolConnectionsClosed, prev.ConnectionsClosed, s.ConnectionsClosed)
	addDelta(p.poolHits, prev.PoolHits, s.PoolHits)
	addDelta(p.poolMisses, prev.PoolMisses, s.PoolMisses)
}

func addDelta(c prometheus.Counter, prev, cur uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

// ServeHTTP starts the metrics HTTP endpoint (spec.md §3's metrics_port)
// and blocks until ctx is cancelled, at which point it shuts the server
// down gracefully.
func (p *Prometheus) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	p.srv = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
