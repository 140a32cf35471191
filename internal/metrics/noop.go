package metrics

import (
	"time"

	"github.com/redis-authproxy/redis-authproxy/internal/pool"
)

// Noop discards every observation. Used by tests and anywhere the
// Prometheus exporter isn't wired up.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) ConnectionAccepted()            {}
func (Noop) ConnectionRejected()            {}
func (Noop) ConnectionClosed(time.Duration) {}
func (Noop) BytesTransferred(string, int)   {}
func (Noop) Error(string)                   {}
func (Noop) PoolSnapshot(pool.Stats)        {}
