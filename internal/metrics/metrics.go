// Package metrics defines the narrow interface the core proxy depends on
// for observability, plus a Prometheus-backed implementation and a no-op
// implementation for tests. Per spec.md §1, the Prometheus exporter itself
// is an external collaborator — the core only ever sees the Recorder
// interface below.
package metrics

import (
	"time"

	"github.com/redis-authproxy/redis-authproxy/internal/pool"
)

// Recorder is the narrow interface the core components (session, proxy)
// depend on. See spec.md §6's metrics surface.
type Recorder interface {
	ConnectionAccepted()
	ConnectionRejected()
	ConnectionClosed(duration time.Duration)
	BytesTransferred(direction string, n int)
	Error(kind string)
	PoolSnapshot(s pool.Stats)
}

// Direction labels for BytesTransferred, per spec.md §6.
const (
	DirectionClientToServer = "client_to_server"
	DirectionServerToClient = "server_to_client"
)

// Error kind labels, per spec.md §6.
const (
	ErrorConnection        = "connection_error"
	ErrorAuth              = "auth_error"
	ErrorProxy             = "proxy_error"
	ErrorConnectionRelease = "connection_release_error"
)
