package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/redis-authproxy/redis-authproxy/internal/pool"
)

func TestPrometheus_ActiveConnectionsReturnsToBaseline(t *testing.T) {
	p := NewPrometheus()

	before := testutil.ToFloat64(p.activeConnections)
	p.ConnectionAccepted()
	p.ConnectionClosed(10 * time.Millisecond)
	after := testutil.ToFloat64(p.activeConnections)

	assert.Equal(t, before, after)
}

func TestPrometheus_PoolSnapshotAccumulatesDeltas(t *testing.T) {
	p := NewPrometheus()

	p.PoolSnapshot(pool.Stats{Reused: 3, PoolHits: 5})
	p.PoolSnapshot(pool.Stats{Reused: 7, PoolHits: 5})

	assert.Equal(t, float64(7), testutil.ToFloat64(p.poolConnectionsReused))
	assert.Equal(t, float64(5), testutil.ToFloat64(p.poolHits))
}

func TestPrometheus_BytesTransferredLabelsByDirection(t *testing.T) {
	p := NewPrometheus()

	p.BytesTransferred(DirectionClientToServer, 100)
	p.BytesTransferred(DirectionServerToClient, 42)

	assert.Equal(t, float64(100), testutil.ToFloat64(p.bytesTransferred.WithLabelValues(DirectionClientToServer)))
	assert.Equal(t, float64(42), testutil.ToFloat64(p.bytesTransferred.WithLabelValues(DirectionServerToClient)))
}

func TestPrometheus_ErrorsLabelByType(t *testing.T) {
	p := NewPrometheus()

	p.Error(ErrorAuth)
	p.Error(ErrorAuth)
	p.Error(ErrorConnection)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.errorsTotal.WithLabelValues(ErrorAuth)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.errorsTotal.WithLabelValues(ErrorConnection)))
}
