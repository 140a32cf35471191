package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-authproxy/redis-authproxy/internal/config"
	"github.com/redis-authproxy/redis-authproxy/internal/metrics"
)

type fakeRedis struct {
	ln net.Listener
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fr := &fakeRedis{ln: ln}
	go fr.serve()
	return fr
}

func (f *fakeRedis) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		switch string(buf[:n]) {
		case "*1\r\n$4\r\nPING\r\n":
			conn.Write([]byte("+PONG\r\n"))
		case "*3\r\n$4\r\nAUTH\r\n$7\r\ndefault\r\n$6\r\nupass1\r\n":
			conn.Write([]byte("+OK\r\n"))
		default:
			conn.Write([]byte("+ECHO\r\n"))
		}
	}
}

func (f *fakeRedis) addr() (string, int) {
	tcpAddr := f.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func TestProxy_EndToEndAuthAndForward(t *testing.T) {
	fr := newFakeRedis(t)
	host, port := fr.addr()

	cfg := &config.Config{
		ProxyPassword:       "proxysecret",
		ProxyHost:           "127.0.0.1",
		ProxyPort:           0,
		ProxyIPv6:           false,
		UpstreamHost:        host,
		UpstreamPort:        port,
		UpstreamUsername:    "default",
		UpstreamPassword:    "upass1",
		PoolMax:             4,
		PoolConnectTimeout:  2 * time.Second,
		PoolPrewarm:         0,
		PoolKeepaliveOn:     false,
		PoolKeepaliveIdle:   time.Second,
		PoolKeepaliveInterv: time.Second,
		PoolKeepaliveProbes: 1,
		MetricsPort:         0,
	}

	p := New(cfg, zap.NewNop(), metrics.Noop{})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)

	// Run binds the listener right after prewarming the pool; poll until
	// it's ready rather than sleeping a fixed guess.
	go func() { runErr <- p.Run(ctx) }()

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = p.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*3\r\n$4\r\nAUTH\r\n$7\r\ndefault\r\n$11\r\nproxysecret\r\n"))
	require.NoError(t, err)

	reply := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(reply[:n]))

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
}
