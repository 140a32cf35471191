package main

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-authproxy/redis-authproxy/internal/config"
	"github.com/redis-authproxy/redis-authproxy/internal/metrics"
	"github.com/redis-authproxy/redis-authproxy/internal/proxy"
)

// fakeRedisServer is a minimal RESP2 Redis stand-in: enough to let a real
// go-redis/v9 client PING, SET, and GET through the proxy, grounded on
// lukluk-rendang/test_client/debug_main.go's use of the same client
// library to exercise the teacher proxy end to end.
type fakeRedisServer struct {
	ln net.Listener

	mu   sync.Mutex
	data map[string]string
}

func newFakeRedisServer(t *testing.T) *fakeRedisServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeRedisServer{ln: ln, data: map[string]string{}}
	go s.serve()
	return s
}

func (s *fakeRedisServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeRedisServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readRESPCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		reply := s.dispatch(args)
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func (s *fakeRedisServer) dispatch(args []string) []byte {
	switch strings.ToUpper(args[0]) {
	case "PING":
		return []byte("+PONG\r\n")
	case "HELLO":
		// RESP2 HELLO replies with a flat key/value array.
		return []byte("*2\r\n$5\r\nproto\r\n:2\r\n")
	case "AUTH":
		return []byte("+OK\r\n")
	case "SET":
		if len(args) < 3 {
			return []byte("-ERR wrong number of arguments\r\n")
		}
		s.mu.Lock()
		s.data[args[1]] = args[2]
		s.mu.Unlock()
		return []byte("+OK\r\n")
	case "GET":
		if len(args) < 2 {
			return []byte("-ERR wrong number of arguments\r\n")
		}
		s.mu.Lock()
		v, ok := s.data[args[1]]
		s.mu.Unlock()
		if !ok {
			return []byte("$-1\r\n")
		}
		return []byte("$" + strconv.Itoa(len(v)) + "\r\n" + v + "\r\n")
	default:
		return []byte("+OK\r\n")
	}
}

func (s *fakeRedisServer) addr() (string, int) {
	tcpAddr := s.ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

// readRESPCommand reads one RESP array of bulk strings off r.
func readRESPCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, nil
	}
	count, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		head, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		head = strings.TrimRight(head, "\r\n")
		if len(head) == 0 || head[0] != '$' {
			return nil, nil
		}
		n, err := strconv.Atoi(head[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n+2)
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:n]))
	}
	return args, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestMain_ProxyServesRealGoRedisClient(t *testing.T) {
	fr := newFakeRedisServer(t)
	upstreamHost, upstreamPort := fr.addr()

	cfg := &config.Config{
		ProxyPassword:       "proxysecret",
		ProxyHost:           "127.0.0.1",
		ProxyPort:           0,
		ProxyIPv6:           false,
		UpstreamHost:        upstreamHost,
		UpstreamPort:        upstreamPort,
		UpstreamUsername:    "default",
		UpstreamPassword:    "realpass",
		PoolMax:             4,
		PoolConnectTimeout:  2 * time.Second,
		PoolKeepaliveIdle:   time.Second,
		PoolKeepaliveInterv: time.Second,
		PoolKeepaliveProbes: 1,
		MetricsPort:         0,
	}

	p := proxy.New(cfg, zap.NewNop(), metrics.Noop{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(ctx) }()

	var addr net.Addr
	require.Eventually(t, func() bool {
		addr = p.Addr()
		return addr != nil
	}, 2*time.Second, 10*time.Millisecond)

	client := redis.NewClient(&redis.Options{
		Addr:     addr.String(),
		Username: "whatever", // kept in the HELLO handshake; only the password is replaced
		Password: "proxysecret",
		DB:       0,
		Protocol: 2,
	})
	defer client.Close()

	rctx := context.Background()
	require.NoError(t, client.Ping(rctx).Err())
	require.NoError(t, client.Set(rctx, "mykey", "myvalue", 0).Err())

	val, err := client.Get(rctx, "mykey").Result()
	require.NoError(t, err)
	assert.Equal(t, "myvalue", val)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy Run did not return after shutdown")
	}
}

