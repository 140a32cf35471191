//go:build linux

package pool

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket applies spec.md §4.3's socket tuning: TCP_NODELAY and, when
// enabled, SO_KEEPALIVE with the configured idle/interval/probe-count.
// Address reuse (SO_REUSEADDR) is not set on upstream sockets.
// TCP_KEEPIDLE/INTVL/CNT aren't exposed by the standard library, so this
// file reaches for golang.org/x/sys/unix directly; non-Linux platforms get
// the portable fallback in keepalive_other.go.
func tuneSocket(tc *net.TCPConn, cfg Config) {
	_ = tc.SetNoDelay(true)

	if !cfg.KeepaliveOn {
		_ = tc.SetKeepAlive(false)
		return
	}

	_ = tc.SetKeepAlive(true)

	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(cfg.KeepaliveIdle.Seconds()))
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(cfg.KeepaliveInterv.Seconds()))
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, cfg.KeepaliveProbes)
	})
}
