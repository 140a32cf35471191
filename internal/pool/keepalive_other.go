//go:build !linux

package pool

import "net"

// tuneSocket is the portable fallback for platforms where fine-grained
// TCP_KEEPIDLE/INTVL/CNT tuning isn't readily available without a
// platform-specific syscall package: it still enables TCP_NODELAY and
// SO_KEEPALIVE with the configured idle time, just not the interval/probe
// count knobs.
func tuneSocket(tc *net.TCPConn, cfg Config) {
	_ = tc.SetNoDelay(true)

	if !cfg.KeepaliveOn {
		_ = tc.SetKeepAlive(false)
		return
	}

	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(cfg.KeepaliveIdle)
}
