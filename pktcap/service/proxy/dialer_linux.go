//go:build linux

package proxy

import (
	"context"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// newDialer returns a dialer whose sockets carry mark, when non-zero, so that
// policy routing sends them around the capture device. Name resolution goes
// through a resolver whose sockets carry the same mark; when dnsServer is set
// every query is sent there instead of the system resolver.
func newDialer(timeout time.Duration, mark uint32, dnsServer string) *net.Dialer {
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	if mark == 0 {
		return d
	}
	d.Control = markControl(mark)

	resolverDialer := &net.Dialer{Timeout: timeout, Control: markControl(mark)}
	d.Resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return resolverDialer.DialContext(ctx, network, resolverAddress(dnsServer, address))
		},
	}
	return d
}

func markControl(mark uint32) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
		}); err != nil {
			return err
		}
		return sockErr
	}
}
