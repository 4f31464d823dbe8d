//go:build !linux

package proxy

import (
	"net"
	"time"
)

func newDialer(timeout time.Duration, _ uint32, _ string) *net.Dialer {
	return &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
}
