package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/rs/zerolog"
)

// ErrUnsupported is returned by OpenTun on platforms without TUN support.
var ErrUnsupported = errors.New("tun capture is not supported on this platform")

// Device is an open virtual interface delivering raw IP frames.
// Close must unblock a pending Read.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// Opener creates and configures a Device.
type Opener func(cfg TunConfig, log zerolog.Logger) (Device, error)

// TunConfig describes the virtual interface and the routing placed around it.
type TunConfig struct {
	Name    string
	Address string // interface address in CIDR form
	Route   string // destination routed into the device
	DNS     string
	MTU     int
	// ExcludeUIDs lists users whose traffic bypasses the device.
	ExcludeUIDs []uint32
	// FwMark marks this process's own upstream sockets; marked traffic
	// bypasses the device so proxied connections do not loop.
	FwMark       uint32
	Table        int
	RulePriority int
}

// DefaultTunConfig returns the standard single-host capture configuration.
func DefaultTunConfig() TunConfig {
	return TunConfig{
		Name:         "pktcap0",
		Address:      "10.0.0.2/32",
		Route:        "0.0.0.0/0",
		DNS:          "8.8.8.8",
		MTU:          1500,
		FwMark:       0x70c,
		Table:        7000,
		RulePriority: 7000,
	}
}

// Validate checks the configuration before any device is created.
func (c TunConfig) Validate() error {
	if c.Name == "" {
		return errors.New("tun name is required")
	} else if _, err := netip.ParsePrefix(c.Address); err != nil {
		return fmt.Errorf("invalid tun address %q: %w", c.Address, err)
	} else if _, _, err := net.ParseCIDR(c.Route); err != nil {
		return fmt.Errorf("invalid tun route %q: %w", c.Route, err)
	} else if c.DNS != "" && net.ParseIP(c.DNS) == nil {
		return fmt.Errorf("invalid dns server %q", c.DNS)
	} else if c.MTU < 576 || c.MTU > 65535 {
		return fmt.Errorf("mtu %d out of range [576, 65535]", c.MTU)
	} else if c.FwMark == 0 {
		return errors.New("fwmark must be non-zero")
	} else if c.Table <= 0 || c.Table == 253 || c.Table == 254 || c.Table == 255 {
		return fmt.Errorf("table %d is reserved or invalid", c.Table)
	} else if c.RulePriority <= 0 {
		return errors.New("rule priority must be positive")
	}
	return nil
}
