//go:build linux

package capture

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type tunDevice struct {
	iface *water.Interface
	log   zerolog.Logger
	rules []*netlink.Rule

	closeOnce sync.Once
	closeErr  error
}

// OpenTun creates the TUN interface, assigns its address and MTU, routes
// cfg.Route through it in a dedicated table, and installs policy rules so
// that marked and excluded traffic keeps using the main table.
func OpenTun(cfg TunConfig, log zerolog.Logger) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	iface, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating tun device: %w", err)
	}

	dev := &tunDevice{iface: iface, log: log.With().Str("device", iface.Name()).Logger()}
	if err := dev.configure(cfg); err != nil {
		_ = dev.Close()
		return nil, err
	}
	dev.log.Info().
		Str("address", cfg.Address).
		Str("route", cfg.Route).
		Int("mtu", cfg.MTU).
		Int("table", cfg.Table).
		Msg("tun device configured")
	return dev, nil
}

func (d *tunDevice) configure(cfg TunConfig) error {
	link, err := netlink.LinkByName(d.iface.Name())
	if err != nil {
		return fmt.Errorf("finding link %s: %w", d.iface.Name(), err)
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("setting mtu: %w", err)
	}
	addr, err := netlink.ParseAddr(cfg.Address)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("adding address %s: %w", cfg.Address, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing link up: %w", err)
	}

	dsts := []string{cfg.Route}
	if cfg.DNS != "" {
		dsts = append(dsts, cfg.DNS+"/32")
	}
	for _, s := range dsts {
		dst, err := netlink.ParseIPNet(s)
		if err != nil {
			return fmt.Errorf("parsing route %s: %w", s, err)
		}
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       dst,
			Table:     cfg.Table,
			Scope:     netlink.SCOPE_LINK,
		}
		// RouteReplace tolerates the DNS host route overlapping cfg.Route
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("adding route %s: %w", s, err)
		}
	}

	for _, rule := range policyRules(cfg) {
		if err := netlink.RuleAdd(rule); err != nil {
			return fmt.Errorf("adding policy rule (priority %d): %w", rule.Priority, err)
		}
		d.rules = append(d.rules, rule)
	}
	return nil
}

// policyRules orders lookups as: specific main-table routes, excluded uids,
// then everything not carrying the process mark into the device table.
func policyRules(cfg TunConfig) []*netlink.Rule {
	rules := make([]*netlink.Rule, 0, len(cfg.ExcludeUIDs)+2)

	suppress := netlink.NewRule()
	suppress.Family = netlink.FAMILY_V4
	suppress.Priority = cfg.RulePriority
	suppress.Table = unix.RT_TABLE_MAIN
	suppress.SuppressPrefixlen = 0
	rules = append(rules, suppress)

	for _, uid := range cfg.ExcludeUIDs {
		r := netlink.NewRule()
		r.Family = netlink.FAMILY_V4
		r.Priority = cfg.RulePriority + 1
		r.Table = unix.RT_TABLE_MAIN
		r.UIDRange = netlink.NewRuleUIDRange(uid, uid)
		rules = append(rules, r)
	}

	capture := netlink.NewRule()
	capture.Family = netlink.FAMILY_V4
	capture.Priority = cfg.RulePriority + 2
	capture.Table = cfg.Table
	capture.Mark = cfg.FwMark
	capture.Invert = true
	rules = append(rules, capture)
	return rules
}

func (d *tunDevice) Name() string {
	return d.iface.Name()
}

func (d *tunDevice) Read(p []byte) (int, error) {
	return d.iface.Read(p)
}

func (d *tunDevice) Write(p []byte) (int, error) {
	return d.iface.Write(p)
}

// Close removes the policy rules and closes the interface. The kernel deletes
// the link, and with it the routes, once the descriptor is released.
func (d *tunDevice) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		for i := len(d.rules) - 1; i >= 0; i-- {
			if err := netlink.RuleDel(d.rules[i]); err != nil && !errors.Is(err, unix.ENOENT) {
				errs = append(errs, fmt.Errorf("deleting policy rule (priority %d): %w", d.rules[i].Priority, err))
			}
		}
		if err := d.iface.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing tun device: %w", err))
		}
		d.closeErr = errors.Join(errs...)
		d.log.Debug().Err(d.closeErr).Msg("tun device closed")
	})
	return d.closeErr
}
