package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/go-appsec/netcap-toolbox/pktcap/capture"
	"github.com/go-appsec/netcap-toolbox/pktcap/service/proxy"
)

const (
	DefaultFileName = "config.yaml"
	DefaultStateDir = ".pktcap"

	WriterConsole = "console"
	WriterFile    = "file"
)

// Config is the on-disk configuration of pktcap.
type Config struct {
	// StateDir holds the lock file, the CA and the default log file.
	StateDir string        `yaml:"state_dir"`
	Tun      TunConfig     `yaml:"tun"`
	Capture  CaptureConfig `yaml:"capture"`
	Proxy    ProxyConfig   `yaml:"proxy"`
	Rules    RulesConfig   `yaml:"rules"`
	CA       CAConfig      `yaml:"ca"`
	Log      LogConfig     `yaml:"log"`
}

type TunConfig struct {
	Name         string   `yaml:"name"`
	Address      string   `yaml:"address"`
	Route        string   `yaml:"route"`
	DNS          string   `yaml:"dns"`
	MTU          int      `yaml:"mtu"`
	ExcludeUIDs  []uint32 `yaml:"exclude_uids,omitempty"`
	FwMark       uint32   `yaml:"fwmark"`
	Table        int      `yaml:"table"`
	RulePriority int      `yaml:"rule_priority"`
}

type CaptureConfig struct {
	Enabled     bool          `yaml:"enabled"`
	HistorySize int           `yaml:"history_size"`
	BufferSize  int           `yaml:"buffer_size"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// ExcludeProtocols is an anchored regex over protocol names (TCP, UDP, ...).
	ExcludeProtocols *string  `yaml:"exclude_protocols,omitempty"`
	ExcludePorts     []uint16 `yaml:"exclude_ports,omitempty"`
}

type ProxyConfig struct {
	Port            int           `yaml:"port"`
	MaxConnections  int64         `yaml:"max_connections"`
	AcceptRate      float64       `yaml:"accept_rate"`
	AcceptBurst     int           `yaml:"accept_burst"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size"`
}

type RulesConfig struct {
	// Path is the JSON rule file; empty disables rewriting.
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type CAConfig struct {
	// Dir defaults to <state_dir>/ca.
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level   string   `yaml:"level"`
	Writers []string `yaml:"writers"`
	// File defaults to <state_dir>/pktcap.log.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	NoColor    bool   `yaml:"no_color"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	tun := capture.DefaultTunConfig()
	return &Config{
		StateDir: defaultStateDir(),
		Tun: TunConfig{
			Name:         tun.Name,
			Address:      tun.Address,
			Route:        tun.Route,
			DNS:          tun.DNS,
			MTU:          tun.MTU,
			FwMark:       tun.FwMark,
			Table:        tun.Table,
			RulePriority: tun.RulePriority,
		},
		Capture: CaptureConfig{
			Enabled:     true,
			HistorySize: capture.DefaultHistorySize,
			BufferSize:  capture.DefaultBufferSize,
			StopTimeout: capture.DefaultStopTimeout,
		},
		Proxy: ProxyConfig{
			Port:            proxy.DefaultPort,
			MaxConnections:  proxy.DefaultMaxConnections,
			DialTimeout:     proxy.DefaultDialTimeout,
			RequestTimeout:  proxy.DefaultRequestTimeout,
			UpstreamTimeout: proxy.DefaultUpstreamTimeout,
			MaxBodySize:     proxy.DefaultMaxBodySize,
		},
		Rules: RulesConfig{Watch: true},
		Log: LogConfig{
			Level:      zerolog.InfoLevel.String(),
			Writers:    []string{WriterConsole},
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultStateDir
	}
	return filepath.Join(home, DefaultStateDir)
}

// Load reads path over the defaults. An empty path returns the defaults and
// a missing file is an error. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.Capture.Enabled {
		if err := c.TunConfig().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tun: %w", err))
		}
		if c.Capture.BufferSize > 0 && c.Capture.BufferSize < c.Tun.MTU {
			errs = append(errs, fmt.Errorf("capture.buffer_size %d is smaller than tun.mtu %d", c.Capture.BufferSize, c.Tun.MTU))
		}
	}
	if c.Capture.HistorySize < 0 {
		errs = append(errs, errors.New("capture.history_size must not be negative"))
	}
	if c.Capture.ExcludeProtocols != nil {
		if _, err := regexp.Compile(*c.Capture.ExcludeProtocols); err != nil {
			errs = append(errs, fmt.Errorf("capture.exclude_protocols: %w", err))
		}
	}
	if c.Proxy.Port < 0 || c.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port %d out of range", c.Proxy.Port))
	}
	if c.Proxy.MaxConnections < 0 {
		errs = append(errs, errors.New("proxy.max_connections must not be negative"))
	}
	if c.Proxy.AcceptRate < 0 || c.Proxy.AcceptBurst < 0 {
		errs = append(errs, errors.New("proxy.accept_rate and proxy.accept_burst must not be negative"))
	}
	if c.Proxy.MaxBodySize < 0 {
		errs = append(errs, errors.New("proxy.max_body_size must not be negative"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	for _, w := range c.Log.Writers {
		if w != WriterConsole && w != WriterFile {
			errs = append(errs, fmt.Errorf("log.writers: unknown writer %q", w))
		}
	}
	return errors.Join(errs...)
}

// TunConfig converts the tun section for the capture session.
func (c *Config) TunConfig() capture.TunConfig {
	return capture.TunConfig{
		Name:         c.Tun.Name,
		Address:      c.Tun.Address,
		Route:        c.Tun.Route,
		DNS:          c.Tun.DNS,
		MTU:          c.Tun.MTU,
		ExcludeUIDs:  slices.Clone(c.Tun.ExcludeUIDs),
		FwMark:       c.Tun.FwMark,
		Table:        c.Tun.Table,
		RulePriority: c.Tun.RulePriority,
	}
}

// ServerConfig converts the proxy section for the listener.
func (c *Config) ServerConfig() proxy.ServerConfig {
	return proxy.ServerConfig{
		Port:           c.Proxy.Port,
		MaxConnections: c.Proxy.MaxConnections,
		AcceptRate:     c.Proxy.AcceptRate,
		AcceptBurst:    c.Proxy.AcceptBurst,
	}
}

// HandlerConfig converts the proxy section for connection handling. Upstream
// sockets carry the tun fwmark only while capture is enabled.
func (c *Config) HandlerConfig() proxy.HandlerConfig {
	hc := proxy.HandlerConfig{
		DialTimeout:     c.Proxy.DialTimeout,
		RequestTimeout:  c.Proxy.RequestTimeout,
		UpstreamTimeout: c.Proxy.UpstreamTimeout,
		MaxBodySize:     c.Proxy.MaxBodySize,
	}
	if c.Capture.Enabled {
		hc.FwMark = c.Tun.FwMark
		hc.DNSServer = c.Tun.DNS
	}
	return hc
}

// CADir returns the CA directory, defaulting under the state dir.
func (c *Config) CADir() string {
	if c.CA.Dir != "" {
		return c.CA.Dir
	}
	return filepath.Join(c.StateDir, "ca")
}

// LogFile returns the log file path, defaulting under the state dir.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.StateDir, "pktcap.log")
}

// HasWriter reports whether the named log writer is enabled.
func (l LogConfig) HasWriter(name string) bool {
	return slices.Contains(l.Writers, name)
}
