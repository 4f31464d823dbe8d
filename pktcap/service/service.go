package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-appsec/netcap-toolbox/pktcap/capture"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
	"github.com/go-appsec/netcap-toolbox/pktcap/rewrite"
	"github.com/go-appsec/netcap-toolbox/pktcap/service/proxy"
	"github.com/go-appsec/netcap-toolbox/pktcap/store"
)

const Version = "0.1.0"

// HealthMetricProvider is a function that returns a metric value for a given key.
type HealthMetricProvider func() string

// Options replace the collaborators a Service would otherwise create.
type Options struct {
	// Open creates the capture device; defaults to capture.OpenTun.
	Open     capture.Opener
	Observer capture.Observer
	Storage  store.Storage
}

// Health is a point in time view of the running service.
type Health struct {
	Version      string            `json:"version"`
	StartedAt    string            `json:"started_at,omitempty"`
	Running      bool              `json:"running"`
	ProxyAddr    string            `json:"proxy_addr,omitempty"`
	CaptureState string            `json:"capture_state"`
	Device       string            `json:"device,omitempty"`
	Metrics      map[string]string `json:"metrics,omitempty"`
}

// Service ties the capture session, the rewrite engine and the local proxy
// into one lifecycle.
type Service struct {
	cfg     *config.Config
	log     zerolog.Logger
	engine  *rewrite.Engine
	history *capture.History
	session *capture.Session
	server  *proxy.Server

	lockFile   *os.File
	started    chan struct{}
	startedAt  time.Time
	shutdownCh chan struct{}

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	mu             sync.RWMutex
	running        bool
	metricProvider map[string]HealthMetricProvider
}

// New builds a stopped Service. The rule file, when configured, is loaded
// here so an invalid file is reported before anything is started.
func New(cfg *config.Config, log zerolog.Logger, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	filter, err := BuildCaptureFilter(cfg.Capture)
	if err != nil {
		return nil, err
	}

	storage := opts.Storage
	if storage == nil {
		storage = store.NewMemStorage()
	}
	history := capture.NewHistory(storage, cfg.Capture.HistorySize)
	session := capture.NewSession(log, capture.Options{
		Open:        opts.Open,
		History:     history,
		BufferSize:  cfg.Capture.BufferSize,
		StopTimeout: cfg.Capture.StopTimeout,
	})
	session.SetFilter(filter)
	session.SetObserver(opts.Observer)

	engine := rewrite.NewEngine(log)
	if cfg.Rules.Path != "" {
		if err := engine.LoadFile(cfg.Rules.Path); err != nil {
			return nil, err
		}
	}

	handler := proxy.NewHandler(cfg.HandlerConfig(), engine, log)
	s := &Service{
		cfg:            cfg,
		log:            log.With().Str("component", "service").Logger(),
		engine:         engine,
		history:        history,
		session:        session,
		server:         proxy.NewServer(cfg.ServerConfig(), handler, log),
		started:        make(chan struct{}),
		shutdownCh:     make(chan struct{}),
		metricProvider: make(map[string]HealthMetricProvider),
	}

	s.RegisterHealthMetric("packets", func() string { return strconv.FormatUint(session.Count(), 10) })
	s.RegisterHealthMetric("history", func() string { return strconv.Itoa(history.Len()) })
	s.RegisterHealthMetric("proxy_active", func() string { return strconv.FormatInt(s.server.Active(), 10) })
	s.RegisterHealthMetric("rules", func() string { return strconv.Itoa(engine.Len()) })
	s.RegisterHealthMetric("rules_enabled", func() string { return strconv.Itoa(engine.EnabledCount()) })
	return s, nil
}

// WaitTillStarted blocks until Run has started, or failed to start.
func (s *Service) WaitTillStarted() {
	<-s.started
}

// Run starts the service and blocks until ctx is done, a termination signal
// arrives, or RequestShutdown is called. Everything is stopped on return.
func (s *Service) Run(ctx context.Context) error {
	markStarted := sync.OnceFunc(func() { close(s.started) })
	defer markStarted()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := s.Start(); err != nil {
		return err
	}
	markStarted()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		s.log.Info().Str("signal", sig.String()).Msg("received signal, initiating shutdown")
	case <-s.shutdownCh:
		s.log.Info().Msg("shutdown requested")
	}
	return s.Stop()
}

// Start launches the proxy, then capture, then the rule watcher. If any part
// fails the parts already started are stopped again.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	} else if err := s.acquireLock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	if err := s.server.Start(); err != nil {
		s.releaseLock()
		return fmt.Errorf("starting proxy: %w", err)
	}

	if s.cfg.Capture.Enabled {
		err := s.session.Configure(s.cfg.TunConfig())
		if err == nil {
			err = s.session.Start()
		}
		if err != nil {
			_ = s.server.Stop()
			s.releaseLock()
			return fmt.Errorf("starting capture: %w", err)
		}
	}

	if s.cfg.Rules.Path != "" && s.cfg.Rules.Watch {
		s.startWatcher()
	}

	s.running = true
	s.startedAt = time.Now()
	s.log.Info().
		Str("proxy", s.server.Addr()).
		Bool("capture", s.cfg.Capture.Enabled).
		Int("rules", s.engine.Len()).
		Msg("service started")
	return nil
}

func (s *Service) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.watchCancel, s.watchDone = cancel, done

	go func() {
		defer close(done)
		if err := rewrite.Watch(ctx, s.cfg.Rules.Path, s.engine, s.log); err != nil {
			s.log.Warn().Err(err).Msg("rule hot reload disabled")
		}
	}()
}

// Stop tears down the watcher, capture and the proxy listener, in that order.
// The captured history stays readable.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
		s.watchCancel, s.watchDone = nil, nil
	}

	var errs []error
	if err := s.session.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping capture: %w", err))
	}
	if err := s.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping proxy: %w", err))
	}
	s.releaseLock()
	s.running = false

	s.log.Info().Uint64("packets", s.session.Count()).Msg("service stopped")
	return errors.Join(errs...)
}

// RequestShutdown can be called internally to trigger shutdown
func (s *Service) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

// RegisterHealthMetric registers a health metric provider for the given key.
// The provider function is called during health checks to get the current value.
func (s *Service) RegisterHealthMetric(key string, provider HealthMetricProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metricProvider[key] = provider
}

// Health collects the current state and registered metrics.
func (s *Service) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := Health{
		Version:      Version,
		Running:      s.running,
		ProxyAddr:    s.server.Addr(),
		CaptureState: s.session.State().String(),
	}
	if s.cfg.Capture.Enabled {
		health.Device = s.session.Config().Name
	}
	if !s.startedAt.IsZero() {
		health.StartedAt = s.startedAt.UTC().Format(time.RFC3339)
	}
	if len(s.metricProvider) > 0 {
		health.Metrics = make(map[string]string, len(s.metricProvider))
		for key, provider := range s.metricProvider {
			health.Metrics[key] = provider()
		}
	}
	return health
}

func (s *Service) Engine() *rewrite.Engine {
	return s.engine
}

func (s *Service) History() *capture.History {
	return s.history
}

func (s *Service) Session() *capture.Session {
	return s.session
}

// ProxyAddr returns the bound proxy address, or "" when stopped.
func (s *Service) ProxyAddr() string {
	return s.server.Addr()
}
