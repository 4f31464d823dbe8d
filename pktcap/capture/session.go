package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultBufferSize covers the largest IPv4 datagram a TUN read returns
	// for any MTU the device accepts.
	DefaultBufferSize  = 32767
	DefaultStopTimeout = 2 * time.Second

	// ipOverhead is the slack required above the MTU for the read buffer.
	ipOverhead = 40
)

var (
	ErrNotConfigured = errors.New("capture session not configured")
	ErrRunning       = errors.New("capture session is running")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tune a Session; zero values select defaults.
type Options struct {
	Open        Opener
	History     *History
	BufferSize  int
	StopTimeout time.Duration
}

type observerBox struct {
	o Observer
}

// captureRun is the state of one started device and its read loop.
type captureRun struct {
	id      string
	dev     Device
	log     zerolog.Logger
	stopped atomic.Bool
	done    chan struct{}
}

// Session owns the virtual interface and its capture loop. Configure, Start
// and Stop move it through Idle, Configured, Running and Stopped. At most one
// device is open per Session.
type Session struct {
	log         zerolog.Logger
	open        Opener
	history     *History
	bufferSize  int
	stopTimeout time.Duration

	count    atomic.Uint64
	observer atomic.Pointer[observerBox]
	filter   atomic.Value

	mu    sync.Mutex
	state State
	cfg   TunConfig
	run   *captureRun
}

// NewSession creates an idle Session.
func NewSession(log zerolog.Logger, opts Options) *Session {
	s := &Session{
		log:         log.With().Str("component", "capture").Logger(),
		open:        opts.Open,
		history:     opts.History,
		bufferSize:  opts.BufferSize,
		stopTimeout: opts.StopTimeout,
	}
	if s.open == nil {
		s.open = OpenTun
	}
	if s.history == nil {
		s.history = NewHistory(nil, DefaultHistorySize)
	}
	if s.bufferSize <= 0 {
		s.bufferSize = DefaultBufferSize
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	return s
}

// Configure sets the interface configuration used by the next Start.
func (s *Session) Configure(cfg TunConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	} else if s.bufferSize < cfg.MTU+ipOverhead {
		return fmt.Errorf("read buffer of %d bytes is too small for mtu %d", s.bufferSize, cfg.MTU)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrRunning
	}
	s.cfg = cfg
	s.state = StateConfigured
	return nil
}

// SetObserver registers the observer notified for each retained packet.
// Passing nil removes it.
func (s *Session) SetObserver(o Observer) {
	if o == nil {
		s.observer.Store(nil)
		return
	}
	s.observer.Store(&observerBox{o: o})
}

// SetFilter installs a filter consulted before a packet is retained.
func (s *Session) SetFilter(f Filter) {
	if f == nil {
		return
	}
	s.filter.Store(f)
}

// Start opens the device and launches the capture loop. A running session is
// torn down first. If the device cannot be opened the session is not started.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		return ErrNotConfigured
	} else if s.state == StateRunning {
		s.log.Info().Str("session", s.run.id).Msg("restarting capture, closing active device")
		if err := s.stopLocked(); err != nil {
			s.log.Warn().Err(err).Msg("closing previous device")
		}
	}

	dev, err := s.open(s.cfg, s.log)
	if err != nil {
		return fmt.Errorf("opening tun device: %w", err)
	}

	id := uuid.NewString()
	run := &captureRun{
		id:   id,
		dev:  dev,
		log:  s.log.With().Str("session", id).Logger(),
		done: make(chan struct{}),
	}
	s.run = run
	s.state = StateRunning
	go s.loop(run)

	run.log.Info().Str("device", dev.Name()).Msg("capture started")
	return nil
}

// Stop closes the device, which ends the blocked read, and waits a bounded
// time for the loop to exit. Stopping an inactive session is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil
	}
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	run := s.run
	s.run = nil
	s.state = StateStopped

	run.stopped.Store(true)
	err := run.dev.Close()

	select {
	case <-run.done:
	case <-time.After(s.stopTimeout):
		run.log.Warn().Dur("timeout", s.stopTimeout).Msg("capture loop did not exit after device close")
	}
	run.log.Info().Uint64("packets", s.count.Load()).Msg("capture stopped")
	if err != nil {
		return fmt.Errorf("closing tun device: %w", err)
	}
	return nil
}

func (s *Session) loop(run *captureRun) {
	defer close(run.done)

	buf := make([]byte, s.bufferSize)
	for {
		n, err := run.dev.Read(buf)
		if err != nil {
			if !run.stopped.Load() {
				run.log.Error().Err(err).Msg("tun read failed, capture loop exiting")
			}
			return
		} else if n == 0 {
			continue
		}
		s.process(run, buf[:n])
	}
}

func (s *Session) process(run *captureRun, frame []byte) {
	pkt, err := Classify(frame, time.Now())
	if err != nil {
		run.log.Debug().Err(err).Int("length", len(frame)).Msg("dropping frame")
		return
	}
	if f, ok := s.filter.Load().(Filter); ok && !f(&pkt) {
		return
	}
	if err := s.history.Append(pkt); err != nil {
		run.log.Warn().Err(err).Msg("recording packet")
	}

	total := s.count.Add(1)
	if box := s.observer.Load(); box != nil {
		box.o.PacketCaptured(pkt)
		box.o.CountUpdated(total)
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Running reports whether a device is open.
func (s *Session) Running() bool {
	return s.State() == StateRunning
}

// ID returns the identifier of the active run, or "" when not running.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run == nil {
		return ""
	}
	return s.run.id
}

// Config returns the configuration used by Start.
func (s *Session) Config() TunConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cfg
}

// Count returns the number of packets retained since creation or the last Clear.
func (s *Session) Count() uint64 {
	return s.count.Load()
}

// History returns the bounded packet history.
func (s *Session) History() *History {
	return s.history
}

// Clear resets the history and the packet counter.
func (s *Session) Clear() error {
	s.count.Store(0)
	return s.history.Clear()
}
