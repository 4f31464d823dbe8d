package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultPort           = 8888
	DefaultMaxConnections = 256

	maxAcceptDelay = time.Second
)

// ConnHandler serves one accepted connection and closes it.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// ServerConfig controls the listener and admission of connections.
type ServerConfig struct {
	Port int
	// MaxConnections bounds concurrently served connections; further clients
	// wait in the listen backlog.
	MaxConnections int64
	// AcceptRate limits new connections per second; zero disables the limit.
	AcceptRate  float64
	AcceptBurst int
}

// Server accepts loopback connections and dispatches each to the handler.
type Server struct {
	cfg     ServerConfig
	handler ConnHandler
	log     zerolog.Logger
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	active  atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewServer creates a stopped Server.
func NewServer(cfg ServerConfig, handler ConnHandler, log zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		log:     log.With().Str("component", "proxy").Logger(),
		sem:     semaphore.NewWeighted(cfg.MaxConnections),
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return s
}

// Start binds 127.0.0.1 on the configured port and begins accepting.
// Calling Start on a running server does nothing.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = listener
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.acceptLoop(ctx, listener, s.done)

	s.log.Info().
		Str("addr", listener.Addr().String()).
		Int64("max_connections", s.cfg.MaxConnections).
		Float64("accept_rate", s.cfg.AcceptRate).
		Msg("proxy listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0

		s.active.Add(1)
		go func() {
			defer func() {
				s.active.Add(-1)
				s.sem.Release(1)
			}()
			// handlers outlive Stop; only the accept loop is cancelled
			s.handler.Serve(context.WithoutCancel(ctx), conn)
		}()
	}
}

// Stop closes the listener and ends the accept loop. Connections already
// dispatched keep running until they finish on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	s.cancel()
	err := s.listener.Close()
	<-s.done
	s.listener = nil
	s.log.Info().Int64("active", s.active.Load()).Msg("proxy stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing listener: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Running reports whether the listener is open.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listener != nil
}

// Active returns the number of connections being served.
func (s *Server) Active() int64 {
	return s.active.Load()
}
