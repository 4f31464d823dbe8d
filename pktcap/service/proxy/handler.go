package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/go-appsec/netcap-toolbox/pktcap/util"
)

const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultUpstreamTimeout = 60 * time.Second
	DefaultMaxBodySize     = 64 << 20

	viaToken = "1.1 pktcap"
)

// ResponseRewriter may replace a response body before it reaches the client.
// The boolean reports whether the body was replaced.
type ResponseRewriter interface {
	Rewrite(url string, body []byte) ([]byte, bool)
}

// RequestInterceptor may alter a request body before it is forwarded.
type RequestInterceptor interface {
	InterceptRequest(url string, body []byte) []byte
}

type passthrough struct{}

func (passthrough) InterceptRequest(_ string, body []byte) []byte { return body }

func (passthrough) Rewrite(_ string, body []byte) ([]byte, bool) { return body, false }

// HandlerConfig bounds the per-connection work of a Handler.
type HandlerConfig struct {
	DialTimeout time.Duration
	// RequestTimeout limits reading the request line, headers and body.
	RequestTimeout  time.Duration
	UpstreamTimeout time.Duration
	MaxBodySize     int64
	// FwMark is applied to upstream sockets so they bypass the capture device.
	FwMark uint32
	// DNSServer receives upstream name lookups when FwMark is set.
	DNSServer string
}

// DefaultHandlerConfig returns the standard timeouts and limits.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		DialTimeout:     DefaultDialTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		UpstreamTimeout: DefaultUpstreamTimeout,
		MaxBodySize:     DefaultMaxBodySize,
	}
}

// Handler serves single proxy connections: it reads one request, then either
// forwards it upstream or opens an opaque CONNECT tunnel.
type Handler struct {
	cfg       HandlerConfig
	rewriter  ResponseRewriter
	intercept RequestInterceptor
	dialer    *net.Dialer
	client    *http.Client
	log       zerolog.Logger
}

var _ ConnHandler = (*Handler)(nil)

// session is the state of one accepted connection, owned by its handler call.
type session struct {
	id       string
	conn     net.Conn
	reader   *bufio.Reader
	method   string
	target   string
	headers  Headers
	upstream net.Conn
	log      zerolog.Logger
}

// NewHandler creates a Handler. A nil rewriter relays bodies unchanged.
func NewHandler(cfg HandlerConfig, rewriter ResponseRewriter, log zerolog.Logger) *Handler {
	def := DefaultHandlerConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = def.UpstreamTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = def.MaxBodySize
	}
	if rewriter == nil {
		rewriter = passthrough{}
	}

	dialer := newDialer(cfg.DialTimeout, cfg.FwMark, cfg.DNSServer)
	return &Handler{
		cfg:       cfg,
		rewriter:  rewriter,
		intercept: passthrough{},
		dialer:    dialer,
		client:    newUpstreamClient(dialer, cfg),
		log:       log.With().Str("component", "proxy").Logger(),
	}
}

// SetRequestInterceptor replaces the request body hook. Must be called before
// the handler serves connections.
func (h *Handler) SetRequestInterceptor(ri RequestInterceptor) {
	if ri == nil {
		ri = passthrough{}
	}
	h.intercept = ri
}

// Serve handles one client connection and closes it before returning. Errors
// end the connection without a response; nothing is retried.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	s := &session{
		id:     uuid.NewString(),
		conn:   conn,
		reader: bufio.NewReaderSize(conn, maxLineLength),
	}
	s.log = h.log.With().Str("session", s.id).Str("client", conn.RemoteAddr().String()).Logger()
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.RequestTimeout))
	line, err := readLine(s.reader)
	if err != nil {
		s.log.Debug().Err(err).Msg("reading request line")
		return
	}
	method, target, ok := ParseRequestLine(line)
	if !ok {
		s.log.Debug().Str("line", util.TruncateString(line, 120)).Msg("malformed request line")
		return
	}
	s.method, s.target = method, target
	s.log = s.log.With().Str("method", method).Str("target", util.TruncateString(target, 200)).Logger()

	if method == http.MethodConnect {
		err = h.tunnel(ctx, s)
	} else {
		err = h.forward(ctx, s)
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("connection closed on error")
	}
}

// looped reports whether the request already passed through this proxy.
func looped(headers Headers) bool {
	for _, via := range strings.Split(headers.Get("Via"), ",") {
		if strings.TrimSpace(via) == viaToken {
			return true
		}
	}
	return false
}
