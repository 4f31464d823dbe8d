package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"
)

const (
	maxLineLength  = 16 * 1024
	maxHeaderLines = 200
)

var requestLinePattern = regexp.MustCompile(`^(GET|POST|PUT|DELETE|HEAD|OPTIONS|TRACE|CONNECT)\s+(\S+)\s+HTTP/\d\.\d$`)

var errLineTooLong = errors.New("line exceeds maximum length")

// hopHeaders are connection-scoped and never relayed between hops.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// ParseRequestLine extracts the method and target from an HTTP/1.x request
// line. Only the methods a forward proxy relays are accepted.
func ParseRequestLine(line string) (method, target string, ok bool) {
	m := requestLinePattern.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// readLine reads one line terminated by LF, stripping the CRLF or bare LF.
// A final line without terminator is returned when followed by EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", errLineTooLong
	} else if err != nil && len(line) == 0 {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// HeaderField is one header as sent by the client.
type HeaderField struct {
	Name  string
	Value string
}

// Headers maps lowercase header names to the last field sent with that name.
type Headers map[string]HeaderField

// Set records a header, replacing any earlier value for the same name.
func (h Headers) Set(name, value string) {
	h[strings.ToLower(name)] = HeaderField{Name: name, Value: value}
}

// Get returns the value for name, case-insensitively.
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)].Value
}

// Has reports whether name was sent.
func (h Headers) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Fields returns the headers sorted by lowercase name.
func (h Headers) Fields() []HeaderField {
	keys := bulk.MapKeysSlice(h)
	slices.Sort(keys)

	fields := make([]HeaderField, len(keys))
	for i, k := range keys {
		fields[i] = h[k]
	}
	return fields
}

// readHeaders parses "Name: value" lines up to the blank line ending the
// header block. Lines without a colon or with a name that is not an HTTP
// token are skipped.
func readHeaders(r *bufio.Reader) (Headers, error) {
	headers := make(Headers)
	for range maxHeaderLines {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		} else if line == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || !isValidToken(name) {
			continue
		}
		headers.Set(name, strings.TrimSpace(value))
	}
	return nil, fmt.Errorf("more than %d header lines", maxHeaderLines)
}

// isValidToken checks if s contains only HTTP token characters (RFC 7230 tchar).
func isValidToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// drainHeaders consumes the header block without interpreting it.
func drainHeaders(r *bufio.Reader) error {
	for range maxHeaderLines {
		line, err := readLine(r)
		if err != nil {
			return err
		} else if line == "" {
			return nil
		}
	}
	return fmt.Errorf("more than %d header lines", maxHeaderLines)
}

// contentLength returns the declared body length, or 0 when the header is
// missing, negative or not a number.
func contentLength(h Headers) int64 {
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// connectAddress resolves a CONNECT target to host:port, defaulting to 443.
func connectAddress(target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(target, "["), "]")
		port = "443"
	}
	if host == "" {
		return "", fmt.Errorf("connect target %q has no host", target)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("connect target %q has invalid port", target)
	}
	return net.JoinHostPort(host, port), nil
}

// requestURL returns the absolute URL a forwarded request targets. Absolute
// targets are used verbatim; origin-form paths are resolved against Host.
func requestURL(target string, headers Headers) (string, error) {
	if strings.HasPrefix(target, "/") {
		host := headers.Get("Host")
		if host == "" {
			return "", fmt.Errorf("origin-form target %q without Host header", target)
		}
		return "http://" + host + target, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parsing target: %w", err)
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("unsupported target %q", target)
	}
	return target, nil
}
