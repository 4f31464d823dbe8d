package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-analyze/bulk"
)

func newUpstreamClient(dialer *net.Dialer, cfg HandlerConfig) *http.Client {
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		DisableCompression:    true,
		DisableKeepAlives:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.UpstreamTimeout,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// forward relays a plain HTTP request upstream and writes the possibly
// rewritten response back to the client.
func (h *Handler) forward(ctx context.Context, s *session) error {
	headers, err := readHeaders(s.reader)
	if err != nil {
		return fmt.Errorf("reading headers: %w", err)
	}
	s.headers = headers
	if looped(headers) {
		return errors.New("request already passed through this proxy")
	}

	var body []byte
	if s.method == http.MethodPost || s.method == http.MethodPut {
		n := contentLength(headers)
		if n > h.cfg.MaxBodySize {
			return fmt.Errorf("request body of %d bytes exceeds limit of %d", n, h.cfg.MaxBodySize)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(s.reader, body); err != nil {
			return fmt.Errorf("reading request body: %w", err)
		}
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	url, err := requestURL(s.target, headers)
	if err != nil {
		return err
	}
	body = h.intercept.InterceptRequest(url, body)

	ctx, cancel := context.WithTimeout(ctx, h.cfg.UpstreamTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, s.method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	for _, f := range headers.Fields() {
		if isHopHeader(f.Name) || http.CanonicalHeaderKey(f.Name) == "Host" || http.CanonicalHeaderKey(f.Name) == "Content-Length" {
			continue
		}
		req.Header.Set(f.Name, f.Value)
	}
	req.Header.Add("Via", viaToken)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize+1))
	if err != nil {
		s.log.Debug().Err(err).Msg("reading upstream body, relaying empty body")
		respBody = nil
	} else if int64(len(respBody)) > h.cfg.MaxBodySize {
		// too large to buffer for rewriting, stream the rest through untouched
		s.log.Warn().
			Str("url", url).
			Int64("limit", h.cfg.MaxBodySize).
			Msg("upstream body exceeds limit, relaying unmodified")
		body := io.MultiReader(bytes.NewReader(respBody), resp.Body)
		if err := writeResponse(s.conn, s.method, resp, resp.ContentLength, body, false); err != nil {
			return fmt.Errorf("relaying oversized response: %w", err)
		}
		return nil
	}

	respBody, replaced := h.rewriter.Rewrite(url, respBody)
	s.log.Debug().
		Int("status", resp.StatusCode).
		Int("length", len(respBody)).
		Bool("rewritten", replaced).
		Msg("request forwarded")
	err = writeResponse(s.conn, s.method, resp, int64(len(respBody)), bytes.NewReader(respBody), replaced)
	if err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func bodyless(method string, status int) bool {
	return method == http.MethodHead || status/100 == 1 || status == http.StatusNoContent || status == http.StatusNotModified
}

// writeResponse serializes the upstream status and headers followed by body.
// Content-Length is set to length; a negative length leaves the body delimited
// by the connection close.
func writeResponse(w io.Writer, method string, resp *http.Response, length int64, body io.Reader, replaced bool) error {
	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
	header.Del("Content-Length")
	if replaced {
		// replacement bodies are identity encoded
		header.Del("Content-Encoding")
	}

	if bodyless(method, resp.StatusCode) {
		if method == http.MethodHead && resp.ContentLength >= 0 {
			header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
		}
		body = nil
	} else if length >= 0 {
		header.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	header.Set("Connection", "close")

	status := resp.Status
	if status == "" {
		status = strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(status)
	buf.WriteString("\r\n")
	names := bulk.MapKeysSlice(header)
	slices.Sort(names)
	for _, name := range names {
		for _, v := range header[name] {
			buf.WriteString(name)
			buf.WriteString(": ")
			buf.WriteString(v)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	} else if body == nil {
		return nil
	}
	_, err := io.Copy(w, body)
	return err
}
