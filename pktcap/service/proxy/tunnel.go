package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// tunnel answers a CONNECT request and relays bytes opaquely in both
// directions until either side closes.
func (h *Handler) tunnel(ctx context.Context, s *session) error {
	addr, err := connectAddress(s.target)
	if err != nil {
		return err
	} else if err := drainHeaders(s.reader); err != nil {
		return fmt.Errorf("reading connect headers: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.DialTimeout)
	upstream, err := h.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	s.upstream = upstream
	_ = s.conn.SetReadDeadline(time.Time{})

	if _, err := io.WriteString(s.conn, connectEstablished); err != nil {
		_ = upstream.Close()
		return fmt.Errorf("acknowledging connect: %w", err)
	}

	p := &pipe{client: s.conn, clientReader: s.reader, upstream: upstream}
	sent, received := p.run()
	s.log.Debug().Str("upstream", addr).Int64("sent", sent).Int64("received", received).Msg("tunnel closed")
	return nil
}

// pipe pumps bytes between a client and an upstream connection. When either
// pump stops both connections are closed, which ends the other pump.
type pipe struct {
	client       net.Conn
	clientReader io.Reader // holds client bytes buffered while reading the request
	upstream     net.Conn
	closeOnce    sync.Once
}

func (p *pipe) run() (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sent, _ = io.Copy(p.upstream, p.clientReader)
		p.close()
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(p.client, p.upstream)
		p.close()
	}()

	wg.Wait()
	return sent, received
}

func (p *pipe) close() {
	p.closeOnce.Do(func() {
		_ = p.client.Close()
		_ = p.upstream.Close()
	})
}
