package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/netcap-toolbox/pktcap/capture"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
)

type fakeDevice struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	select {
	case f := <-d.frames:
		return copy(p, f), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) { return len(p), nil }

func (d *fakeDevice) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) Name() string { return "fake0" }

type fakeOpener struct {
	mu      sync.Mutex
	devices []*fakeDevice
	err     error
}

func (o *fakeOpener) open(capture.TunConfig, zerolog.Logger) (capture.Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return nil, o.err
	}
	d := newFakeDevice()
	o.devices = append(o.devices, d)
	return d, nil
}

func (o *fakeOpener) last() *fakeDevice {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.devices) == 0 {
		return nil
	}
	return o.devices[len(o.devices)-1]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.StateDir = t.TempDir()
	cfg.Proxy.Port = 0
	cfg.Rules.Watch = false
	return cfg
}

func tcpFrame(t *testing.T, dstPort uint16) []byte {
	t.Helper()

	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP{10, 0, 0, 2}, DstIP: net.IP{1, 1, 1, 1}}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dstPort), SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp))
	return buf.Bytes()
}

const ruleFile = `[
  {"name": "example", "enabled": true, "url": "%s/rewritten", "type": "rewrite",
   "items": [{"enabled": true, "type": "replaceResponseBody", "values": {"body": "X"}}]}
]`

func writeRules(t *testing.T, path, upstreamURL string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(ruleFile, strings.ReplaceAll(regexp.QuoteMeta(upstreamURL), `\`, `\\`))), 0o644))
}

func proxyGet(t *testing.T, proxyAddr, url string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	_, err = fmt.Fprintf(conn, "GET %s HTTP/1.1\r\n\r\n", url)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestService_StartStop(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{}
	observer := capture.NewChannelObserver(8)
	svc, err := New(testConfig(t), zerolog.Nop(), Options{Open: opener.open, Observer: observer})
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	health := svc.Health()
	assert.True(t, health.Running)
	assert.Equal(t, capture.StateRunning.String(), health.CaptureState)
	assert.Equal(t, capture.DefaultTunConfig().Name, health.Device)
	assert.NotEmpty(t, health.ProxyAddr)
	assert.NotEmpty(t, health.StartedAt)
	assert.Equal(t, Version, health.Version)

	dev := opener.last()
	require.NotNil(t, dev)
	dev.frames <- tcpFrame(t, 443)

	select {
	case p := <-observer.Packets:
		assert.Equal(t, capture.ProtocolTCP, p.Protocol)
		assert.Equal(t, uint16(443), p.DestinationPort)
	case <-time.After(2 * time.Second):
		require.Fail(t, "packet not observed")
	}
	require.Eventually(t, func() bool { return svc.History().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "1", svc.Health().Metrics["packets"])

	require.NoError(t, svc.Stop())
	assert.False(t, svc.Health().Running)
	assert.Empty(t, svc.ProxyAddr())
	assert.Equal(t, 1, svc.History().Len())

	select {
	case <-dev.closed:
	default:
		assert.Fail(t, "device not closed on stop")
	}

	// stopping twice is a no-op
	require.NoError(t, svc.Stop())
}

func TestService_CaptureFailureStopsProxy(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{err: errors.New("permission denied")}
	svc, err := New(testConfig(t), zerolog.Nop(), Options{Open: opener.open})
	require.NoError(t, err)

	err = svc.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.False(t, svc.Health().Running)
	assert.Empty(t, svc.ProxyAddr())

	// the lock was released so a later start can succeed
	opener.mu.Lock()
	opener.err = nil
	opener.mu.Unlock()
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })
}

func TestService_CaptureDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Capture.Enabled = false
	opener := &fakeOpener{}
	svc, err := New(cfg, zerolog.Nop(), Options{Open: opener.open})
	require.NoError(t, err)

	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	assert.Nil(t, opener.last())
	assert.Equal(t, capture.StateIdle.String(), svc.Health().CaptureState)
	assert.Empty(t, svc.Health().Device)
	assert.NotEmpty(t, svc.ProxyAddr())
}

func TestService_SingleInstance(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Capture.Enabled = false

	first, err := New(cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	require.NoError(t, first.Start())
	t.Cleanup(func() { _ = first.Stop() })

	second, err := New(cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	err = second.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock")

	require.NoError(t, first.Stop())
	require.NoError(t, second.Start())
	t.Cleanup(func() { _ = second.Stop() })
}

func TestService_RulesAndRewrite(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "from upstream")
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t)
	cfg.Capture.Enabled = false
	cfg.Rules.Path = filepath.Join(t.TempDir(), "rules.json")
	writeRules(t, cfg.Rules.Path, upstream.URL)

	svc, err := New(cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })

	assert.Equal(t, "1", svc.Health().Metrics["rules"])
	assert.Equal(t, "X", proxyGet(t, svc.ProxyAddr(), upstream.URL+"/rewritten"))
	assert.Equal(t, "from upstream", proxyGet(t, svc.ProxyAddr(), upstream.URL+"/other"))

	require.True(t, svc.Engine().SetEnabled("example", false))
	assert.Equal(t, "from upstream", proxyGet(t, svc.ProxyAddr(), upstream.URL+"/rewritten"))
}

func TestService_RuleWatch(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Capture.Enabled = false
	cfg.Rules.Watch = true
	cfg.Rules.Path = filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(cfg.Rules.Path, []byte(`[]`), 0o644))

	svc, err := New(cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	require.NoError(t, svc.Start())
	t.Cleanup(func() { _ = svc.Stop() })
	require.Equal(t, 0, svc.Engine().Len())

	require.Eventually(t, func() bool {
		writeRules(t, cfg.Rules.Path, "http://example.com")
		return svc.Engine().Len() == 1
	}, 5*time.Second, 200*time.Millisecond)
}

func TestService_InvalidRuleFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Rules.Path = filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(cfg.Rules.Path, []byte(`{"not": "a list"}`), 0o644))

	_, err := New(cfg, zerolog.Nop(), Options{})
	assert.Error(t, err)
}

func TestService_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Proxy.Port = -1
	_, err := New(cfg, zerolog.Nop(), Options{})
	assert.Error(t, err)
}

func TestService_Run(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	opener := &fakeOpener{}
	svc, err := New(cfg, zerolog.Nop(), Options{Open: opener.open})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	svc.WaitTillStarted()
	require.True(t, svc.Health().Running)

	t.Run("request_shutdown", func(t *testing.T) {
		svc.RequestShutdown()
		svc.RequestShutdown()

		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			require.Fail(t, "run did not return")
		}
		assert.False(t, svc.Health().Running)
	})
}

func TestService_RunStartFailure(t *testing.T) {
	t.Parallel()

	opener := &fakeOpener{err: capture.ErrUnsupported}
	svc, err := New(testConfig(t), zerolog.Nop(), Options{Open: opener.open})
	require.NoError(t, err)

	err = svc.Run(t.Context())
	require.ErrorIs(t, err, capture.ErrUnsupported)
	svc.WaitTillStarted()
}
