package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"

	caKeyBits = 2048
)

// CertificateAuthority issues TLS credentials for individual hosts.
type CertificateAuthority interface {
	TLSConfigForHost(host string) (*tls.Config, error)
}

// LocalCA is a file-backed root certificate that signs per-host leaves.
type LocalCA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	log     zerolog.Logger

	// signs leaves; goproxy requires a non-nil context for logging
	sign    func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)
	signCtx *goproxy.ProxyCtx

	mu    sync.Mutex
	cache map[string]*tls.Config
}

var _ CertificateAuthority = (*LocalCA)(nil)

// LoadOrCreateCA loads ca.pem and ca-key.pem from dir, generating and saving
// a new root when neither exists.
func LoadOrCreateCA(dir string, log zerolog.Logger) (*LocalCA, error) {
	log = log.With().Str("component", "ca").Logger()
	files := caFiles{cert: filepath.Join(dir, caCertFile), key: filepath.Join(dir, caKeyFile)}

	hasCert, hasKey := files.present()
	if hasCert != hasKey {
		found, missing := files.cert, caKeyFile
		if hasKey {
			found, missing = files.key, caCertFile
		}
		return nil, fmt.Errorf("%s has no matching %s; remove it to generate a new CA", found, missing)
	}

	var cert *x509.Certificate
	var key *rsa.PrivateKey
	var err error
	if hasCert {
		if cert, key, err = files.read(); err != nil {
			return nil, err
		}
		log.Info().Str("path", files.cert).Msg("loaded CA certificate")
	} else {
		if cert, key, err = newRoot(time.Now()); err != nil {
			return nil, err
		} else if err = files.write(cert, key); err != nil {
			return nil, err
		}
		log.Info().Str("path", files.cert).Msg("generated CA certificate")
	}
	return newLocalCA(cert, key, log)
}

// caFiles locates a root certificate and its private key on disk.
type caFiles struct {
	cert, key string
}

func (f caFiles) present() (cert, key bool) {
	_, certErr := os.Stat(f.cert)
	_, keyErr := os.Stat(f.key)
	return certErr == nil, keyErr == nil
}

func (f caFiles) read() (*x509.Certificate, *rsa.PrivateKey, error) {
	certDER, err := readPEM(f.cert, "CERTIFICATE")
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", f.cert, err)
	} else if err := checkRoot(cert, time.Now()); err != nil {
		return nil, nil, fmt.Errorf("%s: %w; remove both CA files to generate a new one", f.cert, err)
	}

	keyDER, err := readPEM(f.key, "")
	if err != nil {
		return nil, nil, err
	}
	key, err := parseRSAKey(keyDER)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", f.key, err)
	}
	return cert, key, nil
}

// write stores the certificate world readable and the key owner only.
func (f caFiles) write(cert *x509.Certificate, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(f.cert), 0o755); err != nil {
		return fmt.Errorf("creating CA directory: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(f.cert, certPEM, 0o644); err != nil {
		return fmt.Errorf("saving CA certificate: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(f.key, keyPEM, 0o600); err != nil {
		return fmt.Errorf("saving CA key: %w", err)
	}
	return nil
}

// readPEM returns the first block of path; a non-empty blockType must match.
func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", path)
	} else if blockType != "" && block.Type != blockType {
		return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
	}
	return block.Bytes, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.New("not an RSA private key")
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
	return key, nil
}

// checkRoot rejects certificates that cannot sign leaves at now.
func checkRoot(cert *x509.Certificate, now time.Time) error {
	switch {
	case !cert.IsCA:
		return errors.New("not a CA certificate")
	case cert.KeyUsage&x509.KeyUsageCertSign == 0:
		return errors.New("certificate signing not permitted")
	case now.After(cert.NotAfter):
		return fmt.Errorf("expired %s", cert.NotAfter.Format(time.DateOnly))
	}
	return nil
}

// newRoot creates a self-signed root valid for ten years from now.
func newRoot(now time.Time) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating CA serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"pktcap"}, CommonName: "pktcap CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("signing CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func newLocalCA(cert *x509.Certificate, key *rsa.PrivateKey, log zerolog.Logger) (*LocalCA, error) {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	tlsCert, err := tls.X509KeyPair(
		certPEM,
		pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	)
	if err != nil {
		return nil, fmt.Errorf("create TLS cert: %w", err)
	}

	signer := goproxy.NewProxyHttpServer()
	signer.Verbose = false
	return &LocalCA{
		cert:    cert,
		key:     key,
		certPEM: certPEM,
		log:     log,
		sign:    goproxy.TLSConfigFromCA(&tlsCert),
		signCtx: &goproxy.ProxyCtx{Proxy: signer},
		cache:   make(map[string]*tls.Config),
	}, nil
}

// TLSConfigForHost returns a server TLS configuration presenting a leaf
// certificate for host signed by this CA. Results are cached per hostname.
func (c *LocalCA) TLSConfigForHost(host string) (*tls.Config, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return nil, errors.New("host is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg, ok := c.cache[host]; ok {
		return cfg.Clone(), nil
	}
	cfg, err := c.sign(host, c.signCtx)
	if err != nil {
		return nil, fmt.Errorf("issue certificate for %s: %w", host, err)
	}
	c.cache[host] = cfg
	c.log.Debug().Str("host", host).Msg("issued leaf certificate")
	return cfg.Clone(), nil
}

// Certificate returns the root certificate.
func (c *LocalCA) Certificate() *x509.Certificate {
	return c.cert
}

// CertificatePEM returns the PEM encoded root certificate for installation
// into client trust stores.
func (c *LocalCA) CertificatePEM() []byte {
	return append([]byte(nil), c.certPEM...)
}
