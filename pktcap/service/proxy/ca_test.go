package proxy

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCA(t *testing.T) {
	t.Parallel()

	t.Run("generates_then_reloads", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "ca")

		first, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, first.Certificate().IsCA)
		assert.Equal(t, "pktcap CA", first.Certificate().Subject.CommonName)

		info, err := os.Stat(filepath.Join(dir, caKeyFile))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		second, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, first.Certificate().Raw, second.Certificate().Raw)
		assert.Equal(t, first.CertificatePEM(), second.CertificatePEM())
	})

	t.Run("pem_matches_file", func(t *testing.T) {
		dir := t.TempDir()
		ca, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.NoError(t, err)

		onDisk, err := os.ReadFile(filepath.Join(dir, caCertFile))
		require.NoError(t, err)
		assert.Equal(t, onDisk, ca.CertificatePEM())

		block, _ := pem.Decode(ca.CertificatePEM())
		require.NotNil(t, block)
		assert.Equal(t, "CERTIFICATE", block.Type)
	})

	t.Run("missing_key", func(t *testing.T) {
		dir := t.TempDir()
		_, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(dir, caKeyFile)))

		_, err = LoadOrCreateCA(dir, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no matching "+caKeyFile)
	})

	t.Run("missing_cert", func(t *testing.T) {
		dir := t.TempDir()
		_, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, os.Remove(filepath.Join(dir, caCertFile)))

		_, err = LoadOrCreateCA(dir, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no matching "+caCertFile)
	})

	t.Run("corrupt_cert", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, caCertFile), []byte("not pem"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, caKeyFile), []byte("not pem"), 0o600))

		_, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no PEM data")
	})

	t.Run("pkcs8_key", func(t *testing.T) {
		dir := t.TempDir()
		cert, key, err := newRoot(time.Now())
		require.NoError(t, err)
		files := caFiles{cert: filepath.Join(dir, caCertFile), key: filepath.Join(dir, caKeyFile)}
		require.NoError(t, files.write(cert, key))

		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		require.NoError(t, os.WriteFile(files.key, keyPEM, 0o600))

		ca, err := LoadOrCreateCA(dir, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, cert.Raw, ca.Certificate().Raw)
	})

	t.Run("expired_root", func(t *testing.T) {
		dir := t.TempDir()
		cert, key, err := newRoot(time.Now().AddDate(-11, 0, 0))
		require.NoError(t, err)
		files := caFiles{cert: filepath.Join(dir, caCertFile), key: filepath.Join(dir, caKeyFile)}
		require.NoError(t, files.write(cert, key))

		_, err = LoadOrCreateCA(dir, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})
}

func TestCheckRoot(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name    string
		cert    x509.Certificate
		wantErr string
	}{
		{
			name: "valid",
			cert: x509.Certificate{IsCA: true, KeyUsage: x509.KeyUsageCertSign, NotAfter: now.Add(time.Hour)},
		},
		{
			name:    "not_ca",
			cert:    x509.Certificate{KeyUsage: x509.KeyUsageCertSign, NotAfter: now.Add(time.Hour)},
			wantErr: "not a CA",
		},
		{
			name:    "no_cert_sign",
			cert:    x509.Certificate{IsCA: true, KeyUsage: x509.KeyUsageDigitalSignature, NotAfter: now.Add(time.Hour)},
			wantErr: "signing not permitted",
		},
		{
			name:    "expired",
			cert:    x509.Certificate{IsCA: true, KeyUsage: x509.KeyUsageCertSign, NotAfter: now.Add(-time.Hour)},
			wantErr: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRoot(&tt.cert, now)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLocalCA_TLSConfigForHost(t *testing.T) {
	t.Parallel()

	ca, err := LoadOrCreateCA(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())

	t.Run("leaf_verifies", func(t *testing.T) {
		cfg, err := ca.TLSConfigForHost("example.com:443")
		require.NoError(t, err)
		require.NotEmpty(t, cfg.Certificates)

		leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
		require.NoError(t, err)
		_, err = leaf.Verify(x509.VerifyOptions{
			DNSName:   "example.com",
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		assert.NoError(t, err)
	})

	t.Run("cached_per_host", func(t *testing.T) {
		a, err := ca.TLSConfigForHost("cache.example.com")
		require.NoError(t, err)
		b, err := ca.TLSConfigForHost("cache.example.com:8443")
		require.NoError(t, err)

		assert.Equal(t, a.Certificates[0].Certificate[0], b.Certificates[0].Certificate[0])
		assert.NotSame(t, a, b)
	})

	t.Run("empty_host", func(t *testing.T) {
		_, err := ca.TLSConfigForHost("")
		assert.Error(t, err)
	})
}
