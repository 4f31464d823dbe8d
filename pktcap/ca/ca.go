package ca

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-appsec/netcap-toolbox/pktcap/cliutil"
	"github.com/go-appsec/netcap-toolbox/pktcap/config"
	"github.com/go-appsec/netcap-toolbox/pktcap/service/proxy"
)

func loadAuthority(configPath string) (*proxy.LocalCA, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return proxy.LoadOrCreateCA(cfg.CADir(), zerolog.Nop())
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func export(w, status io.Writer, authority *proxy.LocalCA, out string) error {
	pemBytes := authority.CertificatePEM()
	if out == "" {
		_, err := w.Write(pemBytes)
		return err
	}

	if err := os.WriteFile(out, pemBytes, 0o644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	cert := authority.Certificate()
	_, _ = fmt.Fprintf(status, "Wrote %s to %s\n", cliutil.Bold(cert.Subject.CommonName), out)
	_, _ = fmt.Fprintf(status, "SHA-256: %s\n", cliutil.ID(fingerprint(cert.Raw)))
	cliutil.Hint(status, "Add it to the client trust store before intercepting TLS.")
	return nil
}

func issue(w io.Writer, authority proxy.CertificateAuthority, host, outDir string) error {
	cfg, err := authority.TLSConfigForHost(host)
	if err != nil {
		return err
	} else if len(cfg.Certificates) == 0 || len(cfg.Certificates[0].Certificate) == 0 {
		return errors.New("authority returned no certificate")
	}
	leafCert := cfg.Certificates[0]
	leaf, err := x509.ParseCertificate(leafCert.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse leaf: %w", err)
	}

	_, _ = fmt.Fprintf(w, "%s\n\n", cliutil.Bold("Leaf Certificate"))
	_, _ = fmt.Fprintf(w, "Subject: %s\n", leaf.Subject.String())
	_, _ = fmt.Fprintf(w, "Issuer: %s\n", leaf.Issuer.String())
	if len(leaf.DNSNames) > 0 {
		_, _ = fmt.Fprintf(w, "DNS Names: %s\n", strings.Join(leaf.DNSNames, ", "))
	}
	if len(leaf.IPAddresses) > 0 {
		ips := make([]string, len(leaf.IPAddresses))
		for i, ip := range leaf.IPAddresses {
			ips[i] = ip.String()
		}
		_, _ = fmt.Fprintf(w, "IP Addresses: %s\n", strings.Join(ips, ", "))
	}
	_, _ = fmt.Fprintf(w, "Valid: %s to %s\n", leaf.NotBefore.UTC().Format(time.DateOnly), leaf.NotAfter.UTC().Format(time.DateOnly))
	_, _ = fmt.Fprintf(w, "SHA-256: %s\n", cliutil.ID(fingerprint(leaf.Raw)))

	if outDir == "" {
		return nil
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(leafCert.PrivateKey)
	if err != nil {
		return fmt.Errorf("encode leaf key: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = fileSafe(name)
	var chain []byte
	for _, der := range leafCert.Certificate {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	certPath := filepath.Join(outDir, name+".pem")
	keyPath := filepath.Join(outDir, name+"-key.pem")
	if err := os.WriteFile(certPath, chain, 0o644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	} else if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}

	_, _ = fmt.Fprintln(w)
	cliutil.HintCommand(w, "Certificate", certPath)
	cliutil.HintCommand(w, "Key", keyPath)
	return nil
}

// fileSafe maps a host name to a file name, replacing path and wildcard characters.
func fileSafe(host string) string {
	return strings.NewReplacer("*", "_wildcard", "/", "_", "\\", "_", ":", "_").Replace(host)
}
