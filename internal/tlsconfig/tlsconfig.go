// Package tlsconfig builds client TLS configurations from certificate files on disk.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Files names the PEM files of a client TLS setup. Empty paths are skipped.
type Files struct {
	CACert       string
	ClientCert   string
	ClientKey    string
	InsecureSkip bool
}

// Load creates a TLS configuration from the given files
func Load(f Files) (*tls.Config, error) {
	cfg := &tls.Config{
		// Note: Enabling InsecureSkipVerify weakens TLS security and should only be used for testing.
		InsecureSkipVerify: f.InsecureSkip, // #nosec G402 - configurable for testing environments
		MinVersion:         tls.VersionTLS12,
	}

	if f.CACert != "" {
		caCert, err := os.ReadFile(f.CACert) // #nosec G304 - path is from config
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert")
		}
		cfg.RootCAs = pool
	}

	if f.ClientCert != "" || f.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(f.ClientCert, f.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
