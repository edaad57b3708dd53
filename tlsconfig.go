package objlink

// tlsconfig.go: the optional TLS layer over the raw socket.
// Certificates come from cfg.CertPath: ca.crt plus <KeyPairName>.crt
// and .key. TLS 1.2 is the floor.

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

func loadServerTLSConfig(cfg *Config) (*tls.Config, error) {
	name := cfg.KeyPairName
	if name == "" {
		name = "node"
	}
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(cfg.CertPath, name+".crt"),
		filepath.Join(cfg.CertPath, name+".key"))
	if err != nil {
		return nil, fmt.Errorf("loading server key pair %q: %w", name, err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.SkipVerifyKeys {
		tc.ClientAuth = tls.NoClientCert
		return tc, nil
	}
	pool, err := caPool(cfg.CertPath)
	if err != nil {
		return nil, err
	}
	tc.ClientAuth = tls.RequireAndVerifyClientCert
	tc.ClientCAs = pool
	return tc, nil
}

func loadClientTLSConfig(cfg *Config) (*tls.Config, error) {
	name := cfg.KeyPairName
	if name == "" {
		name = "client"
	}
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(cfg.CertPath, name+".crt"),
		filepath.Join(cfg.CertPath, name+".key"))
	if err != nil {
		return nil, fmt.Errorf("loading client key pair %q: %w", name, err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		// lets the client name the cert it wants, independent of the
		// IP or domain the host happens to be on.
		ServerName: "localhost",
	}
	if cfg.SkipVerifyKeys {
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	pool, err := caPool(cfg.CertPath)
	if err != nil {
		return nil, err
	}
	tc.RootCAs = pool
	return tc, nil
}

func caPool(dir string) (*x509.CertPool, error) {
	by, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(by) {
		return nil, fmt.Errorf("no usable certificates in %v", filepath.Join(dir, "ca.crt"))
	}
	return pool, nil
}
