package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/siphontunnel/siphon/internal/protocol"
	"github.com/siphontunnel/siphon/internal/secret"
)

// controlPlaneTLSConfig builds the mTLS server config for the control
// plane listener: both sides must present a certificate signed by the
// configured CA.
func controlPlaneTLSConfig(cfg *Config) (*tls.Config, error) {
	certPEM, err := secret.Resolve(cfg.TLS.Cert)
	if err != nil {
		return nil, fmt.Errorf("resolving tls.cert: %w", err)
	}
	keyPEM, err := secret.Resolve(cfg.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("resolving tls.key: %w", err)
	}
	caPEM, err := secret.Resolve(cfg.TLS.CACert)
	if err != nil {
		return nil, fmt.Errorf("resolving tls.ca_cert: %w", err)
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: loading control plane keypair: %v", protocol.ErrConfigInvalid, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: ca_cert does not contain a valid certificate", protocol.ErrConfigInvalid)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// httpDataPlaneTLSConfig builds the TLS config for the public HTTP data
// plane when http_cert/http_key are configured. It loads the single
// configured certificate and serves it for every SNI; no GetCertificate
// hook is set.
func httpDataPlaneTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.TLS.HTTPCert == "" || cfg.TLS.HTTPKey == "" {
		return nil, nil
	}
	certPEM, err := secret.Resolve(cfg.TLS.HTTPCert)
	if err != nil {
		return nil, fmt.Errorf("resolving tls.http_cert: %w", err)
	}
	keyPEM, err := secret.Resolve(cfg.TLS.HTTPKey)
	if err != nil {
		return nil, fmt.Errorf("resolving tls.http_key: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: loading http data plane keypair: %v", protocol.ErrConfigInvalid, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
