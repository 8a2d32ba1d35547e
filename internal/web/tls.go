package web

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds server TLS settings, optionally requiring client
// certificates.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
}

// TLSConfigFromEnv reads HOIST_WEB_TLS_CERT, HOIST_WEB_TLS_KEY,
// HOIST_WEB_CLIENT_CA and HOIST_WEB_REQUIRE_MTLS. It returns nil when no
// certificate is configured.
func TLSConfigFromEnv() *TLSConfig {
	c := &TLSConfig{
		CertFile:          os.Getenv("HOIST_WEB_TLS_CERT"),
		KeyFile:           os.Getenv("HOIST_WEB_TLS_KEY"),
		ClientCAFile:      os.Getenv("HOIST_WEB_CLIENT_CA"),
		RequireClientCert: os.Getenv("HOIST_WEB_REQUIRE_MTLS") == "true",
	}
	if c.CertFile == "" && c.KeyFile == "" {
		return nil
	}
	return c
}

// Build loads the key pair and client CA into a tls.Config.
func (c *TLSConfig) Build() (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.RequireClientCert {
		if c.ClientCAFile == "" {
			return nil, fmt.Errorf("client CA required when client certificates are required")
		}
		caCert, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", c.ClientCAFile).Msg("mTLS client authentication enabled")
	}
	return cfg, nil
}

// ClientCertMiddleware rejects TLS requests without a client certificate
// when required and tags the request with the certificate subject.
func ClientCertMiddleware(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.TLS == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(r.TLS.PeerCertificates) == 0 {
				if required {
					http.Error(w, "client certificate required", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			cert := r.TLS.PeerCertificates[0]
			r.Header.Set("X-Client-Subject", cert.Subject.String())
			r.Header.Set("X-Client-Serial", cert.SerialNumber.String())
			log.Debug().Str("subject", cert.Subject.String()).Msg("mTLS client authenticated")
			next.ServeHTTP(w, r)
		})
	}
}
