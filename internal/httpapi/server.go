package httpapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// Server owns the HTTP listener lifecycle: mTLS client-cert verification
// when a client CA is configured, otherwise plain bearer-JWT auth over TLS
// or (in tests) plaintext.
type Server struct {
	handler http.Handler
	server  *http.Server
	tlsCert string
	tlsKey  string
	caPath  string
}

// ServerConfig carries the listener-level settings; Config (handler.go)
// carries the route-level ones.
type ServerConfig struct {
	Addr      string
	TLSCert   string
	TLSKey    string
	ClientCA  string // non-empty enables mTLS client-cert verification
}

// NewServer wraps a routed handler with the configured listener settings.
func NewServer(handler http.Handler, cfg ServerConfig) (*Server, error) {
	s := &Server{handler: handler, tlsCert: cfg.TLSCert, tlsKey: cfg.TLSKey, caPath: cfg.ClientCA}
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if cfg.ClientCA != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(cfg.ClientCA)
		if err != nil {
			return nil, fmt.Errorf("%w: read client CA: %v", integrity.ErrFatal, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: client CA file has no usable certificates", integrity.ErrValidation)
		}
		s.server.TLSConfig = &tls.Config{
			ClientCAs:  pool,
			ClientAuth: tls.VerifyClientCertIfGiven,
			MinVersion: tls.VersionTLS12,
		}
	}
	return s, nil
}

// ListenAndServe blocks serving TLS when a certificate is configured,
// plaintext HTTP otherwise (local development / tests behind a
// reverse proxy that terminates TLS).
func (s *Server) ListenAndServe() error {
	if s.tlsCert != "" {
		return s.server.ListenAndServeTLS(s.tlsCert, s.tlsKey)
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
