package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ransomeye/drc/internal/integrity"
)

// Credentials is the on-disk identity an agent presents over mTLS once
// enrolled: its leaf certificate, private key, and the core's CA
// certificate used to verify the server.
type Credentials struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// enrollRequest is the one-time-token CSR exchange body.
type enrollRequest struct {
	Token   string `json:"token"`
	HostID  string `json:"host_id"`
	CSRPEM  string `json:"csr_pem"`
}

type enrollResponse struct {
	CertPEM string `json:"cert_pem"`
	CAPEM   string `json:"ca_pem"`
}

// IsEnrolled reports whether credential files already exist for this agent.
func IsEnrolled(creds Credentials) bool {
	for _, p := range []string{creds.CertPath, creds.KeyPath, creds.CAPath} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Enroll generates a fresh ECDSA P-256 key, builds a CSR with CN=hostID,
// and exchanges it for a signed certificate using a one-time enrollment
// token against enrollURL. Key material is written last so a process
// crash mid-enrollment leaves the agent retriably unenrolled rather than
// holding a cert with no matching private key on disk (§4.3 enrollment).
func Enroll(ctx context.Context, enrollURL, hostID, token string, creds Credentials, insecureBootstrap bool) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("%w: generate agent key: %v", integrity.ErrFatal, err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: hostID},
	}, key)
	if err != nil {
		return fmt.Errorf("%w: build CSR: %v", integrity.ErrFatal, err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	body, err := json.Marshal(enrollRequest{Token: token, HostID: hostID, CSRPEM: string(csrPEM)})
	if err != nil {
		return fmt.Errorf("%w: marshal enroll request: %v", integrity.ErrFatal, err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if insecureBootstrap {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, enrollURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build enroll request: %v", integrity.ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: enroll request: %v", integrity.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read enroll response: %v", integrity.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: enroll rejected: %d %s", integrity.ErrValidation, resp.StatusCode, string(respBody))
	}

	var er enrollResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return fmt.Errorf("%w: parse enroll response: %v", integrity.ErrFormat, err)
	}

	if err := os.MkdirAll(filepath.Dir(creds.CAPath), 0700); err != nil {
		return fmt.Errorf("%w: create credential dir: %v", integrity.ErrFatal, err)
	}
	if err := integrity.WriteAtomic(creds.CAPath, []byte(er.CAPEM), 0644); err != nil {
		return fmt.Errorf("%w: persist CA cert: %v", integrity.ErrFatal, err)
	}
	if err := integrity.WriteAtomic(creds.CertPath, []byte(er.CertPEM), 0644); err != nil {
		return fmt.Errorf("%w: persist agent cert: %v", integrity.ErrFatal, err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("%w: marshal agent key: %v", integrity.ErrFatal, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := integrity.WriteAtomic(creds.KeyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("%w: persist agent key: %v", integrity.ErrFatal, err)
	}

	return nil
}
