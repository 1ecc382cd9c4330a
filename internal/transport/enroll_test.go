package transport

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ransomeye/drc/internal/integrity"
)

func TestIsEnrolledFalseWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()
	creds := Credentials{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.pem"),
		CAPath:   filepath.Join(dir, "ca.pem"),
	}
	if IsEnrolled(creds) {
		t.Fatal("expected not enrolled with no files present")
	}
}

func TestEnrollPersistsCredentials(t *testing.T) {
	ca, err := integrity.EnsureCA(t.TempDir())
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req enrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode enroll request: %v", err)
		}
		if req.Token != "one-time-token" {
			t.Fatalf("unexpected token: %s", req.Token)
		}
		block, _ := pem.Decode([]byte(req.CSRPEM))
		if block == nil {
			t.Fatal("expected PEM-encoded CSR")
		}
		csr, err := x509.ParseCertificateRequest(block.Bytes)
		if err != nil {
			t.Fatalf("parse CSR: %v", err)
		}
		if csr.Subject.CommonName != req.HostID {
			t.Fatalf("CSR CN = %s, want %s", csr.Subject.CommonName, req.HostID)
		}
		certPEM, _, err := ca.SignCSR(block.Bytes, req.HostID)
		if err != nil {
			t.Fatalf("SignCSR: %v", err)
		}
		_ = json.NewEncoder(w).Encode(enrollResponse{
			CertPEM: string(certPEM),
			CAPEM:   string(ca.CACertPEM()),
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	creds := Credentials{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.pem"),
		CAPath:   filepath.Join(dir, "ca.pem"),
	}

	if err := Enroll(context.Background(), srv.URL, "host-123", "one-time-token", creds, false); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if !IsEnrolled(creds) {
		t.Fatal("expected enrolled after successful exchange")
	}

	certBytes, err := os.ReadFile(creds.CertPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	block, _ := pem.Decode(certBytes)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse issued cert: %v", err)
	}
	if cert.Subject.CommonName != "host-123" {
		t.Fatalf("issued cert CN = %s, want host-123", cert.Subject.CommonName)
	}

	keyBytes, err := os.ReadFile(creds.KeyPath)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil || keyBlock.Type != "EC PRIVATE KEY" {
		t.Fatalf("expected EC PRIVATE KEY block, got %+v", keyBlock)
	}
}

func TestEnrollRejectsNonOKResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("bad token"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	creds := Credentials{
		CertPath: filepath.Join(dir, "cert.pem"),
		KeyPath:  filepath.Join(dir, "key.pem"),
		CAPath:   filepath.Join(dir, "ca.pem"),
	}
	err := Enroll(context.Background(), srv.URL, "host-1", "bad-token", creds, false)
	if err == nil {
		t.Fatal("expected error on 403 response")
	}
	if IsEnrolled(creds) {
		t.Fatal("expected no credentials persisted on failed enrollment")
	}
}
