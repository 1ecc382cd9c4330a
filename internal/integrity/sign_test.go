package integrity

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey() error = %v", err)
	}
	msg := []byte("canonical manifest bytes")

	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := Verify(&key.PublicKey, msg, sig); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey() error = %v", err)
	}
	msg := []byte("original bytes")
	sig, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	tampered := []byte("original Bytes")
	err = Verify(&key.PublicKey, tampered, sig)
	if !errors.Is(err, ErrSignature) {
		t.Errorf("Verify() error = %v, want ErrSignature", err)
	}
}

func TestSignaturesAreRandomizedButBothVerify(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey() error = %v", err)
	}
	msg := []byte("same manifest bytes, built twice")

	sig1, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	sig2, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if string(sig1) == string(sig2) {
		t.Error("two PSS signatures over the same message were identical, want randomized salt")
	}
	if err := Verify(&key.PublicKey, msg, sig1); err != nil {
		t.Errorf("Verify(sig1) error = %v", err)
	}
	if err := Verify(&key.PublicKey, msg, sig2); err != nil {
		t.Errorf("Verify(sig2) error = %v", err)
	}
}

func TestSignRejectsUndersizedKey(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}
	_, err = Sign(small, []byte("x"))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Sign() with 2048-bit key error = %v, want ErrValidation", err)
	}
}
