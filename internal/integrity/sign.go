package integrity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// KeyBits is the required RSA modulus size for all signing keys (§4.1).
const KeyBits = 4096

// GenerateSigningKey creates a fresh RSA-4096 keypair for manifest, receipt,
// or update signing.
func GenerateSigningKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa-%d key: %w", KeyBits, err)
	}
	return key, nil
}

// pssOptions returns RSA-PSS parameters per §4.1: SHA-256, salt length
// equal to the digest length.
var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthEqualsHash,
	Hash:       crypto.SHA256,
}

// Sign produces an RSA-PSS/SHA-256 signature over b. Keys must be RSA-4096;
// smaller keys are rejected so a misconfigured deployment fails loudly
// rather than producing a weak signature.
func Sign(key *rsa.PrivateKey, b []byte) ([]byte, error) {
	if key.N.BitLen() < KeyBits {
		return nil, fmt.Errorf("%w: signing key is %d bits, want >= %d", ErrValidation, key.N.BitLen(), KeyBits)
	}
	digest := sha256.Sum256(b)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("rsa-pss sign: %w", err)
	}
	return sig, nil
}

// Verify checks an RSA-PSS/SHA-256 signature over b. It is constant-time
// with respect to the signature comparison (rsa.VerifyPSS is) and
// fail-closed: any error is wrapped in ErrSignature.
func Verify(pub *rsa.PublicKey, b, sig []byte) error {
	digest := sha256.Sum256(b)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOptions); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}
