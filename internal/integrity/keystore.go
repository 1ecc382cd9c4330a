package integrity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// KeyStore resolves the deployment-defined key directory layout from
// SPEC_FULL.md §E.1: <KEY_DIR>/<purpose>/{private.pem.enc, public.pem},
// one subdirectory per signing purpose (bundle, receipt, update). Private
// keys are sealed at rest with scrypt-derived AES-GCM so a stolen disk
// image doesn't hand over a live signing key.
type KeyStore struct {
	dir        string
	passphrase []byte
}

// Purpose identifies which of the three signing flows a key belongs to.
type Purpose string

const (
	PurposeBundle  Purpose = "bundle"  // C7 manifest signing / C8 verification
	PurposeReceipt Purpose = "receipt" // C3 upload receipts
	PurposeUpdate  Purpose = "update"  // C4 signed-update protocol
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// NewKeyStore returns a KeyStore rooted at dir, sealing/unsealing private
// keys with passphrase.
func NewKeyStore(dir string, passphrase string) *KeyStore {
	return &KeyStore{dir: dir, passphrase: []byte(passphrase)}
}

func (ks *KeyStore) purposeDir(p Purpose) string {
	return filepath.Join(ks.dir, string(p))
}

// Generate creates a new RSA-4096 keypair for purpose, sealing the private
// key and writing the public key in the clear.
func (ks *KeyStore) Generate(p Purpose) error {
	key, err := GenerateSigningKey()
	if err != nil {
		return err
	}
	return ks.store(p, key)
}

func (ks *KeyStore) store(p Purpose, key *rsa.PrivateKey) error {
	dir := ks.purposeDir(p)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key dir %s: %w", dir, err)
	}

	sealed, err := ks.seal(x509.MarshalPKCS1PrivateKey(key))
	if err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}
	if err := WriteAtomic(filepath.Join(dir, "private.pem.enc"), sealed, 0600); err != nil {
		return fmt.Errorf("write sealed private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := WriteAtomic(filepath.Join(dir, "public.pem"), pubPEM, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PrivateKey loads and unseals the private key for purpose.
func (ks *KeyStore) PrivateKey(p Purpose) (*rsa.PrivateKey, error) {
	path := filepath.Join(ks.purposeDir(p), "private.pem.enc")
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read sealed private key %s: %v", ErrUnavailable, path, err)
	}
	der, err := ks.unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal private key: %v", ErrFatal, err)
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrFatal, err)
	}
	return key, nil
}

// PublicKeyFromPEMFile loads an RSA public key from a cleartext PEM path
// (used both for self-lookup and for a remote verifier's configured path,
// e.g. UPDATE_PUBKEY_PATH).
func PublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read public key %s: %v", ErrUnavailable, path, err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrFormat, path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrFormat, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key at %s is not RSA", ErrFormat, path)
	}
	return rsaPub, nil
}

// PublicKey loads the public key for purpose from this store's directory.
func (ks *KeyStore) PublicKey(p Purpose) (*rsa.PublicKey, error) {
	return PublicKeyFromPEMFile(filepath.Join(ks.purposeDir(p), "public.pem"))
}

// seal encrypts plaintext with a key derived from the store's passphrase
// via scrypt, using AES-256-GCM. Output layout: salt || nonce || ciphertext.
func (ks *KeyStore) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	derived, err := scrypt.Key(ks.passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func (ks *KeyStore) unseal(sealed []byte) ([]byte, error) {
	if len(sealed) < saltLen {
		return nil, fmt.Errorf("%w: sealed blob too short", ErrFormat)
	}
	salt := sealed[:saltLen]
	rest := sealed[saltLen:]

	derived, err := scrypt.Key(ks.passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: sealed blob missing nonce", ErrFormat)
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrSignature, err)
	}
	return plaintext, nil
}
