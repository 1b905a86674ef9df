package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// Signer holds an Ed25519 keypair used to produce the detached signature
// over a package manifest's canonical bytes.
type Signer struct {
	keyID      string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair and derives its key ID
// from the public key (matching the teacher's convention of hashing an
// identity into a short id rather than assigning one by hand).
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Signer{keyID: keyIDFromPublicKey(pub), privateKey: priv, publicKey: pub}, nil
}

// LoadSigner reads a raw 64-byte Ed25519 private key from path.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key %s has %d bytes, want %d", path, len(data), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(data)
	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{keyID: keyIDFromPublicKey(pub), privateKey: priv, publicKey: pub}, nil
}

// Save writes the raw private key to path with owner-only permissions.
func (s *Signer) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	return os.WriteFile(path, s.privateKey, 0o600)
}

// KeyID returns the short identifier other signers and verifiers use to
// refer to this key, without exposing key material.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKey returns the raw public key, for publishing to a TrustStore.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.publicKey }

// Sign produces a detached signature over data (the manifest's
// canonical CBOR encoding).
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.privateKey, data)
}

func keyIDFromPublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)[:16]
}
