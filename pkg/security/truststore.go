package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/conary/pkg/errs"
)

// TrustStore holds the set of Ed25519 public keys this host accepts
// MANIFEST signatures from, keyed by key ID. Repository sync and package
// installation do not consult it; callers verify through Verify
// directly.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewTrustStore returns an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{keys: make(map[string]ed25519.PublicKey)}
}

// LoadTrustStore reads every "<keyid>.pub" file (raw 32-byte Ed25519
// public keys) from dir. A missing directory is treated as an empty
// trust store rather than an error, matching first-run bootstrap.
func LoadTrustStore(dir string) (*TrustStore, error) {
	ts := NewTrustStore()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return ts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trust store directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read trusted key %s: %w", e.Name(), err)
		}
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted key %s has %d bytes, want %d", e.Name(), len(data), ed25519.PublicKeySize)
		}
		keyID := strings.TrimSuffix(e.Name(), ".pub")
		ts.keys[keyID] = ed25519.PublicKey(data)
	}
	return ts, nil
}

// Trust adds pub to the store under keyID, overwriting any prior entry
// for the same ID.
func (ts *TrustStore) Trust(keyID string, pub ed25519.PublicKey) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.keys[keyID] = pub
}

// Revoke removes keyID from the store.
func (ts *TrustStore) Revoke(keyID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.keys, keyID)
}

// Save persists every trusted key as "<keyid>.pub" under dir.
func (ts *TrustStore) Save(dir string) error {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trust store directory: %w", err)
	}
	for keyID, pub := range ts.keys {
		path := filepath.Join(dir, keyID+".pub")
		if err := os.WriteFile(path, pub, 0o644); err != nil {
			return fmt.Errorf("write trusted key %s: %w", keyID, err)
		}
	}
	return nil
}

// Verify checks sig over data against the key named keyID. When strict
// is false (Repository.GPGStrict unset), an unknown keyID is tolerated
// as "unsigned" rather than rejected, matching repositories that predate
// signing; a present-but-wrong signature is always rejected regardless
// of strict.
func (ts *TrustStore) Verify(keyID string, data, sig []byte, strict bool) error {
	ts.mu.RLock()
	pub, ok := ts.keys[keyID]
	ts.mu.RUnlock()

	if !ok {
		if strict {
			return &errs.SignatureInvalid{KeyID: keyID, Reason: "unknown key"}
		}
		return nil
	}
	if !ed25519.Verify(pub, data, sig) {
		return &errs.SignatureInvalid{KeyID: keyID, Reason: "signature does not verify"}
	}
	return nil
}

// KeyIDForPublicKey exposes the same derivation Signer uses, so a
// TrustStore caller can compute the expected key ID for a raw public key
// without constructing a Signer.
func KeyIDForPublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)[:16]
}
