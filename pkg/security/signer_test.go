package security

import (
	"path/filepath"
	"testing"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	data := []byte("manifest bytes")
	sig := signer.Sign(data)

	ts := NewTrustStore()
	ts.Trust(signer.KeyID(), signer.PublicKey())

	if err := ts.Verify(signer.KeyID(), data, sig, true); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	signer, _ := NewSigner()
	sig := signer.Sign([]byte("original"))

	ts := NewTrustStore()
	ts.Trust(signer.KeyID(), signer.PublicKey())

	if err := ts.Verify(signer.KeyID(), []byte("tampered"), sig, true); err == nil {
		t.Error("Verify() should reject a signature over different data")
	}
}

func TestVerifyUnknownKeyStrictVsLenient(t *testing.T) {
	ts := NewTrustStore()

	if err := ts.Verify("nonexistent", []byte("data"), []byte("sig"), true); err == nil {
		t.Error("Verify() strict=true should reject an unknown key")
	}
	if err := ts.Verify("nonexistent", []byte("data"), []byte("sig"), false); err != nil {
		t.Errorf("Verify() strict=false should tolerate an unknown key, got %v", err)
	}
}

func TestSignerSaveAndLoad(t *testing.T) {
	signer, err := NewSigner()
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "signing.key")
	if err := signer.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("LoadSigner() error = %v", err)
	}
	if loaded.KeyID() != signer.KeyID() {
		t.Errorf("KeyID() = %q, want %q", loaded.KeyID(), signer.KeyID())
	}

	sig := loaded.Sign([]byte("x"))
	ts := NewTrustStore()
	ts.Trust(loaded.KeyID(), loaded.PublicKey())
	if err := ts.Verify(loaded.KeyID(), []byte("x"), sig, true); err != nil {
		t.Errorf("Verify() after load error = %v", err)
	}
}

func TestTrustStoreSaveAndLoad(t *testing.T) {
	signer, _ := NewSigner()
	ts := NewTrustStore()
	ts.Trust(signer.KeyID(), signer.PublicKey())

	dir := t.TempDir()
	if err := ts.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadTrustStore(dir)
	if err != nil {
		t.Fatalf("LoadTrustStore() error = %v", err)
	}
	sig := signer.Sign([]byte("y"))
	if err := loaded.Verify(signer.KeyID(), []byte("y"), sig, true); err != nil {
		t.Errorf("Verify() after LoadTrustStore() error = %v", err)
	}
}

func TestLoadTrustStoreMissingDirIsEmpty(t *testing.T) {
	ts, err := LoadTrustStore(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("LoadTrustStore() error = %v", err)
	}
	if err := ts.Verify("anything", []byte("x"), []byte("y"), false); err != nil {
		t.Errorf("Verify() on empty store with strict=false should tolerate, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	signer, _ := NewSigner()
	ts := NewTrustStore()
	ts.Trust(signer.KeyID(), signer.PublicKey())
	ts.Revoke(signer.KeyID())

	sig := signer.Sign([]byte("z"))
	if err := ts.Verify(signer.KeyID(), []byte("z"), sig, true); err == nil {
		t.Error("Verify() should reject a revoked key under strict mode")
	}
}
