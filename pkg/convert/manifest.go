package convert

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/fxamacker/cbor/v2"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/security"
	"github.com/cuemby/conary/pkg/types"
)

// PackageInfo is the MANIFEST's "package" top-level key.
type PackageInfo struct {
	Name         string `cbor:"name" toml:"name"`
	Version      string `cbor:"version" toml:"version"`
	Architecture string `cbor:"architecture,omitempty" toml:"architecture,omitempty"`
	Description  string `cbor:"description,omitempty" toml:"description,omitempty"`
	License      string `cbor:"license,omitempty" toml:"license,omitempty"`
	Homepage     string `cbor:"homepage,omitempty" toml:"homepage,omitempty"`
	Repository   string `cbor:"repository,omitempty" toml:"repository,omitempty"`
}

// ManifestDependency mirrors DependencyRecord in MANIFEST-serializable form.
type ManifestDependency struct {
	Name       string `cbor:"name" toml:"name"`
	Version    string `cbor:"version,omitempty" toml:"version,omitempty"`
	Type       string `cbor:"type" toml:"type"`
	Kind       string `cbor:"kind" toml:"kind"`
	Constraint string `cbor:"constraint,omitempty" toml:"constraint,omitempty"`
}

// ManifestProvide mirrors ProvideRecord.
type ManifestProvide struct {
	Capability string `cbor:"capability" toml:"capability"`
	Version    string `cbor:"version,omitempty" toml:"version,omitempty"`
}

// ComponentFile is one file entry within a Component, addressed either
// by a single blob hash or by an ordered list of chunk hashes.
type ComponentFile struct {
	Path        string   `cbor:"path" toml:"path"`
	Mode        uint32   `cbor:"mode" toml:"mode"`
	Owner       string   `cbor:"owner,omitempty" toml:"owner,omitempty"`
	Group       string   `cbor:"group,omitempty" toml:"group,omitempty"`
	IsConfig    bool     `cbor:"is_config,omitempty" toml:"is_config,omitempty"`
	Symlink     string   `cbor:"symlink,omitempty" toml:"symlink,omitempty"`
	BlobHash    string   `cbor:"blob_hash,omitempty" toml:"blob_hash,omitempty"`
	ChunkHashes []string `cbor:"chunk_hashes,omitempty" toml:"chunk_hashes,omitempty"`
	Size        int64    `cbor:"size" toml:"size"`
}

// Component is a named subset of a package's files (§2 item 2, Component entity).
type Component struct {
	Files        []ComponentFile       `cbor:"files" toml:"files"`
	Dependencies []ManifestDependency  `cbor:"dependencies,omitempty" toml:"dependencies,omitempty"`
}

// Policy carries install-time policy flags the transaction engine
// consults, such as the minimum fidelity below which a warning must be
// surfaced to the operator.
type Policy struct {
	MinFidelity       string `cbor:"min_fidelity,omitempty" toml:"min_fidelity,omitempty"`
	KeepVerbatimPost  bool   `cbor:"keep_verbatim_post,omitempty" toml:"keep_verbatim_post,omitempty"`
}

// ProvenanceInfo mirrors types.Provenance in MANIFEST-serializable form.
type ProvenanceInfo struct {
	SourceURL    string    `cbor:"source_url,omitempty" toml:"source_url,omitempty"`
	UpstreamHash string    `cbor:"upstream_hash,omitempty" toml:"upstream_hash,omitempty"`
	GitCommit    string    `cbor:"git_commit,omitempty" toml:"git_commit,omitempty"`
	Patches      []string  `cbor:"patches,omitempty" toml:"patches,omitempty"`
	BuildHost    string    `cbor:"build_host,omitempty" toml:"build_host,omitempty"`
	BuildTime    time.Time `cbor:"build_time,omitempty" toml:"build_time,omitempty"`
	Builder      string    `cbor:"builder,omitempty" toml:"builder,omitempty"`
	MerkleRoot   string    `cbor:"merkle_root,omitempty" toml:"merkle_root,omitempty"`
}

// ManifestHooks mirrors types.Hooks in MANIFEST-serializable form.
type ManifestHooks struct {
	Users        []types.UserHook        `cbor:"users,omitempty" toml:"users,omitempty"`
	Groups       []types.GroupHook       `cbor:"groups,omitempty" toml:"groups,omitempty"`
	Directories  []types.DirectoryHook   `cbor:"directories,omitempty" toml:"directories,omitempty"`
	Systemd      []types.SystemdHook     `cbor:"systemd,omitempty" toml:"systemd,omitempty"`
	Tmpfiles     []types.TmpfilesHook    `cbor:"tmpfiles,omitempty" toml:"tmpfiles,omitempty"`
	Sysctl       []types.SysctlHook      `cbor:"sysctl,omitempty" toml:"sysctl,omitempty"`
	Alternatives []types.AlternativeHook `cbor:"alternatives,omitempty" toml:"alternatives,omitempty"`
}

// Manifest is the canonical Native Format package descriptor (§6).
type Manifest struct {
	Package      PackageInfo              `cbor:"package" toml:"package"`
	Dependencies []ManifestDependency     `cbor:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Provides     []ManifestProvide        `cbor:"provides,omitempty" toml:"provides,omitempty"`
	Components   map[string]Component     `cbor:"components,omitempty" toml:"components,omitempty"`
	Hooks        ManifestHooks            `cbor:"hooks,omitempty" toml:"hooks,omitempty"`
	Policy       Policy                   `cbor:"policy,omitempty" toml:"policy,omitempty"`
	Provenance   ProvenanceInfo           `cbor:"provenance,omitempty" toml:"provenance,omitempty"`
}

// EncodeCBOR serializes m as the canonical binary MANIFEST.
func EncodeCBOR(m *Manifest) ([]byte, error) {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, &errs.ParseError{Format: "manifest", Detail: "cbor encode mode", Err: err}
	}
	b, err := mode.Marshal(m)
	if err != nil {
		return nil, &errs.ParseError{Format: "manifest", Detail: "cbor marshal", Err: err}
	}
	return b, nil
}

// DecodeCBOR parses the canonical binary MANIFEST. This is the
// authoritative representation; MANIFEST.toml is a mirror for human
// inspection only.
func DecodeCBOR(b []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, &errs.ParseError{Format: "manifest", Detail: "cbor unmarshal", Err: err}
	}
	return &m, nil
}

// EncodeTOML renders m as the human-readable MANIFEST.toml mirror.
func EncodeTOML(m *Manifest) ([]byte, error) {
	b, err := toml.Marshal(m)
	if err != nil {
		return nil, &errs.ParseError{Format: "manifest.toml", Detail: "toml marshal", Err: err}
	}
	return b, nil
}

// ManifestSig is the JSON-encoded detached signature over the exact
// bytes of MANIFEST (§6).
type ManifestSig struct {
	Algorithm string `json:"algorithm"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
	KeyID     string `json:"key_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// SignManifest produces a MANIFEST.sig document over manifestBytes.
func SignManifest(signer *security.Signer, manifestBytes []byte) ([]byte, error) {
	sig := ManifestSig{
		Algorithm: "ed25519",
		Signature: base64.StdEncoding.EncodeToString(signer.Sign(manifestBytes)),
		PublicKey: base64.StdEncoding.EncodeToString(signer.PublicKey()),
		KeyID:     signer.KeyID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return nil, &errs.ParseError{Format: "manifest.sig", Detail: "json marshal", Err: err}
	}
	return b, nil
}

// DecodeManifestSig parses a MANIFEST.sig document.
func DecodeManifestSig(b []byte) (*ManifestSig, error) {
	var sig ManifestSig
	if err := json.Unmarshal(b, &sig); err != nil {
		return nil, &errs.ParseError{Format: "manifest.sig", Detail: "json unmarshal", Err: err}
	}
	return &sig, nil
}
