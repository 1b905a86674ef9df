package convert

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/security"
	"github.com/cuemby/conary/pkg/types"
)

const mainComponent = "runtime"

// NativeReader reads a Native Format package: a gzip-compressed tar
// container with MANIFEST (binary, authoritative), MANIFEST.toml (human
// mirror), an optional MANIFEST.sig, and per-component data blobs keyed
// by content hash (§6).
type NativeReader struct{}

// Read implements Reader. Because the tar container must be scanned
// sequentially, it is read once into memory up front; Native Format
// packages are bounded by the CAS chunk size, not unbounded streaming
// input, so this is the same tradeoff pkg/storage's "list all, filter
// in memory" pattern makes for metadata.
func (r *NativeReader) Read(path string) (*PackageMetadata, error) {
	members, err := readTarGz(path)
	if err != nil {
		return nil, err
	}

	manifestBytes, ok := members["MANIFEST"]
	if !ok {
		return nil, &errs.ParseError{Format: "native", Detail: "missing MANIFEST member"}
	}
	m, err := DecodeCBOR(manifestBytes)
	if err != nil {
		return nil, err
	}

	meta := &PackageMetadata{
		Name:         m.Package.Name,
		Version:      m.Package.Version,
		Architecture: m.Package.Architecture,
		Description:  m.Package.Description,
		License:      m.Package.License,
		Homepage:     m.Package.Homepage,
	}
	for _, d := range m.Dependencies {
		meta.Dependencies = append(meta.Dependencies, DependencyRecord{
			Name: d.Name, Version: d.Version,
			Type: types.DependencyType(d.Type), Kind: types.DependencyKind(d.Kind),
			Constraint: d.Constraint,
		})
	}
	for _, p := range m.Provides {
		meta.Provides = append(meta.Provides, ProvideRecord{Capability: p.Capability, Version: p.Version})
	}
	for _, comp := range m.Components {
		for _, cf := range comp.Files {
			fr := FileRecord{Path: cf.Path, Mode: cf.Mode, Owner: cf.Owner, Group: cf.Group, IsConfig: cf.IsConfig, Symlink: cf.Symlink}
			if cf.Symlink == "" {
				fr.Content, err = reassembleBlob(members, cf)
				if err != nil {
					return nil, err
				}
			}
			meta.Files = append(meta.Files, fr)
		}
	}
	return meta, nil
}

// ReadHooks returns the declarative hook set carried in a Native Format
// package's manifest, for install/upgrade to hand to the hook executor
// without re-running scriptlet analysis.
func (r *NativeReader) ReadHooks(path string) (types.Hooks, error) {
	members, err := readTarGz(path)
	if err != nil {
		return types.Hooks{}, err
	}
	manifestBytes, ok := members["MANIFEST"]
	if !ok {
		return types.Hooks{}, &errs.ParseError{Format: "native", Detail: "missing MANIFEST member"}
	}
	m, err := DecodeCBOR(manifestBytes)
	if err != nil {
		return types.Hooks{}, err
	}
	return types.Hooks{
		Users: m.Hooks.Users, Groups: m.Hooks.Groups, Directories: m.Hooks.Directories,
		Systemd: m.Hooks.Systemd, Tmpfiles: m.Hooks.Tmpfiles, Sysctl: m.Hooks.Sysctl,
		Alternatives: m.Hooks.Alternatives,
	}, nil
}

func reassembleBlob(members map[string][]byte, cf ComponentFile) ([]byte, error) {
	if cf.BlobHash != "" {
		b, ok := members["blobs/"+cf.BlobHash]
		if !ok {
			return nil, &errs.ParseError{Format: "native", Detail: fmt.Sprintf("missing blob %s for %s", cf.BlobHash, cf.Path)}
		}
		return b, nil
	}
	var buf bytes.Buffer
	for _, h := range cf.ChunkHashes {
		b, ok := members["blobs/"+h]
		if !ok {
			return nil, &errs.ParseError{Format: "native", Detail: fmt.Sprintf("missing chunk %s for %s", h, cf.Path)}
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func readTarGz(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, &errs.ParseError{Format: "native", Detail: "gzip", Err: err}
	}
	defer gz.Close()

	members := map[string][]byte{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "native", Detail: "tar", Err: err}
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, &errs.ParseError{Format: "native", Detail: "tar member " + hdr.Name, Err: err}
		}
		members[hdr.Name] = b
	}
	return members, nil
}

// NativeWriter emits a Native Format package from a PackageMetadata and
// its hook set (§4.5 step 6, §6).
type NativeWriter struct {
	ChunkConfig ChunkConfig
	CAS         *cas.Store // not read by Write: chunk hashes come from cas.HashBytes and blobs are embedded in the tar, not left in the shared CAS
	Signer      *security.Signer
}

// Write emits a Native Format package for meta+hooks+provenance to destPath.
func (w *NativeWriter) Write(meta *PackageMetadata, hooks types.Hooks, provenance ProvenanceInfo, destPath string) error {
	manifest := &Manifest{
		Package: PackageInfo{
			Name: meta.Name, Version: meta.Version, Architecture: meta.Architecture,
			Description: meta.Description, License: meta.License, Homepage: meta.Homepage,
		},
		Components: map[string]Component{},
		Hooks: ManifestHooks{
			Users: hooks.Users, Groups: hooks.Groups, Directories: hooks.Directories,
			Systemd: hooks.Systemd, Tmpfiles: hooks.Tmpfiles, Sysctl: hooks.Sysctl,
			Alternatives: hooks.Alternatives,
		},
		Provenance: provenance,
	}
	for _, d := range meta.Dependencies {
		manifest.Dependencies = append(manifest.Dependencies, ManifestDependency{
			Name: d.Name, Version: d.Version, Type: string(d.Type), Kind: string(d.Kind), Constraint: d.Constraint,
		})
	}
	for _, p := range meta.Provides {
		manifest.Provides = append(manifest.Provides, ManifestProvide{Capability: p.Capability, Version: p.Version})
	}

	blobs := map[string][]byte{}
	var compFiles []ComponentFile
	for _, f := range meta.Files {
		cf := ComponentFile{Path: f.Path, Mode: f.Mode, Owner: f.Owner, Group: f.Group, IsConfig: f.IsConfig, Symlink: f.Symlink, Size: int64(len(f.Content))}
		if f.Symlink == "" {
			if len(f.Content) <= w.ChunkConfig.MinSize || w.ChunkConfig.MinSize == 0 {
				h := cas.HashBytes(f.Content)
				blobs[h.Hex()] = f.Content
				cf.BlobHash = h.Hex()
			} else {
				chunks, err := splitInMemory(f.Content, w.ChunkConfig)
				if err != nil {
					return err
				}
				for _, c := range chunks {
					blobs[c.hash.Hex()] = c.data
					cf.ChunkHashes = append(cf.ChunkHashes, c.hash.Hex())
				}
			}
		}
		compFiles = append(compFiles, cf)
	}
	manifest.Components[mainComponent] = Component{Files: compFiles}

	manifestBytes, err := EncodeCBOR(manifest)
	if err != nil {
		return err
	}
	manifestTOML, err := EncodeTOML(manifest)
	if err != nil {
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return &errs.IOError{Op: "create", Path: destPath, Err: err}
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	if err := writeTarMember(tw, "MANIFEST", manifestBytes); err != nil {
		return err
	}
	if err := writeTarMember(tw, "MANIFEST.toml", manifestTOML); err != nil {
		return err
	}
	if w.Signer != nil {
		sig, err := SignManifest(w.Signer, manifestBytes)
		if err != nil {
			return err
		}
		if err := writeTarMember(tw, "MANIFEST.sig", sig); err != nil {
			return err
		}
	}
	for hash, data := range blobs {
		if err := writeTarMember(tw, "blobs/"+hash, data); err != nil {
			return err
		}
	}
	return nil
}

func writeTarMember(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return &errs.IOError{Op: "tar-header", Path: name, Err: err}
	}
	if _, err := tw.Write(data); err != nil {
		return &errs.IOError{Op: "tar-write", Path: name, Err: err}
	}
	return nil
}

type inMemoryChunk struct {
	hash cas.Hash
	data []byte
}

// splitInMemory mirrors chunk.go's boundary logic without requiring a
// live CAS store, since the Native Format writer embeds blobs directly
// in its own tar rather than in the shared object store.
func splitInMemory(data []byte, cfg ChunkConfig) ([]inMemoryChunk, error) {
	if len(data) <= cfg.MinSize {
		return []inMemoryChunk{{hash: cas.HashBytes(data), data: data}}, nil
	}
	var chunks []inMemoryChunk
	start := 0
	var digest uint64
	for i, b := range data {
		digest = (digest << 1) + gearTable[b]
		size := i - start + 1
		atBoundary := size >= cfg.MinSize && shouldSplitAtThreshold(digest, cfg.TargetSize)
		if atBoundary || size >= cfg.MaxSize || i == len(data)-1 {
			piece := data[start : i+1]
			chunks = append(chunks, inMemoryChunk{hash: cas.HashBytes(piece), data: piece})
			start = i + 1
			digest = 0
		}
	}
	return chunks, nil
}
