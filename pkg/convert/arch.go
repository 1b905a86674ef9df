package convert

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/types"
)

// ArchReader reads an Arch-style package: a compressed tar containing
// .PKGINFO (key = value metadata), .INSTALL (shell functions run at
// install/upgrade/remove time), and file bodies (§6).
type ArchReader struct{}

// Read implements Reader.
func (r *ArchReader) Read(path string) (*PackageMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	reader, err := archDecompressor(f)
	if err != nil {
		return nil, err
	}

	meta := &PackageMetadata{}
	var pkginfo, install []byte
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "arch", Detail: "tar", Err: err}
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		switch {
		case name == ".PKGINFO":
			pkginfo, err = io.ReadAll(tr)
		case name == ".INSTALL":
			install, err = io.ReadAll(tr)
		case hdr.Typeflag == tar.TypeDir:
			continue
		case hdr.Typeflag == tar.TypeSymlink:
			meta.Files = append(meta.Files, FileRecord{Path: "/" + path.Clean(name), Mode: uint32(hdr.Mode) & 0o7777, Symlink: hdr.Linkname})
		case hdr.Typeflag == tar.TypeReg:
			buf := &bytes.Buffer{}
			if _, cerr := io.Copy(buf, tr); cerr != nil {
				return nil, &errs.ParseError{Format: "arch", Detail: "content " + name, Err: cerr}
			}
			meta.Files = append(meta.Files, FileRecord{
				Path: "/" + path.Clean(name), Mode: uint32(hdr.Mode) & 0o7777, Content: buf.Bytes(),
				IsConfig: strings.HasPrefix(name, "etc/"),
			})
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "arch", Detail: "member " + name, Err: err}
		}
	}
	if pkginfo == nil {
		return nil, &errs.ParseError{Format: "arch", Detail: "missing .PKGINFO"}
	}
	if err := applyPkgInfo(meta, string(pkginfo)); err != nil {
		return nil, err
	}
	if install != nil {
		meta.Scriptlets = readArchInstallFunctions(string(install))
	}
	return meta, nil
}

func archDecompressor(f *os.File) (io.Reader, error) {
	magic := make([]byte, 6)
	n, _ := io.ReadFull(f, magic)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, &errs.IOError{Op: "seek", Err: err}
	}
	magic = magic[:n]
	switch {
	case n >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return gzip.NewReader(f)
	case n >= 6 && bytes.Equal(magic[:6], []byte{0xfd, '7', 'z', 'X', 'Z', 0}):
		return xz.NewReader(f)
	case n >= 4 && magic[0] == 0x28 && magic[1] == 0xb5 && magic[2] == 0x2f && magic[3] == 0xfd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return f, nil // uncompressed tar
	}
}

// .PKGINFO is a flat "key = value" document, repeated keys allowed
// (license, depend, provides can each appear multiple times).
func applyPkgInfo(meta *PackageMetadata, content string) error {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		switch key {
		case "pkgname":
			meta.Name = val
		case "pkgver":
			meta.Version = val
		case "pkgdesc":
			meta.Description = val
		case "arch":
			meta.Architecture = val
		case "url":
			meta.Homepage = val
		case "license":
			meta.License = val
		case "depend":
			meta.Dependencies = append(meta.Dependencies, parseArchDependency(val))
		case "provides":
			meta.Provides = append(meta.Provides, parseArchProvide(val))
		}
	}
	return nil
}

var reArchVersionOp = regexp.MustCompile(`(>=|<=|==|=|>|<)`)

func parseArchDependency(val string) DependencyRecord {
	loc := reArchVersionOp.FindStringIndex(val)
	if loc == nil {
		return DependencyRecord{Name: val, Type: types.DependencyTypeRuntime, Kind: types.DependencyKindPackage}
	}
	op := val[loc[0]:loc[1]]
	return DependencyRecord{
		Name: strings.TrimSpace(val[:loc[0]]), Type: types.DependencyTypeRuntime, Kind: types.DependencyKindPackage,
		Constraint: op + " " + strings.TrimSpace(val[loc[1]:]),
	}
}

func parseArchProvide(val string) ProvideRecord {
	loc := reArchVersionOp.FindStringIndex(val)
	if loc == nil {
		return ProvideRecord{Capability: val}
	}
	return ProvideRecord{Capability: strings.TrimSpace(val[:loc[0]]), Version: strings.TrimSpace(val[loc[1]:])}
}

var reArchFunc = regexp.MustCompile(`(?ms)^(pre_install|post_install|pre_upgrade|post_upgrade|pre_remove|post_remove)\s*\(\s*\)\s*\{(.*?)^\}`)

// readArchInstallFunctions extracts the bodies of .INSTALL's named shell
// functions and maps them onto the common ScriptletPhase set; pre/post
// upgrade map onto the same phase Conary uses for upgrades.
func readArchInstallFunctions(content string) []ScriptletRecord {
	phaseFor := map[string]types.ScriptletPhase{
		"pre_install": types.PhasePreInstall, "post_install": types.PhasePostInstall,
		"pre_upgrade": types.PhasePreUpgrade, "post_upgrade": types.PhasePostUpgrade,
		"pre_remove": types.PhasePreRemove, "post_remove": types.PhasePostRemove,
	}
	var out []ScriptletRecord
	for _, m := range reArchFunc.FindAllStringSubmatch(content, -1) {
		phase, ok := phaseFor[m[1]]
		if !ok {
			continue
		}
		out = append(out, ScriptletRecord{Phase: phase, Interpreter: "/bin/sh", Content: strings.TrimSpace(m[2])})
	}
	return out
}
