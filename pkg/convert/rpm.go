package convert

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"

	"github.com/cavaliergopher/cpio"
	"github.com/klauspost/compress/zstd"
	rpmutils "github.com/sassoftware/go-rpmutils"
	"github.com/ulikunitz/xz"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/types"
)

// RPMReader reads an RPM-style package: lead+signature+header+header,
// a (possibly compressed) cpio payload, and scriptlets stored as
// header tags by known indices (§6).
type RPMReader struct{}

// Read implements Reader.
func (r *RPMReader) Read(path string) (*PackageMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	hdr, err := rpmutils.ReadHeader(f)
	if err != nil {
		return nil, &errs.ParseError{Format: "rpm", Detail: "header", Err: err}
	}

	meta := &PackageMetadata{
		Name:         getString(hdr, rpmutils.NAME),
		Version:      evrString(hdr),
		Architecture: getString(hdr, rpmutils.ARCH),
		Description:  getString(hdr, rpmutils.DESCRIPTION),
		License:      getString(hdr, rpmutils.LICENSE),
		Homepage:     getString(hdr, rpmutils.URL),
	}

	meta.Dependencies = readRPMDependencies(hdr)
	meta.Provides = readRPMProvides(hdr)
	meta.Scriptlets = readRPMScriptlets(hdr)

	files, err := readRPMPayload(f, hdr)
	if err != nil {
		return nil, err
	}
	meta.Files = files
	return meta, nil
}

func getString(hdr *rpmutils.RpmHeader, tag int) string {
	s, err := hdr.GetString(tag)
	if err != nil {
		return ""
	}
	return s
}

func getStrings(hdr *rpmutils.RpmHeader, tag int) []string {
	s, err := hdr.GetStrings(tag)
	if err != nil {
		return nil
	}
	return s
}

func evrString(hdr *rpmutils.RpmHeader) string {
	version := getString(hdr, rpmutils.VERSION)
	release := getString(hdr, rpmutils.RELEASE)
	epoch := getString(hdr, rpmutils.EPOCH)
	v := version
	if release != "" {
		v += "-" + release
	}
	if epoch != "" && epoch != "0" {
		v = epoch + ":" + v
	}
	return v
}

func readRPMDependencies(hdr *rpmutils.RpmHeader) []DependencyRecord {
	names := getStrings(hdr, rpmutils.REQUIRENAME)
	versions := getStrings(hdr, rpmutils.REQUIREVERSION)
	var deps []DependencyRecord
	for i, name := range names {
		// RPM encodes a handful of synthetic dependency markers
		// (rpmlib(...), config(...)) in the same tag; rpmlib(...)
		// markers are dropped, paths become file dependencies, and
		// everything else (config(...) included) is kept as a package
		// dependency.
		kind := types.DependencyKindPackage
		if len(name) > 0 && (name[0] == '/' ) {
			kind = types.DependencyKindFile
		}
		if hasPrefix(name, "rpmlib(") {
			continue
		}
		constraint := ""
		if i < len(versions) && versions[i] != "" {
			constraint = ">= " + versions[i]
		}
		deps = append(deps, DependencyRecord{Name: name, Type: types.DependencyTypeRuntime, Kind: kind, Constraint: constraint})
	}
	return deps
}

func readRPMProvides(hdr *rpmutils.RpmHeader) []ProvideRecord {
	names := getStrings(hdr, rpmutils.PROVIDENAME)
	versions := getStrings(hdr, rpmutils.PROVIDEVERSION)
	var provides []ProvideRecord
	for i, name := range names {
		v := ""
		if i < len(versions) {
			v = versions[i]
		}
		provides = append(provides, ProvideRecord{Capability: name, Version: v})
	}
	return provides
}

func readRPMScriptlets(hdr *rpmutils.RpmHeader) []ScriptletRecord {
	type slot struct {
		tag, progTag int
		phase        types.ScriptletPhase
	}
	slots := []slot{
		{rpmutils.PREIN, rpmutils.PREINPROG, types.PhasePreInstall},
		{rpmutils.POSTIN, rpmutils.POSTINPROG, types.PhasePostInstall},
		{rpmutils.PREUN, rpmutils.PREUNPROG, types.PhasePreRemove},
		{rpmutils.POSTUN, rpmutils.POSTUNPROG, types.PhasePostRemove},
	}
	var out []ScriptletRecord
	for _, s := range slots {
		content := getString(hdr, s.tag)
		if content == "" {
			continue
		}
		interp := getString(hdr, s.progTag)
		if interp == "" {
			interp = "/bin/sh"
		}
		out = append(out, ScriptletRecord{Phase: s.phase, Interpreter: interp, Content: content})
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// readRPMPayload decompresses and enumerates the cpio payload that
// follows the header in f (rpmutils.ReadHeader leaves f positioned at
// the start of the payload), matching file metadata against the
// header's parallel FILE* tag arrays by path.
func readRPMPayload(f *os.File, hdr *rpmutils.RpmHeader) ([]FileRecord, error) {
	compressor := getString(hdr, rpmutils.PAYLOADCOMPRESSOR)
	var payload io.Reader
	switch compressor {
	case "xz":
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, &errs.ParseError{Format: "rpm", Detail: "xz payload", Err: err}
		}
		payload = xr
	case "zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, &errs.ParseError{Format: "rpm", Detail: "zstd payload", Err: err}
		}
		defer zr.Close()
		payload = zr
	default:
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, &errs.ParseError{Format: "rpm", Detail: "gzip payload", Err: err}
		}
		defer gr.Close()
		payload = gr
	}

	names := getStrings(hdr, rpmutils.FILENAMES)
	modes, _ := hdr.GetInt64s(rpmutils.FILEMODES)
	users := getStrings(hdr, rpmutils.FILEUSERNAME)
	groups := getStrings(hdr, rpmutils.FILEGROUPNAME)
	flags, _ := hdr.GetInt64s(rpmutils.FILEFLAGS)
	linktos := getStrings(hdr, rpmutils.FILELINKTOS)
	byName := map[string]int{}
	for i, n := range names {
		byName[n] = i
	}

	const rpmfileConfig = 1 // RPMFILE_CONFIG bit

	cr := cpio.NewReader(payload)
	var files []FileRecord
	for {
		ch, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "rpm", Detail: "cpio", Err: err}
		}
		name := normalizeCpioName(ch.Name)
		if name == "" {
			continue
		}
		fr := FileRecord{Path: name, Mode: uint32(ch.Mode.Perm())}
		if idx, ok := byName[name]; ok {
			if idx < len(modes) {
				fr.Mode = uint32(modes[idx]) & 0o7777
			}
			if idx < len(users) {
				fr.Owner = users[idx]
			}
			if idx < len(groups) {
				fr.Group = groups[idx]
			}
			if idx < len(flags) && flags[idx]&rpmfileConfig != 0 {
				fr.IsConfig = true
			}
			if idx < len(linktos) && linktos[idx] != "" {
				fr.Symlink = linktos[idx]
			}
		}
		if fr.Symlink == "" && ch.Mode.IsRegular() {
			buf := &bytes.Buffer{}
			if _, err := io.Copy(buf, cr); err != nil {
				return nil, &errs.ParseError{Format: "rpm", Detail: "cpio content " + name, Err: err}
			}
			fr.Content = buf.Bytes()
		}
		if ch.Mode.IsDir() {
			continue
		}
		files = append(files, fr)
	}
	return files, nil
}

func normalizeCpioName(name string) string {
	if name == "." || name == "TRAILER!!!" {
		return ""
	}
	if len(name) >= 2 && name[0] == '.' && name[1] == '/' {
		return name[1:]
	}
	if len(name) > 0 && name[0] != '/' {
		return "/" + name
	}
	return name
}
