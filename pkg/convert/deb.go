package convert

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/types"
)

// DEBReader reads a DEB-style package: an outer ar(1) archive holding
// "debian-binary", "control.tar.*", and "data.tar.*"; scriptlets are
// regular files inside the control archive (§6).
type DEBReader struct{}

// Read implements Reader.
func (r *DEBReader) Read(path string) (*PackageMetadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	var controlTar, dataTar []byte
	rdr := ar.NewReader(f)
	for {
		hdr, err := rdr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "ar", Err: err}
		}
		name := strings.TrimSpace(hdr.Name)
		buf := &bytes.Buffer{}
		if _, err := io.Copy(buf, rdr); err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "ar member " + name, Err: err}
		}
		switch {
		case strings.HasPrefix(name, "control.tar"):
			controlTar, err = decompressMember(name, buf.Bytes())
		case strings.HasPrefix(name, "data.tar"):
			dataTar, err = decompressMember(name, buf.Bytes())
		}
		if err != nil {
			return nil, err
		}
	}
	if controlTar == nil {
		return nil, &errs.ParseError{Format: "deb", Detail: "missing control.tar member"}
	}
	if dataTar == nil {
		return nil, &errs.ParseError{Format: "deb", Detail: "missing data.tar member"}
	}

	controlMembers, err := readTarBytes(controlTar)
	if err != nil {
		return nil, err
	}
	meta, err := parseDebControl(controlMembers["./control"])
	if err != nil {
		meta, err = parseDebControl(controlMembers["control"])
		if err != nil {
			return nil, err
		}
	}
	meta.Scriptlets = readDebScriptlets(controlMembers)

	files, err := readDebData(dataTar)
	if err != nil {
		return nil, err
	}
	meta.Files = files
	return meta, nil
}

func decompressMember(name string, data []byte) ([]byte, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "gzip " + name, Err: err}
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "xz " + name, Err: err}
		}
		return io.ReadAll(xr)
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "zstd " + name, Err: err}
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		// ".tar" member with no further compression.
		return data, nil
	}
}

func readTarBytes(data []byte) (map[string][]byte, error) {
	members := map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "tar", Err: err}
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "tar member " + hdr.Name, Err: err}
		}
		members[hdr.Name] = b
		members["./"+strings.TrimPrefix(hdr.Name, "./")] = b
	}
	return members, nil
}

// parseDebControl parses the RFC822-like "key: value" control file.
func parseDebControl(content []byte) (*PackageMetadata, error) {
	if content == nil {
		return nil, &errs.ParseError{Format: "deb", Detail: "missing control file"}
	}
	fields := parseRFC822(string(content))
	meta := &PackageMetadata{
		Name:         fields["Package"],
		Version:      fields["Version"],
		Architecture: fields["Architecture"],
		Description:  fields["Description"],
		Homepage:     fields["Homepage"],
	}
	meta.Dependencies = parseDebDependencyField(fields["Depends"], types.DependencyTypeRuntime)
	meta.Dependencies = append(meta.Dependencies, parseDebDependencyField(fields["Pre-Depends"], types.DependencyTypeRuntime)...)
	if provides := fields["Provides"]; provides != "" {
		for _, p := range strings.Split(provides, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				meta.Provides = append(meta.Provides, ProvideRecord{Capability: p})
			}
		}
	}
	return meta, nil
}

func parseRFC822(content string) map[string]string {
	fields := map[string]string{}
	lines := strings.Split(content, "\n")
	var lastKey string
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if lastKey != "" {
				fields[lastKey] += " " + strings.TrimSpace(line)
			}
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		fields[key] = val
		lastKey = key
	}
	return fields
}

// parseDebDependencyField parses a comma-separated Depends-style field,
// each item optionally carrying a "(>= 1.0)" version constraint and
// "|" alternatives (only the first alternative of each is kept: the
// others are not expressible in the common DependencyRecord shape).
func parseDebDependencyField(field string, depType types.DependencyType) []DependencyRecord {
	if field == "" {
		return nil
	}
	var deps []DependencyRecord
	for _, item := range strings.Split(field, ",") {
		alt := strings.Split(item, "|")[0]
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		name := alt
		constraint := ""
		if idx := strings.Index(alt, "("); idx >= 0 {
			name = strings.TrimSpace(alt[:idx])
			constraint = strings.TrimSpace(strings.TrimSuffix(alt[idx+1:], ")"))
		}
		deps = append(deps, DependencyRecord{Name: name, Type: depType, Kind: types.DependencyKindPackage, Constraint: constraint})
	}
	return deps
}

func readDebScriptlets(members map[string][]byte) []ScriptletRecord {
	type slot struct {
		name  string
		phase types.ScriptletPhase
	}
	slots := []slot{
		{"preinst", types.PhasePreInstall},
		{"postinst", types.PhasePostInstall},
		{"prerm", types.PhasePreRemove},
		{"postrm", types.PhasePostRemove},
	}
	var out []ScriptletRecord
	for _, s := range slots {
		content, ok := members["./"+s.name]
		if !ok {
			content, ok = members[s.name]
		}
		if !ok || len(content) == 0 {
			continue
		}
		out = append(out, ScriptletRecord{Phase: s.phase, Interpreter: "/bin/sh", Content: string(content)})
	}
	return out
}

func readDebData(data []byte) ([]FileRecord, error) {
	var files []FileRecord
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &errs.ParseError{Format: "deb", Detail: "data.tar", Err: err}
		}
		name := "/" + strings.TrimPrefix(path.Clean(strings.TrimPrefix(hdr.Name, "./")), "/")
		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeSymlink:
			files = append(files, FileRecord{Path: name, Mode: uint32(hdr.Mode) & 0o7777, Symlink: hdr.Linkname})
		case tar.TypeReg:
			buf := &bytes.Buffer{}
			if _, err := io.Copy(buf, tr); err != nil {
				return nil, &errs.ParseError{Format: "deb", Detail: "data content " + name, Err: err}
			}
			files = append(files, FileRecord{
				Path: name, Mode: uint32(hdr.Mode) & 0o7777,
				Owner: hdr.Uname, Group: hdr.Gname, Content: buf.Bytes(),
				IsConfig: strings.HasPrefix(name, "/etc/"),
			})
		}
	}
	return files, nil
}
