package convert

import (
	"github.com/cuemby/conary/pkg/types"
)

// FileRecord is one file body carried by a package, in the common
// in-memory shape every format reader produces.
type FileRecord struct {
	Path     string
	Mode     uint32
	Owner    string
	Group    string
	Content  []byte // nil when Symlink is set
	Symlink  string // symlink target, empty for regular files
	IsConfig bool
}

// DependencyRecord is one dependency edge in the common shape.
type DependencyRecord struct {
	Name       string
	Version    string
	Type       types.DependencyType
	Kind       types.DependencyKind
	Constraint string
}

// ProvideRecord is one capability a package offers in the common shape.
type ProvideRecord struct {
	Capability string
	Version    string
}

// ScriptletRecord is one verbatim scriptlet in the common shape.
type ScriptletRecord struct {
	Phase       types.ScriptletPhase
	Interpreter string
	Content     string
}

// PackageMetadata is the common in-memory representation every format
// reader produces: name, version, architecture, description,
// dependencies, provides, scriptlets, and files (§2 item 4).
type PackageMetadata struct {
	Name         string
	Version      string
	Architecture string
	Description  string
	License      string
	Homepage     string

	Files        []FileRecord
	Dependencies []DependencyRecord
	Provides     []ProvideRecord
	Scriptlets   []ScriptletRecord
}

// Reader is the capability set every package format implements (§9):
// the conversion pipeline only ever calls through this interface, never
// a concrete format type.
type Reader interface {
	// Read parses the package at path into a PackageMetadata. Foreign
	// formats load file bodies eagerly into FileRecord.Content; the
	// pipeline is responsible for chunking large bodies before CAS
	// storage.
	Read(path string) (*PackageMetadata, error)
}

// ReaderFor returns the Reader implementation for format.
func ReaderFor(format types.OriginalFormat) Reader {
	switch format {
	case types.FormatRPM:
		return &RPMReader{}
	case types.FormatDEB:
		return &DEBReader{}
	case types.FormatArch:
		return &ArchReader{}
	case types.FormatNative:
		return &NativeReader{}
	default:
		return nil
	}
}
