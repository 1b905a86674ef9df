package adopt

import "context"

// ScannedFile is one file the legacy package database reports owned by
// a ScannedPackage.
type ScannedFile struct {
	Path     string
	Mode     uint32
	Owner    string
	Group    string
	IsConfig bool
}

// ScannedPackage is one package the legacy package database reports
// installed, together with the files it owns.
type ScannedPackage struct {
	Name         string
	Version      string
	Architecture string
	Files        []ScannedFile
}

// Scanner enumerates packages a legacy package manager already
// installed on the host. Implementations shell out to that manager's
// own query tooling; they never modify anything.
type Scanner interface {
	Scan(ctx context.Context) ([]ScannedPackage, error)
}
