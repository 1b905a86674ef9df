package adopt

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/events"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

// Mode selects how much of a legacy package's content Adoption keeps.
type Mode string

const (
	ModeTrack Mode = "track" // metadata only
	ModeFull  Mode = "full"  // content hashed into the CAS
)

// Result tallies one Adopt run.
type Result struct {
	Adopted int
	Skipped int
	Failed  int
}

// Adopter scans a host's legacy package database and tracks what it
// finds as Conary Trove/FileEntry rows.
type Adopter struct {
	store       storage.Store
	cas         *cas.Store
	installRoot string
	scanner     Scanner
	broker      *events.Broker
}

// New creates an Adopter. installRoot is where ScannedFile paths are
// resolved for reading content in Full mode; "/" means the live
// filesystem.
func New(store storage.Store, casStore *cas.Store, installRoot string, scanner Scanner, broker *events.Broker) *Adopter {
	return &Adopter{store: store, cas: casStore, installRoot: filepath.Clean(installRoot), scanner: scanner, broker: broker}
}

// Adopt scans for installed-but-untracked packages and creates rows for
// each. A (name, version) already tracked is skipped, not re-adopted.
func (a *Adopter) Adopt(ctx context.Context, mode Mode) (*Result, error) {
	logger := log.WithComponent("adopt")
	timer := metrics.NewTimer()

	pkgs, err := a.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, pkg := range pkgs {
		select {
		case <-ctx.Done():
			return result, &errs.Cancelled{Op: "adopt"}
		default:
		}

		tracked, err := a.alreadyTracked(pkg.Name, pkg.Version)
		if err != nil {
			logger.Warn().Err(err).Str("package", pkg.Name).Msg("adopt: lookup failed, skipping")
			result.Failed++
			metrics.AdoptedPackagesTotal.WithLabelValues(string(mode), "error").Inc()
			continue
		}
		if tracked {
			result.Skipped++
			metrics.AdoptedPackagesTotal.WithLabelValues(string(mode), "skipped").Inc()
			continue
		}

		if err := a.adoptOne(pkg, mode); err != nil {
			logger.Warn().Err(err).Str("package", pkg.Name).Str("version", pkg.Version).Msg("adopt: failed")
			result.Failed++
			metrics.AdoptedPackagesTotal.WithLabelValues(string(mode), "error").Inc()
			continue
		}
		result.Adopted++
		metrics.AdoptedPackagesTotal.WithLabelValues(string(mode), "adopted").Inc()
		a.publish(pkg.Name)
	}

	timer.ObserveDuration(metrics.AdoptDuration)
	logger.Info().Int("adopted", result.Adopted).Int("skipped", result.Skipped).Int("failed", result.Failed).Msg("adoption scan complete")
	return result, nil
}

func (a *Adopter) alreadyTracked(name, version string) (bool, error) {
	troves, err := a.store.ListTrovesByName(name)
	if err != nil {
		return false, err
	}
	for _, t := range troves {
		if t.Version == version {
			return true, nil
		}
	}
	return false, nil
}

func (a *Adopter) adoptOne(pkg ScannedPackage, mode Mode) error {
	reason := types.InstallReasonAdoptedTrack
	if mode == ModeFull {
		reason = types.InstallReasonAdoptedFull
	}
	trove := &types.Trove{
		Name: pkg.Name, Version: pkg.Version, Architecture: pkg.Architecture,
		Type: types.TroveTypePackage, InstallReason: reason, InstalledAt: time.Now().UTC(),
	}
	if err := a.store.CreateTrove(trove); err != nil {
		return &errs.DatabaseError{Op: "adopt-create-trove", Err: err}
	}

	for _, f := range pkg.Files {
		entry := &types.FileEntry{
			TroveID: trove.ID, Path: f.Path, Permissions: f.Mode,
			Owner: f.Owner, Group: f.Group, IsConfig: f.IsConfig,
		}
		if mode == ModeFull {
			hash, size, err := a.hashAndStore(f.Path)
			if err != nil {
				log.WithComponent("adopt").Warn().Err(err).Str("path", f.Path).Msg("adopt: failed to capture file content, tracking metadata only")
			} else {
				entry.SHA256Hash = hash.Hex()
				entry.Size = size
			}
		}
		if err := a.store.CreateFileEntry(entry); err != nil {
			return &errs.DatabaseError{Op: "adopt-create-file", Err: err}
		}
	}
	return nil
}

// hashAndStore reads f's content off the install root and stores it in
// the CAS, for Full-mode adoption.
func (a *Adopter) hashAndStore(path string) (cas.Hash, int64, error) {
	full := path
	if a.installRoot != "/" && a.installRoot != "" {
		full = filepath.Join(a.installRoot, path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", 0, &errs.IOError{Op: "read", Path: full, Err: err}
	}
	hash, err := a.cas.Store(data)
	if err != nil {
		return "", 0, err
	}
	return hash, int64(len(data)), nil
}

func (a *Adopter) publish(name string) {
	if a.broker == nil {
		return
	}
	a.broker.Publish(&events.Event{Type: events.EventTroveInstalled, TroveName: name, Message: "adopted"})
}
