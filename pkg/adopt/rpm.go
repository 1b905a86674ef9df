package adopt

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cuemby/conary/pkg/errs"
)

// RPMScanner reads installed-package and owned-file information straight
// from the rpm database via the rpm CLI, the same query surface the
// original rpm_query-based adoption path used.
type RPMScanner struct{}

// NewRPMScanner creates an RPMScanner. Scan returns an empty result,
// not an error, on a host with no rpm binary.
func NewRPMScanner() *RPMScanner { return &RPMScanner{} }

type rpmName struct{ Name, Version, Arch string }

func (s *RPMScanner) Scan(ctx context.Context) ([]ScannedPackage, error) {
	if _, err := exec.LookPath("rpm"); err != nil {
		return nil, nil
	}
	names, err := s.listPackages(ctx)
	if err != nil {
		return nil, err
	}
	pkgs := make([]ScannedPackage, 0, len(names))
	for _, n := range names {
		select {
		case <-ctx.Done():
			return pkgs, ctx.Err()
		default:
		}
		files, err := s.dumpFiles(ctx, n.Name)
		if err != nil {
			continue // package metadata unreadable; skip it, don't fail the whole scan
		}
		pkgs = append(pkgs, ScannedPackage{Name: n.Name, Version: n.Version, Architecture: n.Arch, Files: files})
	}
	return pkgs, nil
}

func (s *RPMScanner) listPackages(ctx context.Context) ([]rpmName, error) {
	out, err := exec.CommandContext(ctx, "rpm", "-qa", "--qf", "%{NAME}\t%{VERSION}-%{RELEASE}\t%{ARCH}\n").Output()
	if err != nil {
		return nil, &errs.IOError{Op: "rpm-qa", Err: err}
	}
	var names []rpmName
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		names = append(names, rpmName{Name: fields[0], Version: fields[1], Arch: fields[2]})
	}
	return names, nil
}

// dumpFiles parses "rpm -q --dump", one line per owned file:
// path size mtime digest mode owner group isconfig isdoc rdev symlink
func (s *RPMScanner) dumpFiles(ctx context.Context, name string) ([]ScannedFile, error) {
	out, err := exec.CommandContext(ctx, "rpm", "-q", "--dump", name).Output()
	if err != nil {
		return nil, fmt.Errorf("rpm --dump %s: %w", name, err)
	}
	var files []ScannedFile
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		mode, err := strconv.ParseUint(fields[4], 8, 32)
		if err != nil {
			continue
		}
		files = append(files, ScannedFile{
			Path:     fields[0],
			Mode:     uint32(mode) & 0o7777,
			Owner:    fields[5],
			Group:    fields[6],
			IsConfig: fields[7] == "1",
		})
	}
	return files, nil
}
