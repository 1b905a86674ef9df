package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/convert"
	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/resolver"
	"github.com/cuemby/conary/pkg/txn"
	"github.com/cuemby/conary/pkg/types"
)

var packageCmd = &cobra.Command{
	Use:   "package",
	Short: "Install, upgrade, remove, and list packages",
}

var packageInstallCmd = &cobra.Command{
	Use:   "install <package-file>",
	Short: "Install a foreign or Native Format package file",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageInstall,
}

var packageRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an installed package",
	Args:  cobra.ExactArgs(1),
	RunE:  runPackageRemove,
}

var packageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed packages",
	RunE:  runPackageList,
}

func init() {
	packageInstallCmd.Flags().String("format", "", "Source format: rpm, deb, arch, native (auto-detected from extension if omitted)")
	packageInstallCmd.Flags().Bool("allow-downgrade", false, "Allow installing an older version over a newer one (pinned troves are never moved)")
	packageCmd.AddCommand(packageInstallCmd, packageRemoveCmd, packageListCmd)
}

func detectFormat(path, flagValue string) types.OriginalFormat {
	if flagValue != "" {
		return types.OriginalFormat(flagValue)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rpm":
		return types.FormatRPM
	case ".deb":
		return types.FormatDEB
	case ".pkg", ".tar":
		return types.FormatArch
	case ".cny":
		return types.FormatNative
	default:
		return types.FormatNative
	}
}

func runPackageInstall(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	srcPath := args[0]
	formatFlag, _ := cmd.Flags().GetString("format")
	allowDowngrade, _ := cmd.Flags().GetBool("allow-downgrade")
	format := detectFormat(srcPath, formatFlag)

	nativePath := srcPath
	if format != types.FormatNative {
		pipeline := convert.New(a.store, a.cas, a.layout.TmpDir, convert.DefaultConfig(a.cfg.ChunkSizeKiB))
		result, err := pipeline.Convert(ctx, format, srcPath)
		if err != nil {
			return err
		}
		if result.NativePath == "" {
			return fmt.Errorf("package: %s was already converted, reconvert not yet supported by install", srcPath)
		}
		nativePath = result.NativePath
	}

	reader := &convert.NativeReader{}
	meta, err := reader.Read(nativePath)
	if err != nil {
		return err
	}
	hooks, err := reader.ReadHooks(nativePath)
	if err != nil {
		return err
	}

	resolved, err := resolver.ResolveRedirect(a.store, meta.Name, meta.Version)
	if err != nil {
		return err
	}
	if len(resolved.Messages) > 0 {
		fmt.Printf("%s redirected to %s %s: %s\n", meta.Name, resolved.Name, resolved.Version, strings.Join(resolved.Messages, "; "))
	}
	meta.Name, meta.Version = resolved.Name, resolved.Version

	plan, err := buildTrovePlan(a.cas, meta, hooks)
	if err != nil {
		return err
	}

	req := resolver.Request{AllowDowngrade: allowDowngrade}
	change := resolver.RequestedChange{Kind: resolver.OpInstall, Name: meta.Name, Version: meta.Version, Architecture: meta.Architecture}
	for _, d := range meta.Dependencies {
		change.Dependencies = append(change.Dependencies, resolver.Dependency{Name: d.Name, Constraint: d.Constraint})
	}
	req.Changes = append(req.Changes, change)

	result, err := resolver.Resolve(a.store, req)
	if err != nil {
		return err
	}
	if len(result.Conflicts) > 0 {
		return conflictError(result.Conflicts)
	}

	txReq := txn.Request{
		Description: fmt.Sprintf("install %s %s", meta.Name, meta.Version),
		Plan:        result.Plan,
		Packages:    map[string]*txn.TrovePlan{meta.Name: plan},
	}
	changeset, err := a.engine.Apply(ctx, txReq)
	if err != nil {
		return err
	}
	fmt.Printf("installed %s %s (changeset %d)\n", meta.Name, meta.Version, changeset.ID)
	return nil
}

func runPackageRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	resolved, err := resolver.ResolveRedirect(a.store, args[0], "")
	if err != nil {
		return err
	}
	name := resolved.Name
	troves, err := a.store.ListTrovesByName(name)
	if err != nil {
		return err
	}
	if len(troves) == 0 {
		return fmt.Errorf("package: %s is not installed", name)
	}

	req := resolver.Request{Changes: []resolver.RequestedChange{{Kind: resolver.OpRemove, Name: name, Version: troves[0].Version, Architecture: troves[0].Architecture}}}
	result, err := resolver.Resolve(a.store, req)
	if err != nil {
		return err
	}
	if len(result.Conflicts) > 0 {
		return conflictError(result.Conflicts)
	}

	ctx := context.Background()
	txReq := txn.Request{Description: fmt.Sprintf("remove %s", name), Plan: result.Plan, Packages: map[string]*txn.TrovePlan{}}
	changeset, err := a.engine.Apply(ctx, txReq)
	if err != nil {
		return err
	}
	fmt.Printf("removed %s (changeset %d)\n", name, changeset.ID)
	return nil
}

func runPackageList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	troves, err := a.store.ListTroves()
	if err != nil {
		return err
	}
	for _, t := range troves {
		fmt.Printf("%s\t%s\t%s\t%s\n", t.Name, t.Version, t.Architecture, t.InstallReason)
	}
	return nil
}

// buildTrovePlan turns a converted package's metadata into the engine's
// TrovePlan, storing every non-symlink file's content in the CAS along
// the way (Prepare only verifies presence, it never stores).
func buildTrovePlan(casStore *cas.Store, meta *convert.PackageMetadata, hooks types.Hooks) (*txn.TrovePlan, error) {
	plan := &txn.TrovePlan{
		Trove: &types.Trove{
			Name: meta.Name, Version: meta.Version, Architecture: meta.Architecture,
			Type: types.TroveTypePackage, InstallReason: types.InstallReasonExplicit,
		},
		Hooks: hooks,
	}
	for _, f := range meta.Files {
		spec := txn.FileSpec{Path: f.Path, Mode: f.Mode, Owner: f.Owner, Group: f.Group, IsConfig: f.IsConfig, Symlink: f.Symlink}
		if f.Symlink == "" {
			h, err := casStore.Store(f.Content)
			if err != nil {
				return nil, err
			}
			spec.Hash = h
		}
		plan.Files = append(plan.Files, spec)
	}
	for _, d := range meta.Dependencies {
		plan.Dependencies = append(plan.Dependencies, &types.DependencyEntry{
			DependsOnName: d.Name, DependsOnVersion: d.Version,
			DependencyType: d.Type, Kind: d.Kind, VersionConstraint: d.Constraint,
		})
	}
	for _, p := range meta.Provides {
		plan.Provides = append(plan.Provides, &types.ProvideEntry{Capability: p.Capability, Version: p.Version})
	}
	for _, s := range meta.Scriptlets {
		plan.Scriptlets = append(plan.Scriptlets, &types.ScriptletEntry{Phase: s.Phase, Interpreter: s.Interpreter, Content: s.Content})
	}
	return plan, nil
}

// conflictList joins multiple resolver.Conflict values into one
// fmt.Stringer so they can be carried as a single errs.ResolverConflict.
type conflictList []resolver.Conflict

func (c conflictList) String() string {
	var b strings.Builder
	for i, conflict := range c {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(conflict.String())
	}
	return b.String()
}

func conflictError(conflicts []resolver.Conflict) error {
	return &errs.ResolverConflict{Conflict: conflictList(conflicts)}
}
