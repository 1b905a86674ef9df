// Command conaryd is the Conary CLI: a thin cobra shell wiring the
// metadata store, CAS, deployer, resolver, and transaction engine
// together behind one noun-per-subsystem command tree (package, repo,
// redirect, trigger, adopt).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/conary/pkg/cas"
	"github.com/cuemby/conary/pkg/config"
	"github.com/cuemby/conary/pkg/deploy"
	"github.com/cuemby/conary/pkg/errs"
	"github.com/cuemby/conary/pkg/events"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/txn"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "conaryd",
	Short: "Conary - a content-addressed native package manager",
	Long: `Conary manages packages as content-addressed, transactional
changesets: every install, upgrade, remove, and rollback is recorded as
one atomic operation against an embedded metadata store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conary version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to conaryd YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Override data_dir from config")
	rootCmd.PersistentFlags().String("install-root", "", "Override install_root from config")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().Bool("gpg-strict", false, "Override gpg_strict from config")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(packageCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(redirectCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(adoptCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// app bundles every subsystem a subcommand needs, opened once per
// invocation and torn down via app.Close.
type app struct {
	cfg    *config.Config
	layout config.Layout
	store  storage.Store
	cas    *cas.Store
	deploy *deploy.Deployer
	broker *events.Broker
	engine *txn.Engine
}

// openApp loads config, overlays flags, ensures the data directory
// layout exists, and opens the metadata store, CAS, and transaction
// engine. Every subcommand calls this first and defers a.Close().
func openApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	config.OverlayFlags(cfg, rootCmd)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	layout := cfg.Layout()

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	casStore, err := cas.New(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}
	deployer := deploy.New(cfg.InstallRoot, casStore)
	broker := events.NewBroker()
	broker.Start()
	engine := txn.New(store, casStore, deployer, layout.JournalDir, layout.SnapshotDir, broker)

	if err := engine.Recover(); err != nil {
		log.WithComponent("conaryd").Warn().Err(err).Msg("journal recovery failed")
	}

	return &app{cfg: cfg, layout: layout, store: store, cas: casStore, deploy: deployer, broker: broker, engine: engine}, nil
}

func (a *app) Close() {
	a.broker.Stop()
	a.store.Close()
}

// exitCodeFor maps a returned error onto a process exit code per the
// error taxonomy's Kind, so scripted callers can branch on it without
// parsing stderr.
func exitCodeFor(err error) int {
	var kinder interface{ Kind() errs.Kind }
	if !asKind(err, &kinder) {
		return 1
	}
	switch kinder.Kind() {
	case errs.KindResolverConflict:
		return 3
	case errs.KindFileConflict:
		return 4
	case errs.KindMissingContent, errs.KindHashMismatch, errs.KindSignatureInvalid:
		return 5
	case errs.KindCancelled:
		return 130
	default:
		return 1
	}
}

func asKind(err error, target *interface{ Kind() errs.Kind }) bool {
	for err != nil {
		if k, ok := err.(interface{ Kind() errs.Kind }); ok {
			*target = k
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
