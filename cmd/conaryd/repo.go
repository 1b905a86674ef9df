package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/conary/pkg/repo"
	"github.com/cuemby/conary/pkg/types"
)

const repoSyncTimeout = 2 * time.Minute

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage configured package repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Register a new repository",
	Args:  cobra.ExactArgs(2),
	RunE:  runRepoAdd,
}

var repoRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a configured repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoRemove,
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured repositories",
	RunE:  runRepoList,
}

var repoSyncCmd = &cobra.Command{
	Use:   "sync [name]",
	Short: "Sync one repository, or every enabled repository if name is omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRepoSync,
}

func init() {
	repoAddCmd.Flags().Int("priority", 0, "Repository priority (repositories are listed lowest first; equal priorities are ordered by name)")
	repoAddCmd.Flags().String("gpg-key", "", "Armored GPG public key used to verify this repository's packages")
	repoCmd.AddCommand(repoAddCmd, repoRemoveCmd, repoListCmd, repoSyncCmd)
}

func runRepoAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	priority, _ := cmd.Flags().GetInt("priority")
	gpgKey, _ := cmd.Flags().GetString("gpg-key")
	r := &types.Repository{
		Name: args[0], URL: args[1], Priority: priority,
		Enabled: true, GPGKey: gpgKey, GPGStrict: a.cfg.GPGStrict,
	}
	if err := a.store.CreateRepository(r); err != nil {
		return err
	}
	fmt.Printf("added repository %s\n", r.Name)
	return nil
}

func runRepoRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.store.GetRepositoryByName(args[0])
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("repo: %s not found", args[0])
	}
	if err := a.store.DeleteRepository(r.ID); err != nil {
		return err
	}
	fmt.Printf("removed repository %s\n", args[0])
	return nil
}

func runRepoList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	repositories, err := a.store.ListRepositories()
	if err != nil {
		return err
	}
	for _, r := range repositories {
		lastSync := "never"
		if r.LastSync != nil {
			lastSync = r.LastSync.Format(time.RFC3339)
		}
		fmt.Printf("%s\t%s\tpriority=%d\tenabled=%t\tlast_sync=%s\n", r.Name, r.URL, r.Priority, r.Enabled, lastSync)
	}
	return nil
}

func runRepoSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	fetcher := repo.NewHTTPFetcher(repoSyncTimeout)
	syncer := repo.NewSyncer(a.store, fetcher, a.broker, repoSyncTimeout)
	ctx := context.Background()

	if len(args) == 1 {
		outcome, err := syncer.SyncOne(ctx, args[0])
		if err != nil {
			return err
		}
		return printSyncOutcome(*outcome)
	}

	outcomes, err := syncer.SyncAll(ctx)
	if err != nil {
		return err
	}
	for _, o := range outcomes {
		if err := printSyncOutcome(o); err != nil {
			return err
		}
	}
	return nil
}

func printSyncOutcome(o repo.Outcome) error {
	if o.Err != nil {
		fmt.Printf("%s: failed: %v\n", o.Repository, o.Err)
		return o.Err
	}
	fmt.Printf("%s: synced %d packages\n", o.Repository, o.Packages)
	return nil
}
