package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/conary/pkg/resolver"
	"github.com/cuemby/conary/pkg/types"
)

var redirectCmd = &cobra.Command{
	Use:   "redirect",
	Short: "Manage package identity redirects",
}

var redirectAddCmd = &cobra.Command{
	Use:   "add <source-name> <target-name>",
	Short: "Record a redirect from one package identity to another",
	Args:  cobra.ExactArgs(2),
	RunE:  runRedirectAdd,
}

var redirectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded redirects",
	RunE:  runRedirectList,
}

func init() {
	redirectAddCmd.Flags().String("type", string(types.RedirectRename), "Redirect type: rename, obsolete, merge, split")
	redirectAddCmd.Flags().String("source-version", "", "Source version constraint, empty means any")
	redirectAddCmd.Flags().String("target-version", "", "Target version, empty means latest")
	redirectAddCmd.Flags().String("message", "", "Message shown to the user when the redirect fires")
	redirectCmd.AddCommand(redirectAddCmd, redirectListCmd)
}

func runRedirectAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	redirectType, _ := cmd.Flags().GetString("type")
	sourceVersion, _ := cmd.Flags().GetString("source-version")
	targetVersion, _ := cmd.Flags().GetString("target-version")
	message, _ := cmd.Flags().GetString("message")

	r := &types.Redirect{
		SourceName: args[0], SourceVersion: sourceVersion,
		TargetName: args[1], TargetVersion: targetVersion,
		Type: types.RedirectType(redirectType), Message: message,
	}

	cyclic, err := resolver.WouldCreateCycle(a.store, r.SourceName, r.TargetName)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("redirect: %s -> %s would create a cycle", r.SourceName, r.TargetName)
	}

	if err := a.store.CreateRedirect(r); err != nil {
		return err
	}
	fmt.Printf("added redirect %s -> %s (%s)\n", r.SourceName, r.TargetName, r.Type)
	return nil
}

func runRedirectList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	redirects, err := a.store.ListRedirects()
	if err != nil {
		return err
	}
	for _, r := range redirects {
		fmt.Printf("%s -> %s\t%s\t%s\n", r.SourceName, r.TargetName, r.Type, r.Message)
	}
	return nil
}
