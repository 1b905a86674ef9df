package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/conary/pkg/adopt"
)

var adoptCmd = &cobra.Command{
	Use:   "adopt",
	Short: "Track packages installed outside Conary by a legacy package manager",
}

var adoptTrackCmd = &cobra.Command{
	Use:   "track",
	Short: "Record legacy packages as installed, metadata only (no content captured)",
	RunE:  func(cmd *cobra.Command, _ []string) error { return runAdopt(cmd, adopt.ModeTrack) },
}

var adoptFullCmd = &cobra.Command{
	Use:   "full",
	Short: "Record legacy packages and hash their file content into the CAS",
	RunE:  func(cmd *cobra.Command, _ []string) error { return runAdopt(cmd, adopt.ModeFull) },
}

func init() {
	adoptCmd.AddCommand(adoptTrackCmd, adoptFullCmd)
}

func runAdopt(cmd *cobra.Command, mode adopt.Mode) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	scanner := adopt.NewRPMScanner()
	adopter := adopt.New(a.store, a.cas, a.cfg.InstallRoot, scanner, a.broker)

	result, err := adopter.Adopt(context.Background(), mode)
	if err != nil {
		return err
	}
	fmt.Printf("adopted=%d skipped=%d failed=%d\n", result.Adopted, result.Skipped, result.Failed)
	return nil
}
