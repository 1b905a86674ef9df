package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/conary/pkg/types"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage triggers fired on matching file changes",
}

var triggerAddCmd = &cobra.Command{
	Use:   "add <name> <handler>",
	Short: "Register a trigger: handler runs when a committed file matches one of --pattern",
	Args:  cobra.ExactArgs(2),
	RunE:  runTriggerAdd,
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered triggers",
	RunE:  runTriggerList,
}

var triggerEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a disabled trigger",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTriggerEnabled(cmd, args[0], true) },
}

var triggerDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a trigger without deleting it (built-ins can only be disabled, never removed)",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTriggerEnabled(cmd, args[0], false) },
}

func init() {
	triggerAddCmd.Flags().StringSlice("pattern", nil, "Glob pattern(s) matched against changed file paths")
	triggerAddCmd.Flags().Int("priority", 0, "Lower runs first among triggers matching the same commit")
	triggerCmd.AddCommand(triggerAddCmd, triggerListCmd, triggerEnableCmd, triggerDisableCmd)
}

func runTriggerAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	patterns, _ := cmd.Flags().GetStringSlice("pattern")
	priority, _ := cmd.Flags().GetInt("priority")
	if len(patterns) == 0 {
		return fmt.Errorf("trigger: at least one --pattern is required")
	}

	t := &types.Trigger{Name: args[0], Pattern: patterns, Handler: args[1], Priority: priority, Enabled: true}
	if err := a.store.CreateTrigger(t); err != nil {
		return err
	}
	fmt.Printf("added trigger %s (%s)\n", t.Name, strings.Join(t.Pattern, ","))
	return nil
}

func runTriggerList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	triggers, err := a.store.ListTriggers()
	if err != nil {
		return err
	}
	for _, t := range triggers {
		fmt.Printf("%s\t%s\tpriority=%d\tenabled=%t\tbuiltin=%t\n", t.Name, strings.Join(t.Pattern, ","), t.Priority, t.Enabled, t.Builtin)
	}
	return nil
}

func setTriggerEnabled(cmd *cobra.Command, name string, enabled bool) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	triggers, err := a.store.ListTriggers()
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if t.Name == name {
			t.Enabled = enabled
			if err := a.store.UpdateTrigger(t); err != nil {
				return err
			}
			fmt.Printf("trigger %s enabled=%t\n", name, enabled)
			return nil
		}
	}
	return fmt.Errorf("trigger: %s not found", name)
}
