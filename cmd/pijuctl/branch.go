package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage branches",
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered branches",
	Args:  cobra.NoArgs,
	RunE:  runBranchList,
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new empty branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchCreate,
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a branch other than the checked-out one",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchDelete,
}

var branchSwitchCmd = &cobra.Command{
	Use:   "switch <name>",
	Short: "Check out a different branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranchSwitch,
}

func init() {
	branchCmd.AddCommand(branchListCmd, branchCreateCmd, branchDeleteCmd, branchSwitchCmd)
}

func runBranchList(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	names, err := r.Branches()
	if err != nil {
		return err
	}
	for _, n := range names {
		marker := "  "
		if n == r.Branch() {
			marker = "* "
		}
		fmt.Printf("%s%s\n", marker, n)
	}
	return nil
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	return r.CreateBranch(args[0])
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	return r.DeleteBranch(args[0])
}

func runBranchSwitch(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	return r.SwitchBranch(args[0])
}
