package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/pijugo/internal/repo"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new repository in the current directory",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := os.Getwd()
	if err != nil {
		return err
	}
	lg, err := repoLogger()
	if err != nil {
		return err
	}
	r, err := repo.Init(root, cfg, lg)
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Printf("Initialized repository in %s (branch %q)\n", root, r.Branch())
	return nil
}
