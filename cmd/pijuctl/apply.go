package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/pijugo/internal/patch"
)

var applyCmd = &cobra.Command{
	Use:   "apply <patch-file>",
	Short: "Apply a patch envelope to the checked-out branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runApply,
}

func runApply(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	hash, p, err := patch.Load(f)
	if err != nil {
		return err
	}

	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Apply(hash, p); err != nil {
		return err
	}
	fmt.Printf("Applied patch %s\n", hash.String())
	return nil
}
