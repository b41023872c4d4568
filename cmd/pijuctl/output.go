package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var outputCmd = &cobra.Command{
	Use:   "output <directory>",
	Short: "Materialize the checked-out branch into a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutput,
}

func runOutput(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Output(args[0]); err != nil {
		return err
	}
	fmt.Printf("Output branch %s to %s\n", r.Branch(), args[0])
	return nil
}
