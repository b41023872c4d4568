package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "List patches applied to the checked-out branch",
	Args:  cobra.NoArgs,
	RunE:  runLog,
}

func runLog(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	entries, err := r.Log()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%d\t%s\n", e.Timestamp, e.Hash.String())
	}
	return nil
}
