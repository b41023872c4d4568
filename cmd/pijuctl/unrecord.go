package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/pijugo/internal/ident"
)

var unrecordCmd = &cobra.Command{
	Use:   "unrecord <hash>",
	Short: "Revert a locally applied patch's effect on the checked-out branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnrecord,
}

func runUnrecord(cmd *cobra.Command, args []string) error {
	hash, err := ident.HashFromHex(args[0])
	if err != nil {
		return err
	}

	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Unrecord(hash); err != nil {
		return err
	}
	fmt.Printf("Unrecorded patch %s\n", hash.String())
	return nil
}
