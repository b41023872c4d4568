package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the remote patch cache",
}

var cachePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List cached patches fetched but not yet applied",
	Args:  cobra.NoArgs,
	RunE:  runCachePending,
}

func init() {
	cacheCmd.AddCommand(cachePendingCmd)
}

func runCachePending(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	c, err := r.Cache()
	if err != nil {
		return err
	}
	if c == nil {
		fmt.Println("Remote cache is not configured.")
		return nil
	}

	entries, err := c.Pending(context.Background())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No pending cached patches.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\n", e.Hash, e.Name)
	}
	return nil
}
