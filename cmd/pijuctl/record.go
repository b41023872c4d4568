package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/pijugo/internal/patch"
)

var (
	recordMessage string
	recordAuthors string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the working tree's changes as a new patch",
	Args:  cobra.NoArgs,
	RunE:  runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordMessage, "message", "m", "", "patch name/summary")
	recordCmd.Flags().StringVar(&recordAuthors, "authors", "", "comma-separated author list")
}

func runRecord(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	var authors []string
	if recordAuthors != "" {
		authors = strings.Split(recordAuthors, ",")
	}

	hash, err := r.Record(patch.PatchHeader{
		Name:      recordMessage,
		Authors:   authors,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	if hash.IsNone() {
		fmt.Println("Nothing to record.")
		return nil
	}
	fmt.Printf("Recorded patch %s\n", hash.String())
	return nil
}
