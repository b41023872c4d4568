package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rohankatakam/pijugo/internal/record"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending working-tree changes against the checked-out branch",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()

	st, err := r.Status()
	if err != nil {
		return err
	}
	if len(st.Actions) == 0 {
		fmt.Println("No changes.")
		return nil
	}

	fmt.Printf("On branch %s\n", r.Branch())
	for _, a := range st.Actions {
		fmt.Printf("  %s %s\n", actionLabel(a.Kind), a.File)
	}
	return nil
}

func actionLabel(kind record.ActionKind) string {
	switch kind {
	case record.ActionFileAdd:
		return "added:   "
	case record.ActionFileMove:
		return "moved:   "
	case record.ActionFileDel:
		return "deleted: "
	case record.ActionReplace:
		return "modified:"
	default:
		return "changed: "
	}
}
