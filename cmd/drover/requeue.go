package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Move a blocked task back to the queued lane",
	Long: `Move a blocked task back into the queued lane so the coordinator
will dispatch it again. Blocking is a deliberate escape hatch: the
coordinator never unblocks a task on its own.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

func runRequeue(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Requeue(context.Background(), args[0]); err != nil {
		return err
	}

	fmt.Printf("%s task %s requeued\n", color.GreenString("✓"), args[0])
	return nil
}
