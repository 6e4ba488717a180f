package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kmorrow/drover/internal/config"
	"github.com/kmorrow/drover/internal/taskstore"
	"github.com/kmorrow/drover/pkg/models"
)

var (
	addRole     string
	addPriority string
	addTag      string
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Enqueue a task for dispatch",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

func init() {
	addCmd.Flags().StringVar(&addRole, "role", "", "Owning worker role (required)")
	addCmd.Flags().StringVar(&addPriority, "priority", "", "Priority label copied into the spawn directive")
	addCmd.Flags().StringVar(&addTag, "tag", "", "Tag copied into the spawn directive")
	addCmd.MarkFlagRequired("role")
}

func runAdd(cmd *cobra.Command, args []string) error {
	store, err := openTaskStore()
	if err != nil {
		return err
	}
	defer store.Close()

	task := &models.Task{
		Role:     addRole,
		Title:    args[0],
		Priority: addPriority,
		Tag:      addTag,
		Lane:     models.LaneQueued,
	}
	if err := store.Add(context.Background(), task); err != nil {
		return err
	}

	fmt.Printf("%s queued task %s for role %s\n", color.GreenString("✓"), task.ID, task.Role)
	return nil
}

// openTaskStore opens the configured task database.
func openTaskStore() (*taskstore.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	path := cfg.TaskStore.Path
	if path == "" {
		path = taskstore.DefaultPath(cwd)
	}
	return taskstore.Open(path)
}
