package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kmorrow/drover/internal/config"
	"github.com/kmorrow/drover/internal/registry"
	"github.com/kmorrow/drover/internal/taskstore"
	"github.com/kmorrow/drover/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions and task lanes",
	Long: `Display the coordinator's current state.

Shows:
  - Active sessions per role with age and token usage
  - Recently finished sessions
  - Task counts per lane`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	registryPath := cfg.Registry.Path
	if registryPath == "" {
		registryPath = registry.DefaultStorePath(cwd)
	}
	if _, err := os.Stat(registryPath); os.IsNotExist(err) {
		fmt.Println("No coordinator state found. Run 'drover serve' to start.")
		return nil
	}

	store, err := registry.OpenStore(registryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.LoadAll()
	if err != nil {
		return err
	}

	printSessions(entries)

	taskPath := cfg.TaskStore.Path
	if taskPath == "" {
		taskPath = taskstore.DefaultPath(cwd)
	}
	if _, err := os.Stat(taskPath); err == nil {
		tasks, err := taskstore.Open(taskPath)
		if err != nil {
			return err
		}
		defer tasks.Close()

		counts, err := tasks.CountByLane(context.Background())
		if err != nil {
			return err
		}
		printLanes(counts)
	}

	return nil
}

func printSessions(entries []models.SessionEntry) {
	var active, terminal []models.SessionEntry
	for _, e := range entries {
		if e.State == models.SessionActive {
			active = append(active, e)
		} else {
			terminal = append(terminal, e)
		}
	}

	fmt.Printf("\n%s\n", color.New(color.Bold).Sprint("Sessions"))
	if len(active) == 0 {
		fmt.Println("  no active sessions")
	}
	for _, e := range active {
		age := time.Since(e.SpawnedAt).Round(time.Second)
		fmt.Printf("  %s %s  role=%s task=%s age=%s tokens=%d/%d\n",
			color.GreenString("●"), e.Handle, e.Role, e.TaskID, age,
			e.Usage.InputTokens, e.Usage.OutputTokens)
	}

	if len(terminal) > 0 {
		sortByCompletion(terminal)
		fmt.Printf("\n  %d finished:\n", len(terminal))
		shown := 0
		for i := len(terminal) - 1; i >= 0 && shown < 10; i-- {
			e := terminal[i]
			marker := color.RedString("✗")
			if e.State == models.SessionCompleted {
				marker = color.GreenString("✓")
			}
			fmt.Printf("  %s %s  role=%s task=%s state=%s\n", marker, e.Handle, e.Role, e.TaskID, e.State)
			shown++
		}
	}
}

// sortByCompletion orders entries oldest-first by terminal timestamp so the
// tail of the slice is the most recently finished. Entries without one
// (interrupted before the terminal write landed) sort first.
func sortByCompletion(entries []models.SessionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		var ti, tj time.Time
		if entries[i].CompletedAt != nil {
			ti = *entries[i].CompletedAt
		}
		if entries[j].CompletedAt != nil {
			tj = *entries[j].CompletedAt
		}
		return ti.Before(tj)
	})
}

func printLanes(counts map[models.Lane]int) {
	fmt.Printf("\n%s\n", color.New(color.Bold).Sprint("Task lanes"))
	for _, lane := range []models.Lane{models.LaneQueued, models.LaneClaimed, models.LaneBlocked, models.LaneDone} {
		n := counts[lane]
		line := fmt.Sprintf("  %-8s %d", lane, n)
		if lane == models.LaneBlocked && n > 0 {
			line = color.YellowString(line + "  (requeue with 'drover requeue <id>')")
		}
		fmt.Println(line)
	}
	fmt.Println()
}
