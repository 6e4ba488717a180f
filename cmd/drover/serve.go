package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kmorrow/drover/internal/config"
	"github.com/kmorrow/drover/internal/dispatch"
	"github.com/kmorrow/drover/internal/events"
	"github.com/kmorrow/drover/internal/gateway"
	"github.com/kmorrow/drover/internal/reconcile"
	"github.com/kmorrow/drover/internal/registry"
	"github.com/kmorrow/drover/internal/signals"
	"github.com/kmorrow/drover/internal/spawn"
	"github.com/kmorrow/drover/internal/taskstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator loop: watch the task store for dispatchable
tasks, gate them against role and concurrency limits, drive the spawn
queue, and reconcile the session registry against the gateway until
interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	debugLogger := dispatch.NewDebugLoggerForProject(cwd)
	defer debugLogger.Close()
	dispatch.SetPackageLogger(debugLogger)

	// Durable session registry, replayed so the reconciler can resume
	// reconciling sessions that were active before the restart.
	registryPath := cfg.Registry.Path
	if registryPath == "" {
		registryPath = registry.DefaultStorePath(cwd)
	}
	store, err := registry.OpenStore(registryPath)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.New(store)
	if err := reg.Load(); err != nil {
		return err
	}
	log.Printf("[serve] registry loaded: %d sessions (%d active)", len(reg.ListAll()), reg.ActiveCount())

	taskPath := cfg.TaskStore.Path
	if taskPath == "" {
		taskPath = taskstore.DefaultPath(cwd)
	}
	tasks, err := taskstore.Open(taskPath)
	if err != nil {
		return err
	}
	defer tasks.Close()

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}

	rolesPath := cfg.Roles.Path
	if rolesPath == "" {
		rolesPath = ".drover/roles.yaml"
	}
	builder, err := dispatch.LoadRoles(rolesPath)
	if err != nil {
		return err
	}

	emitter := events.NewEmitter(256)

	queue := spawn.NewQueue(gw, reg, emitter, spawn.Config{
		InterSpawnDelay: cfg.Spawn.InterSpawnDelay,
		MaxRetries:      cfg.Spawn.MaxRetries,
		RetryBackoff:    cfg.Spawn.RetryBackoff,
	})

	reconciler := reconcile.New(gw, reg, emitter, reconcile.Config{
		Interval:      cfg.Reconciler.PollInterval,
		MissThreshold: cfg.Reconciler.MissThreshold,
		StuckAfter:    cfg.Reconciler.StuckAfter,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	taskSignals := tasks.Watch(ctx, cfg.TaskStore.PollInterval)

	dispatcher := dispatch.New(reg, tasks, queue, emitter, builder, taskSignals, dispatch.Config{
		MaxConcurrent: cfg.Limits.MaxConcurrent,
	})

	signalsDir := cfg.Signals.Dir
	if signalsDir == "" {
		signalsDir = signals.DefaultDir(cwd)
	}
	completionWatcher, err := signals.NewWatcher(signalsDir, dispatcher)
	if err != nil {
		return err
	}

	log.Printf("[serve] coordinator starting (max_concurrent=%d, gateway=%s)", cfg.Limits.MaxConcurrent, cfg.Gateway.Mode)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Printf("[serve] %s stopped", name)
		}()
	}

	run("spawn queue", queue.Run)
	run("reconciler", reconciler.Run)
	run("dispatcher", dispatcher.Run)
	run("completion watcher", completionWatcher.Run)
	run("activity log", func(ctx context.Context) { logEvents(ctx, emitter, debugLogger) })

	<-ctx.Done()
	log.Printf("[serve] shutting down")
	wg.Wait()
	return nil
}

// buildGateway constructs the configured gateway client.
func buildGateway(cfg *config.Config) (gateway.Client, error) {
	switch cfg.Gateway.Mode {
	case "embedded":
		return gateway.NewEmbedded(gateway.EmbeddedConfig{
			APIKey:         cfg.Gateway.Embedded.APIKey,
			Model:          cfg.Gateway.Embedded.Model,
			UseAWSBedrock:  cfg.Gateway.Embedded.UseAWSBedrock,
			AWSRegion:      cfg.Gateway.Embedded.AWSRegion,
			AWSProfile:     cfg.Gateway.Embedded.AWSProfile,
			SessionTimeout: cfg.Gateway.Embedded.SessionTimeout,
		})
	case "http", "":
		return gateway.NewHTTPClient(gateway.HTTPConfig{
			BaseURL:        cfg.Gateway.BaseURL,
			SpawnTimeout:   cfg.Gateway.SpawnTimeout,
			RequestTimeout: cfg.Gateway.RequestTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown gateway mode %q", cfg.Gateway.Mode)
	}
}

// logEvents drains activity events into the debug log.
func logEvents(ctx context.Context, emitter *events.Emitter, logger *dispatch.DebugLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-emitter.Events():
			if !ok {
				return
			}
			logger.Log("[event] %s role=%s task=%s session=%s reason=%s",
				ev.Type, ev.Role, ev.TaskID, ev.SessionHandle, ev.Reason)
		}
	}
}
