package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/distlock/pkg/config"
	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/health"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/observability/metrics"
	"github.com/nimburion/distlock/pkg/observability/tracing"
	"github.com/nimburion/distlock/pkg/scheduler"
	"github.com/nimburion/distlock/pkg/server"
	"github.com/nimburion/distlock/pkg/version"
)

const healthCheckTimeout = 5 * time.Second

func newServeCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the lock coordinator, scheduled tasks and the management server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := app.load(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, app, cmd.Flags(), cfg, log)
		},
	}
}

// serve runs until ctx is canceled. Held locks are not released on the way out; the
// lease expires and other instances purge it.
func serve(ctx context.Context, app *application, flags *pflag.FlagSet, cfg *config.Config, log logger.Logger) error {
	info := version.Current(cfg.Service.Name)

	tracerProvider, err := tracing.NewTracerProvider(ctx, cfg.TracerConfig(info.Version))
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shut down tracer provider", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore(store, log)

	notifier := openNotifier(ctx, cfg, log)
	if notifier != nil {
		defer func() {
			if err := notifier.Close(); err != nil {
				log.Error("failed to close release notifier", "error", err)
			}
		}()
	}

	coordinator, err := newCoordinator(cfg, log, store, notifier, app.opts.Terminate)
	if err != nil {
		return err
	}
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Management.ShutdownTimeout)
		defer cancel()
		if err := coordinator.Stop(stopCtx); err != nil {
			log.Error("failed to stop coordinator", "error", err)
		}
	}()

	healthRegistry := health.NewRegistry()
	healthRegistry.Register(distlock.NewHealthChecker("", coordinator, healthCheckTimeout))
	if notifier != nil {
		healthRegistry.Register(health.NewAdapterChecker("release-notifier", notifier, healthCheckTimeout))
	}

	runtime, err := newSchedulerRuntime(cfg, log, coordinator)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if runtime != nil {
		healthRegistry.Register(scheduler.NewHealthChecker("", runtime, healthCheckTimeout))
		g.Go(func() error {
			return runtime.Start(gctx)
		})
	}
	if cfg.Management.Enabled {
		mgmt := server.NewManagementServer(cfg.Management, log, healthRegistry, metrics.NewRegistry(), store, info)
		g.Go(func() error {
			return mgmt.Start(gctx)
		})
	}
	if app.flags.configFile != "" {
		watchLockOptions(app, flags, coordinator, log)
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("distlockd started",
		"service_id", coordinator.ServiceID().String(),
		"database_type", cfg.Database.Type,
		"scheduled_tasks", len(cfg.Scheduler.Tasks),
		"management", cfg.Management.Enabled,
	)
	err = g.Wait()
	log.Info("distlockd shutting down")
	return err
}

// watchLockOptions applies lock timing from config file edits to the running
// coordinator. Other sections need a restart.
func watchLockOptions(app *application, flags *pflag.FlagSet, coordinator *distlock.Coordinator, log logger.Logger) {
	loader := config.NewViperLoader(app.flags.configFile, app.opts.EnvPrefix).WithFlags(flags)
	err := loader.Watch(
		func(cfg *config.Config) {
			if err := coordinator.Reconfigure(cfg.LockOptions()); err != nil {
				log.Warn("ignoring reloaded lock options", "error", err)
				return
			}
			log.Info("lock options reloaded", "expiry", cfg.LockOptions().ExpiryInterval())
		},
		func(err error) {
			log.Warn("config reload failed", "error", err)
		},
	)
	if err != nil {
		log.Warn("config watch disabled", "error", err)
	}
}

// newSchedulerRuntime registers the configured command tasks. It returns nil when no
// task is configured.
func newSchedulerRuntime(cfg *config.Config, log logger.Logger, locker scheduler.Locker) (*scheduler.Runtime, error) {
	if len(cfg.Scheduler.Tasks) == 0 {
		return nil, nil
	}

	runtime, err := scheduler.NewRuntime(locker, log, scheduler.Config{
		RunTimeout: cfg.Scheduler.RunTimeout,
		RetryDelay: cfg.Scheduler.RetryDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	for _, taskCfg := range cfg.Scheduler.Tasks {
		if err := runtime.Register(commandTask(taskCfg, log)); err != nil {
			return nil, fmt.Errorf("register task %s: %w", taskCfg.Name, err)
		}
	}
	return runtime, nil
}

// commandTask runs an external program as a scheduled task. The task name is
// exported to the program as DISTLOCK_TASK.
func commandTask(taskCfg config.SchedulerTaskConfig, log logger.Logger) scheduler.Task {
	command := append([]string(nil), taskCfg.Command...)
	name := strings.TrimSpace(taskCfg.Name)
	return scheduler.Task{
		Name:          name,
		Schedule:      taskCfg.Schedule,
		Timezone:      taskCfg.Timezone,
		MisfirePolicy: taskCfg.MisfirePolicy,
		Timeout:       taskCfg.Timeout,
		Run: func(ctx context.Context) error {
			cmd := exec.CommandContext(ctx, command[0], command[1:]...)
			cmd.Env = append(os.Environ(), "DISTLOCK_TASK="+name)
			output, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("command %q failed: %w: %s", command[0], err, strings.TrimSpace(string(output)))
			}
			if len(output) > 0 {
				log.Debug("scheduled command output", "task", name, "output", strings.TrimSpace(string(output)))
			}
			return nil
		},
	}
}
