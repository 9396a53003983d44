package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/distlock/pkg/distlock"
)

func newMigrateCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the service instance and lock tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := app.load(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			log.Info("lock schema is up to date", "database_type", cfg.Database.Type)
			return nil
		},
	}
}

type inspectReport struct {
	Instances []distlock.ServiceInstance `yaml:"instances"`
	Locks     []distlock.Lock            `yaml:"locks"`
}

func newInspectCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Print live service instances and held locks as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := app.load(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			report := inspectReport{
				Instances: []distlock.ServiceInstance{},
				Locks:     []distlock.Lock{},
			}
			instances, err := store.ListInstances(cmd.Context())
			if err != nil {
				return fmt.Errorf("list service instances: %w", err)
			}
			locks, err := store.ListLocks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list locks: %w", err)
			}
			report.Instances = append(report.Instances, instances...)
			report.Locks = append(report.Locks, locks...)

			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			return encoder.Close()
		},
	}
}

func newSweepCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge expired service instances and their locks once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, log, err := app.load(cmd.Flags())
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			coordinator, err := newCoordinator(cfg, log, store, nil, app.opts.Terminate)
			if err != nil {
				return err
			}
			purged, err := coordinator.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired service instance(s)\n", purged)
			return nil
		},
	}
}

func newRunCommand(app *application) *cobra.Command {
	var (
		lockName string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run --lock NAME -- COMMAND [ARGS...]",
		Short: "Run a command while holding a named lock",
		Long: "Acquire the named lock, run the command and release the lock when it exits. " +
			"The command's exit code becomes the exit code of run. If the lease is lost " +
			"while the command runs, the command is killed and run exits with code 65.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := app.load(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStore(store, log)

			notifier := openNotifier(ctx, cfg, log)
			if notifier != nil {
				defer func() { _ = notifier.Close() }()
			}

			child := &supervisedChild{}
			terminate := func(code int) {
				child.kill()
				if app.opts.Terminate != nil {
					app.opts.Terminate(code)
					return
				}
				os.Exit(code)
			}

			coordinator, err := newCoordinator(cfg, log, store, notifier, terminate)
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

			acquireCtx := ctx
			if wait > 0 {
				var cancel context.CancelFunc
				acquireCtx, cancel = context.WithTimeout(ctx, wait)
				defer cancel()
			}
			handle, err := coordinator.Acquire(acquireCtx, lockName)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("lock %q not acquired within %s: %w", lockName, wait, err)
				}
				return fmt.Errorf("acquire lock %q: %w", lockName, err)
			}
			log.Info("lock acquired, starting command", "lock", lockName, "command", args[0])

			runErr := child.run(ctx, cmd, args)

			if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
				log.Error("failed to release lock", "lock", lockName, "error", err)
			}
			if coordinator.Halted() {
				return &ExitError{
					Code: distlock.ExitCodeLeaseLost,
					Err:  fmt.Errorf("lease lost while running %q", args[0]),
				}
			}
			return runErr
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&lockName, "lock", "", "name of the lock to hold")
	cmd.Flags().DurationVar(&wait, "wait", 0, "give up when the lock is not acquired in time (0 waits forever)")
	_ = cmd.MarkFlagRequired("lock")
	return cmd
}

func newConfigCommand(app *application) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, secrets, _, err := app.load(cmd.Flags())
			if err != nil {
				return err
			}
			rendered, err := cfg.Redacted(secrets)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), rendered)
			return err
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, _, err := app.load(cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	return configCmd
}
