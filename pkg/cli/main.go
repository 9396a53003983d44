// Package cli builds the distlockd command tree.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/distlock/pkg/config"
	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/version"
)

// Options customizes the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: replaces os.Exit when a coordinator loses its lease. Tests use it to
	// observe the exit code.
	Terminate distlock.TerminateFunc
}

// ExitError carries a process exit code out of a command, for example the exit code
// of the program started by "run".
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile  string
	secretFile  string
	serviceName string
}

// NewRootCommand creates the distlockd CLI with serve, migrate, inspect, sweep, run,
// config and version subcommands. Running the root command alone serves.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "distlockd"
	}
	if opts.Description == "" {
		opts.Description = "Distributed lock coordinator backed by a relational database"
	}
	opts.EnvPrefix = resolveEnvPrefix(opts.EnvPrefix)

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := &globalFlags{}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config-file", "c", opts.ConfigPath, "config file path")
	pf.StringVar(&flags.secretFile, "secret-file", "", fmt.Sprintf("path to secrets file (sets %s_SECRETS_FILE)", opts.EnvPrefix))
	pf.StringVar(&flags.serviceName, "service-name", "", "service name override")
	pf.String("database-type", "", "lease store type: postgres, mysql or memory")
	pf.String("database-url", "", "lease store connection URL")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: json or text")
	pf.Bool("debug-mode", false, "skip datastore claims and relax lease renewal; never use on a fleet")

	app := &application{opts: opts, flags: flags}

	serveCmd := newServeCommand(app)
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(
		newVersionCommand(opts.Name),
		serveCmd,
		newMigrateCommand(app),
		newInspectCommand(app),
		newSweepCommand(app),
		newRunCommand(app),
		newConfigCommand(app),
	)
	return rootCmd
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}
}

// application carries what every subcommand needs to load its configuration.
type application struct {
	opts  Options
	flags *globalFlags
}

func (a *application) load(flags *pflag.FlagSet) (*config.Config, *config.Config, logger.Logger, error) {
	return LoadConfigAndLogger(
		a.flags.configFile,
		a.opts.EnvPrefix,
		a.flags.secretFile,
		flags,
		a.opts.Name,
		a.flags.serviceName,
	)
}

// LoadConfigAndLogger loads and validates the configuration, then builds the logger
// it describes. The second return value holds the settings read from the secrets file.
// Logs go to stderr so that command output on stdout stays machine readable.
func LoadConfigAndLogger(
	cfgPath,
	envPrefix,
	secretFilePath string,
	flags *pflag.FlagSet,
	defaultServiceName string,
	serviceNameOverride string,
) (*config.Config, *config.Config, logger.Logger, error) {
	envPrefix = resolveEnvPrefix(envPrefix)
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, nil, err
	}

	loader := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags)
	cfg, secrets, err := loader.LoadWithSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)

	logCfg := cfg.LoggerConfig()
	logCfg.Output = os.Stderr
	log, err := logger.NewZapLogger(logCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg, secrets)
	return cfg, secrets, log.With("service", cfg.Service.Name), nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	err := cmd.Execute()
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintln(os.Stderr, exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func logConfigIfDebug(log logger.Logger, cfg, secrets *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}

	rendered, err := cfg.Redacted(secrets)
	if err != nil {
		log.Debug("failed to render effective configuration", "error", err)
		return
	}
	log.Debug("effective configuration", "config", rendered)
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "distlockd"
}
