package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/libraryd/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagConfigPath string
	flagLibrary    string
	flagLogLevel   string
	flagPIDFile    string
	flagListen     string
)

// CLIContext bundles resolved config and logger, built once in
// PersistentPreRunE so subcommands never repeat config loading.
type CLIContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — PersistentPreRunE must run before RunE")
	}

	return cc
}

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "libraryd",
		Short:         "Cross-device personal library daemon",
		Long:          "libraryd indexes, tracks, and synchronizes a personal file library across devices.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagLibrary, "library", "", "path to the library database")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flagPIDFile, "pidfile", "", "PID file path (defaults next to the library database)")
	cmd.PersistentFlags().StringVar(&flagListen, "listen", "", "peer-sync listen address (host:port)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStopCmd())

	return cmd
}

// loadConfig resolves the effective configuration through the four-layer
// override chain and stores the result in the command's context.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger("")

	var (
		cfg *config.Config
		err error
	)

	if flagConfigPath != "" {
		cfg, err = config.Load(flagConfigPath, logger)
	} else {
		cfg, err = config.LoadOrDefault(defaultConfigPath(), logger)
	}

	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	config.ApplyEnv(cfg, config.ReadEnvOverrides())
	config.ApplyCLI(cfg, config.CLIOverrides{LibraryPath: flagLibrary, LogLevel: flagLogLevel, ListenAddress: flagListen})

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	finalLogger := buildLogger(cfg.Logging.Level)
	cc := &CLIContext{Cfg: cfg, Logger: finalLogger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// defaultConfigPath is used when --config is not given; LoadOrDefault
// falls back to DefaultConfig when nothing exists there.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "libraryd.toml"
	}

	return dir + "/libraryd/libraryd.toml"
}

// buildLogger creates an slog.Logger at the given level, or LevelInfo if
// level is empty (pre-config bootstrap).
func buildLogger(level string) *slog.Logger {
	l := slog.LevelInfo

	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
