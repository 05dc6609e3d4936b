// Package cmd defines and implements the CLI commands for the auditor
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/adops/site-auditor/internal/audit"
	"github.com/adops/site-auditor/internal/config"
	"github.com/adops/site-auditor/internal/logging"
	"github.com/adops/site-auditor/internal/poller"
	"github.com/adops/site-auditor/internal/server"
)

// App is the application surface the commands use. Tests inject a mock.
type App interface {
	Run(ctx context.Context) error
	Trigger(ctx context.Context, scope audit.Scope) (audit.BatchSummary, error)
	Watch(ctx context.Context, batchID string, opts poller.Options) <-chan poller.Snapshot
	PollOptions() poller.Options
	Close()
}

// AppFactory builds the application from loaded configuration.
type AppFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}
	return app, nil
}

type rootOptions struct {
	cfgFile string
	envFile string
	newApp  AppFactory

	app    App
	logger *zap.Logger
}

// newRootCmd creates the root command. The app is built once in the
// persistent pre-run hook and released by close.
func newRootCmd(opts *rootOptions) *cobra.Command {
	if opts.newApp == nil {
		opts.newApp = buildApp
	}
	cmd := &cobra.Command{
		Use:   "auditor",
		Short: "Batch orchestrator for publisher site audits.",
		Long: `auditor resolves publisher accounts into audit targets, records them as a
batch, hands them to the audit worker at a paced rate and reports progress
until the batch settles.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(opts.envFile); err != nil {
				return err
			}
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.logger, err = logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(opts.logger)

			opts.app, err = opts.newApp(cmd.Context(), cfg, opts.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config; ignored when missing")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newTriggerCmd(opts))
	cmd.AddCommand(newWatchCmd(opts))
	return cmd
}

func (o *rootOptions) close() {
	if o.app != nil {
		o.app.Close()
		o.app = nil
	}
	if o.logger != nil {
		_ = o.logger.Sync()
	}
}

func (o *rootOptions) resolveApp() (App, error) {
	if o.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return o.app, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := &rootOptions{}
	err := newRootCmd(opts).ExecuteContext(ctx)
	opts.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
