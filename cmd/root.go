// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/app"
	"github.com/JakeFAU/snapshot-harvester/internal/config"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/logging"
	"github.com/JakeFAU/snapshot-harvester/internal/pipeline"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close()
	Logger() *zap.Logger
	RunConfig() pipeline.RunConfig
	Run(ctx context.Context, rc pipeline.RunConfig) (harvest.RunSummary, error)
	Stats(ctx context.Context) (pipeline.Stats, error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, harvest.Wrap(harvest.KindInvalidInput, "load config", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, harvest.Wrap(harvest.KindInvalidInput, "init logger", err)
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger)
}

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// cli holds state shared by the root command's hooks.
type cli struct {
	cfgFile string
	app     App
}

// close releases the app. Cobra skips post-run hooks when a command fails,
// so execute calls this on every path.
func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
		c.app = nil
	}
}

// newRootCmd creates and configures the root command.
func newRootCmd() (*cobra.Command, *cli) {
	state := &cli{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Captures authenticated page snapshots and ships them to storage and an index.",
		Long: `harvester logs into a web application, discovers every item on an
infinitely scrolling listing, captures each item page as an MHTML snapshot,
uploads the snapshots to object storage and registers them with an index
service. Every stage is idempotent, so interrupted runs can simply be
started again.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Build the application once flags are parsed and hand it to the
		// subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), state.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			state.app = appInstance
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(*cobra.Command, []string) {
			state.close()
		},
	}

	cmd.PersistentFlags().StringVar(&state.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd, state
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI and returns the process exit status.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root, state := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	state.close()
	if err == nil {
		return pipeline.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(root.ErrOrStderr(), "harvester:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(root.ErrOrStderr(), "harvester:", err)
	switch harvest.KindOf(err) {
	case harvest.KindInvalidInput, harvest.KindAuth:
		return pipeline.ExitFatalConfig
	default:
		return pipeline.ExitFailure
	}
}
