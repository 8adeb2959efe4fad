package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/pipeline"
)

type runFlags struct {
	noDiscovery bool
	noCapture   bool
	upload      bool
	index       bool
	dryRun      bool
	stats       bool
	maxItems    int
	startIndex  int
	concurrency int
	summaryFile string
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline stages",
		Long: `Runs discovery, capture, store and index in order. Discovery and capture
are on by default; --upload and --index enable the remote stages. Items
whose output already exists are skipped, so a run can be repeated safely.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&f.noDiscovery, "no-discovery", false, "skip discovery and load the persisted item list")
	flags.BoolVar(&f.noCapture, "no-capture", false, "skip the capture stage")
	flags.BoolVar(&f.upload, "upload", false, "upload captured snapshots to remote storage")
	flags.BoolVar(&f.index, "index", false, "register stored snapshots with the index service")
	flags.BoolVar(&f.dryRun, "dry-run", false, "report pending work without capturing, uploading or indexing")
	flags.BoolVar(&f.stats, "stats", false, "print statistics and exit")
	flags.IntVar(&f.maxItems, "max-items", 0, "process at most N items (0 = all)")
	flags.IntVar(&f.startIndex, "start-index", 0, "skip the first N items of the list")
	flags.IntVar(&f.concurrency, "concurrency", 0, "parallel items per stage (overrides configuration)")
	flags.StringVar(&f.summaryFile, "summary-file", "", "also write the run summary as JSON to this path")
	return cmd
}

// apply layers changed flags over the configured run.
func (f *runFlags) apply(cmd *cobra.Command, rc pipeline.RunConfig) pipeline.RunConfig {
	flags := cmd.Flags()
	if f.noDiscovery {
		rc.Discovery = false
	}
	if f.noCapture {
		rc.Capture = false
	}
	if f.upload {
		rc.Store = true
	}
	if f.index {
		rc.Index = true
	}
	if f.dryRun {
		rc.DryRun = true
	}
	if flags.Changed("max-items") {
		rc.MaxItems = f.maxItems
	}
	if flags.Changed("start-index") {
		rc.StartIndex = f.startIndex
	}
	if flags.Changed("concurrency") {
		rc.CaptureStage.Concurrency = f.concurrency
		rc.StoreStage.Concurrency = f.concurrency
		rc.IndexStage.Concurrency = f.concurrency
	}
	return rc
}

func runPipeline(cmd *cobra.Command, f *runFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if f.stats {
		return printStats(cmd, appInstance)
	}

	rc := f.apply(cmd, appInstance.RunConfig())
	summary, runErr := appInstance.Run(cmd.Context(), rc)
	logger := appInstance.Logger()

	if summary.RunID != "" {
		pipeline.RenderSummary(cmd.OutOrStdout(), summary)
		if f.summaryFile != "" {
			if err := pipeline.WriteSummaryJSON(f.summaryFile, summary); err != nil {
				logger.Warn("failed to write summary file", zap.String("path", f.summaryFile), zap.Error(err))
			}
		}
	}

	code := pipeline.ExitCode(summary, runErr)
	logger.Info("run command finished",
		zap.String("run_id", summary.RunID),
		zap.String("state", string(summary.State)),
		zap.Int("exit_code", code),
	)
	if code != pipeline.ExitOK {
		return &exitError{code: code, err: runErr}
	}
	return nil
}
