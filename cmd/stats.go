package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/snapshot-harvester/internal/pipeline"
)

// newStatsCmd creates the 'stats' subcommand.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Prints item list, capture and index statistics",
		Long:  `Reads the item list, the local snapshot spool and the index ledger. No remote system is contacted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(cmd, appInstance)
		},
	}
}

func printStats(cmd *cobra.Command, appInstance App) error {
	stats, err := appInstance.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("collect stats: %w", err)
	}
	pipeline.RenderStats(cmd.OutOrStdout(), stats)
	return nil
}
