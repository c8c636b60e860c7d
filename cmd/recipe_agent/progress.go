package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/recipe-agent/internal/observability"
	"github.com/jonathan/recipe-agent/internal/progress"
)

var (
	progressFollow   bool
	progressInterval time.Duration
)

var progressCmd = &cobra.Command{
	Use:   "progress <recipe-id>",
	Short: "Show the progress log of a recipe",
	Long: `Print the progress entries of a recipe in order. With --follow, keep
printing new entries until the recipe reaches a terminal entry.`,
	Args: cobra.ExactArgs(1),
	RunE: runProgress,
}

func init() {
	progressCmd.Flags().BoolVarP(&progressFollow, "follow", "f", false, "wait for new entries until the recipe finishes")
	progressCmd.Flags().DurationVar(&progressInterval, "interval", time.Second, "poll interval with --follow")
	rootCmd.AddCommand(progressCmd)
}

func runProgress(cmd *cobra.Command, args []string) error {
	id, err := parseRecipeID(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := loadConfig(true)
	if err != nil {
		return err
	}

	st, closers, err := openStore(cmd.Context(), cfg, false, logger)
	if err != nil {
		return err
	}
	defer closeAll(closers) //nolint:errcheck

	if _, err := st.GetRecipe(cmd.Context(), id); err != nil {
		return err
	}

	log := progress.NewLog(st)
	printer := observability.NewPrinter(cmd.OutOrStdout())
	if !progressFollow {
		entries, err := log.Collect(cmd.Context(), id)
		if err != nil {
			return err
		}
		printer.PrintProgress(entries)
		return nil
	}
	return followProgress(cmd.Context(), log, id, printer, progressInterval)
}

// followProgress prints entries as they are appended until a terminal entry
// or ctx cancellation.
func followProgress(ctx context.Context, log *progress.Log, id uuid.UUID, printer *observability.Printer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var after int64
	for {
		for entry, err := range log.ReadAfter(ctx, id, after) {
			if err != nil {
				return err
			}
			printer.PrintEntry(entry)
			after = entry.Seq
			if entry.Terminal() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
