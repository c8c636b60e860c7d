package main

import (
	"github.com/spf13/cobra"

	"github.com/jonathan/recipe-agent/internal/observability"
)

var statusCmd = &cobra.Command{
	Use:   "status <recipe-id>",
	Short: "Show the status of a recipe",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	r, err := st.GetRecipe(cmd.Context(), id)
	if err != nil {
		return err
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintRecipe(r)
	return nil
}
