package main

import (
	"errors"

	"newsposter/internal/app"
	"newsposter/internal/display"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func historyCmd(cfgPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent per-article outcomes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.Stop(ctx, app.StopCompleted)

			if a.Store() == nil {
				return errors.New("storage is disabled; nothing is journaled")
			}
			recs, err := a.Store().RecentOutcomes(ctx, limit)
			if err != nil {
				return err
			}
			display.PrintOutcomes(cmd.OutOrStdout(), recs, !color.NoColor)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records")
	return cmd
}
