package main

import (
	"errors"
	"fmt"

	"newsposter/internal/app"
	"newsposter/internal/display"
	"newsposter/internal/storage"
	logx "newsposter/pkg/logx"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func fetchCmd(cfgPath *string) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch the feed and list articles with their indices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			defer a.Stop(ctx, app.StopCompleted)

			out := cmd.OutOrStdout()
			con := display.New(display.Options{Out: out, Color: !color.NoColor, Bars: !color.NoColor})
			update, done := con.Track(ctx, "Fetching")
			all, err := a.Source().Load(ctx, cached, update)
			done(err == nil)
			if err != nil {
				if cached && errors.Is(err, storage.ErrNoCache) {
					return fmt.Errorf("%w: run without --cached first", err)
				}
				if len(all) == 0 {
					return err
				}
				a.Log().Warn("articles fetched but not cached", logx.Err(err))
			}
			display.PrintArticles(out, all, !color.NoColor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "list the cached articles instead of fetching")
	return cmd
}
