package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"newsposter/internal/config"
	"newsposter/internal/logtail"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func logsCmd(cfgPath *string) *cobra.Command {
	var (
		follow bool
		lines  int
		raw    bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print or follow the log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			if !cfg.Logging.File.Enabled {
				return errors.New("file logging is disabled (logging.file.enabled)")
			}
			path := cfg.Logging.File.Path
			if path == "" {
				path = config.DefaultLogPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return logtail.Run(ctx, path, cmd.OutOrStdout(), logtail.Options{
				Lines:  lines,
				Follow: follow,
				Pretty: !raw,
				Color:  !color.NoColor,
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "print the last n lines first (0 for all)")
	cmd.Flags().BoolVar(&raw, "json", false, "print raw JSON lines")
	return cmd
}
