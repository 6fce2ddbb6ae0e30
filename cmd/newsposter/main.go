package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "newsposter",
		Short: "Fetch news and post it to a social network and community groups",
		Long: `newsposter fetches an RSS feed, lets you pick articles by index and posts
them now or on a schedule. Images are watermarked before any post is made.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to the config file (json or yaml)")

	root.AddCommand(
		fetchCmd(&cfgPath),
		postCmd(&cfgPath),
		scheduleCmd(&cfgPath),
		historyCmd(&cfgPath),
		logsCmd(&cfgPath),
		configCmd(&cfgPath),
	)
	return root
}
