package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"newsposter/internal/config"

	"github.com/spf13/cobra"
)

func configCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", *cfgPath)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.NewManager(*cfgPath).Save(config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *cfgPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Load the config and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewManager(*cfgPath).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", *cfgPath)
			fmt.Fprintf(out, "  feed:      %s\n", cfg.Feed.URL)
			fmt.Fprintf(out, "  groups:    %d\n", len(cfg.Community.Groups))
			fmt.Fprintf(out, "  social:    %v\n", cfg.Social.APIKey != "" && cfg.Social.AccessToken != "")
			fmt.Fprintf(out, "  community: %v\n", cfg.Community.Email != "" && cfg.Community.Password != "")
			return nil
		},
	}

	secretCmd := &cobra.Command{
		Use:   "secret <account>",
		Short: "Store a secret read from stdin in the OS keyring",
		Long: `Stores one secret line from stdin in the OS keyring and prints the reference
to put in the config file, for example "keyring:social.api_secret".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret: %w", err)
			}
			ref, err := config.StoreSecret(args[0], strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ref)
			return nil
		},
	}

	cmd.AddCommand(initCmd, checkCmd, secretCmd)
	return cmd
}
