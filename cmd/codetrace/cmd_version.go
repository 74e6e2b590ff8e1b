package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctagard/codetrace/internal/version"
)

var (
	checkUpdates bool

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show the version and optionally check for a newer release",
		Args:  cobra.NoArgs,
		// The version needs no configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "codetrace version %s\n", version.GetVersion())
			if !checkUpdates {
				return nil
			}

			info := version.NewChecker().CheckForUpdates(cmd.Context())
			switch {
			case info.Error != "":
				return fmt.Errorf("update check failed: %s", info.Error)
			case info.UpdateAvailable:
				fmt.Fprintln(out, info.UpdateMessage())
			default:
				fmt.Fprintln(out, "codetrace is up to date")
			}
			return nil
		},
	}
)

func init() {
	versionCmd.Flags().BoolVar(&checkUpdates, "check", false, "Check GitHub for a newer release")
}
