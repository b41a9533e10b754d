package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var watchlistFlag string

	ctx := newCommandContext(&watchlistFlag)

	rootCmd := &cobra.Command{
		Use:           "tracker",
		Short:         "Track upcoming audiobook releases and announce them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&watchlistFlag, "watchlist", "w", "", "Watch-list file path (overrides WATCHLIST_PATH)")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newReviewCommand(ctx))
	rootCmd.AddCommand(newApproveCommand(ctx))
	rootCmd.AddCommand(newTestNotifyCommand(ctx))

	return rootCmd
}
