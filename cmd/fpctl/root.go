package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "fpctl",
		Short:         "Fingerprint store administration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "configs/config.yaml", "Configuration file path")

	rootCmd.AddCommand(newCompareCommand())
	rootCmd.AddCommand(newHexCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newArchiveCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))

	return rootCmd
}
