package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reminder sweep over stalled threads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		nudged, err := env.Sweep.Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("sweep finished", zap.Int("nudged", nudged))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
