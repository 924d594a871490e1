package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/onboarding-cli/internal/model"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Re-drive a thread from its last checkpoint",
	Long:  "Useful after a crash or a transient provider failure; a thread with nothing to do is a no-op.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Engine.Advance(ctx, args[0], model.Trigger{
			Kind:   model.TriggerResume,
			Source: model.AdminSource(""),
		})
		if err != nil {
			return eris.Wrap(err, "resume thread")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
