package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/onboarding-cli/internal/model"
)

var (
	approveDecision string
	approveNotes    string
	approveAdminID  string
)

var approveCmd = &cobra.Command{
	Use:   "approve <thread-id>",
	Short: "Record an admin decision on a paused thread",
	Long:  "Decisions: mark_meeting_held, approve_pricing, decline_pricing, send_contract, hold_contract.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind := model.DecisionKind(approveDecision)
		if !kind.Valid() {
			return eris.Errorf("unknown decision %q", approveDecision)
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Engine.Advance(ctx, args[0], model.Trigger{
			Kind: model.TriggerAdminDecision,
			Decision: &model.Decision{
				Kind:    kind,
				Notes:   approveNotes,
				AdminID: approveAdminID,
			},
			Source: model.AdminSource(approveAdminID),
		})
		if err != nil {
			return eris.Wrap(err, "apply decision")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveDecision, "decision", "", "decision kind (required)")
	approveCmd.Flags().StringVar(&approveNotes, "notes", "", "notes attached to the decision")
	approveCmd.Flags().StringVar(&approveAdminID, "admin", "", "acting admin identifier")
	_ = approveCmd.MarkFlagRequired("decision")
	rootCmd.AddCommand(approveCmd)
}
