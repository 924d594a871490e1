package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/onboarding-cli/internal/model"
)

var (
	startName    string
	startEmail   string
	startPhone   string
	startSource  string
	startMeeting string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an onboarding thread for a manually entered lead",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var meeting *time.Time
		if startMeeting != "" {
			t, err := time.Parse(time.RFC3339, startMeeting)
			if err != nil {
				return eris.Wrap(err, "parse --meeting (want RFC 3339)")
			}
			utc := t.UTC()
			meeting = &utc
		}

		env, err := initEnv(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		threadID := uuid.New().String()
		initial := model.NewLeadState(threadID, startName, startEmail, startPhone,
			startSource, meeting, time.Now().UTC())

		st, err := env.Engine.Advance(ctx, threadID, model.Trigger{
			Kind:    model.TriggerStart,
			Initial: initial,
			Source:  model.AdminSource(""),
		})
		if err != nil {
			return eris.Wrap(err, "start thread")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	startCmd.Flags().StringVar(&startName, "name", "", "client name (required)")
	startCmd.Flags().StringVar(&startEmail, "email", "", "client email (required)")
	startCmd.Flags().StringVar(&startPhone, "phone", "", "client phone")
	startCmd.Flags().StringVar(&startSource, "source", "Manual", "lead source")
	startCmd.Flags().StringVar(&startMeeting, "meeting", "", "scheduled meeting time, RFC 3339")
	_ = startCmd.MarkFlagRequired("name")
	_ = startCmd.MarkFlagRequired("email")
	rootCmd.AddCommand(startCmd)
}
