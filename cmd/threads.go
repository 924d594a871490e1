package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Inspect onboarding threads",
	Long:  "Commands for listing threads, viewing thread state, and reading audit trails.",
}

// -- threads list --

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List onboarding threads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		email, _ := cmd.Flags().GetString("email")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.ThreadFilter{
			Status: model.Stage(status),
			Email:  email,
			Limit:  limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		threads, err := st.ListThreads(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "threads list")
		}

		if len(threads) == 0 {
			fmt.Fprintln(os.Stderr, "No threads found.")
			return nil
		}

		formatThreadsList(os.Stdout, threads)
		return nil
	},
}

// -- threads show --

var threadsShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show full state of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		thread, err := st.GetThread(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "threads show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(thread)
	},
}

// -- threads audit --

var threadsAuditCmd = &cobra.Command{
	Use:   "audit <thread-id>",
	Short: "Show a thread's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		if _, err := st.GetThread(ctx, args[0]); err != nil {
			return eris.Wrap(err, "threads audit")
		}

		events, err := st.ListAuditByThread(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "threads audit")
		}

		formatAuditTrail(os.Stdout, events)
		return nil
	},
}

func init() {
	threadsListCmd.Flags().String("status", "", "filter by stage (new_lead, meeting_scheduled, ...)")
	threadsListCmd.Flags().String("email", "", "filter by client email")
	threadsListCmd.Flags().Int("limit", 50, "max number of threads to display")

	threadsCmd.AddCommand(threadsListCmd)
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsAuditCmd)
	rootCmd.AddCommand(threadsCmd)
}

// formatThreadsList writes a tabular list of threads to w.
func formatThreadsList(out io.Writer, threads []model.PipelineState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCLIENT\tEMAIL\tSTAGE\tREMINDERS\tLAST_ACTIVITY")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t-----\t---------\t-------------")

	for _, th := range threads {
		name := th.ClientName
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(th.ThreadID),
			name,
			th.ClientEmail,
			th.Status,
			th.ReminderCount,
			th.LastActivity.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatAuditTrail writes the event sequence to w, oldest first.
func formatAuditTrail(out io.Writer, events []model.AuditEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tSOURCE\tEVENT\tPAYLOAD")
	_, _ = fmt.Fprintln(w, "----\t------\t-----\t-------")

	for _, ev := range events {
		payload := string(ev.Payload)
		if len(payload) > 60 {
			payload = payload[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			ev.CreatedAt.Format("2006-01-02 15:04:05"),
			ev.Source,
			ev.EventType,
			payload,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
