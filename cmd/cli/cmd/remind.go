package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"sessionplane/pkg/api"

	"github.com/spf13/cobra"
)

var remindCmd = &cobra.Command{
	Use:     "remind",
	Aliases: []string{"reminders"},
	Short:   "Schedule messages",
}

var remindCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Schedule a message",
	Long: `Schedule a message for a point in time, optionally repeating.

--repeat takes daily, weekly, monthly or a five-field cron expression evaluated
in --tz. Without --session, the first ready session of your account sends it.

Example:
  sessctl remind create --session ws_1a2b3c4d --to 905551112233 --message "pay rent" \
    --at 2026-11-01T10:00:00Z --repeat monthly`,
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}
		flags := cmd.Flags()
		sessionID, _ := flags.GetString("session")
		to, _ := flags.GetString("to")
		message, _ := flags.GetString("message")
		at, _ := flags.GetString("at")
		repeat, _ := flags.GetString("repeat")
		tz, _ := flags.GetString("tz")

		if to == "" || message == "" || at == "" {
			cmd.Println("Error: --to, --message and --at are required")
			return
		}
		runAt, err := time.Parse(time.RFC3339, at)
		if err != nil {
			cmd.Printf("Error: --at must be RFC3339, e.g. 2026-11-01T10:00:00Z: %v\n", err)
			return
		}

		result, err := client.CreateReminder(api.CreateReminderRequest{
			SessionID:  sessionID,
			Recipient:  to,
			Message:    message,
			RunAt:      runAt,
			Timezone:   tz,
			Recurrence: repeat,
		})
		if err != nil {
			printError(cmd, err)
			return
		}

		cmd.Printf("✓ Reminder scheduled!\nID: %s\nRuns at: %s\n", result.ID, result.RunAt.Format(time.RFC3339))
	},
}

var remindListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your reminders",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		reminders, err := client.ListReminders()
		if err != nil {
			printError(cmd, err)
			return
		}
		if len(reminders) == 0 {
			cmd.Println("No reminders found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSESSION\tTO\tRUN AT\tREPEAT\tSTATUS\tATTEMPTS")
		for _, r := range reminders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				r.ID,
				deref(r.SessionID, "-"),
				r.Recipient,
				r.RunAt.Format(time.RFC3339),
				deref(r.Recurrence, "-"),
				r.Status,
				r.Attempts,
			)
		}
		w.Flush()
	},
}

var remindDeleteCmd = &cobra.Command{
	Use:   "delete [reminder_id]",
	Short: "Delete a reminder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		if err := client.DeleteReminder(args[0]); err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Reminder %s deleted.\n", args[0])
	},
}

var remindRunsCmd = &cobra.Command{
	Use:   "runs [reminder_id]",
	Short: "Show the attempts of a reminder",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		runs, err := client.ListReminderRuns(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}
		if len(runs) == 0 {
			cmd.Println("No runs yet.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ATTEMPT\tSTATUS\tRUN AT\tERROR")
		for _, r := range runs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Attempt, r.Status, r.RunAt.Format(time.RFC3339), deref(r.Error, ""))
		}
		w.Flush()
	},
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func init() {
	flags := remindCreateCmd.Flags()
	flags.String("session", "", "Session to send from (optional)")
	flags.String("to", "", "Recipient phone number or chat id (required)")
	flags.StringP("message", "m", "", "Message text (required)")
	flags.String("at", "", "First run time, RFC3339 (required)")
	flags.String("repeat", "", "daily, weekly, monthly or a cron expression")
	flags.String("tz", "", "IANA timezone for --repeat, e.g. Europe/Istanbul")

	remindCmd.AddCommand(remindCreateCmd, remindListCmd, remindDeleteCmd, remindRunsCmd)
	rootCmd.AddCommand(remindCmd)
}
