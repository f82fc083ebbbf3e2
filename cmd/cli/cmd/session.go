package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"sessionplane/pkg/api"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Manage messaging sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a session",
	Long: `Register a session. A worker picks it up, starts its driver and publishes a
pairing code. Re-running create for an existing id renames it and issues a new
session API key.

Example:
  sessctl session create --name support
  sessctl session create --id ws_support --name support`,
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")

		result, err := client.CreateSession(api.CreateSessionRequest{ID: id, Name: name})
		if err != nil {
			printError(cmd, err)
			return
		}

		cmd.Printf("✓ Session registered!\nID: %s\nName: %s\nStatus: %s\nAPI Key: %s\n",
			result.Session.ID, result.Session.Name, result.Session.Status, result.ApiKey)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your sessions",
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		sessions, err := client.ListSessions()
		if err != nil {
			printError(cmd, err)
			return
		}
		if len(sessions) == 0 {
			cmd.Println("No sessions found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tWEBHOOK\tCREATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.Name, s.Status, s.HasWebhook, s.CreatedAt.Format(time.RFC3339))
		}
		w.Flush()
	},
}

var sessionGetCmd = &cobra.Command{
	Use:   "get [session_id]",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		s, err := client.GetSession(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}

		cmd.Printf("ID:       %s\n", s.ID)
		cmd.Printf("Name:     %s\n", s.Name)
		cmd.Printf("Status:   %s\n", s.Status)
		cmd.Printf("Webhook:  %t\n", s.HasWebhook)
		cmd.Printf("Created:  %s\n", s.CreatedAt.Format(time.RFC3339))
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete [session_id]",
	Short: "Delete a session; its worker disconnects it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		if err := client.DeleteSession(args[0]); err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Session %s deleted.\n", args[0])
	},
}

var sessionWebhookCmd = &cobra.Command{
	Use:   "webhook [session_id]",
	Short: "Show or set the webhook of a session",
	Long: `Without --endpoint, prints the configured webhook. With --endpoint, replaces it.
Deliveries are signed with HMAC-SHA256 of the body in the X-Signature header
when a secret is set.

Example:
  sessctl session webhook ws_1a2b3c4d --endpoint https://example.com/hook --secret s3cret`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}
		hookURL, _ := cmd.Flags().GetString("endpoint")
		secret, _ := cmd.Flags().GetString("secret")

		var (
			result *api.WebhookResponse
			err    error
		)
		if hookURL == "" {
			result, err = client.GetWebhook(args[0])
		} else {
			result, err = client.SetWebhook(args[0], api.SetWebhookRequest{URL: hookURL, Secret: secret})
		}
		if err != nil {
			printError(cmd, err)
			return
		}

		if result.WebhookURL == nil {
			cmd.Println("No webhook configured.")
			return
		}
		cmd.Printf("Webhook: %s\nSigned:  %t\n", *result.WebhookURL, result.HasSecret)
	},
}

var sessionRotateKeyCmd = &cobra.Command{
	Use:   "rotate-key [session_id]",
	Short: "Issue a new session API key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := controllerClient(cmd)
		if !ok {
			return
		}

		result, err := client.RotateKey(args[0])
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ New API Key: %s\n", result.ApiKey)
	},
}

func init() {
	sessionCreateCmd.Flags().String("id", "", "Session id (default: generated ws_xxxxxxxx)")
	sessionCreateCmd.Flags().StringP("name", "n", "", "Display name")

	sessionWebhookCmd.Flags().String("endpoint", "", "Webhook URL to set")
	sessionWebhookCmd.Flags().String("secret", "", "HMAC signing secret")

	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionGetCmd, sessionDeleteCmd, sessionWebhookCmd, sessionRotateKeyCmd)
	rootCmd.AddCommand(sessionCmd)
}
