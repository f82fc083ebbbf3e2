package cmd

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"

	"sessionplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var sendCmd = &cobra.Command{
	Use:   "send [session_id]",
	Short: "Send a message through the worker that drives a session",
	Long: `Send a text or media message. The request goes to --worker-url, which must be
the worker currently owning the session; other workers answer 409.

Example:
  sessctl send ws_1a2b3c4d --to 905551112233 --text "hello"
  sessctl send ws_1a2b3c4d --to 905551112233 --file invoice.pdf --caption "your invoice"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token := viper.GetString("token")
		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the SESSCTL_TOKEN environment variable")
			return
		}
		flags := cmd.Flags()
		to, _ := flags.GetString("to")
		text, _ := flags.GetString("text")
		file, _ := flags.GetString("file")
		caption, _ := flags.GetString("caption")

		if to == "" {
			cmd.Println("Error: --to is required")
			return
		}
		if text == "" && file == "" {
			cmd.Println("Error: one of --text or --file is required")
			return
		}

		req := api.SendMessageRequest{To: to, Text: text, Caption: caption}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				cmd.Printf("Error: %v\n", err)
				return
			}
			req.Media = &api.Media{
				Mimetype: http.DetectContentType(data),
				Data:     base64.StdEncoding.EncodeToString(data),
				Filename: filepath.Base(file),
			}
		}

		client := NewClient(viper.GetString("worker_url"), token)
		result, err := client.SendMessage(args[0], req)
		if err != nil {
			printError(cmd, err)
			return
		}
		cmd.Printf("✓ Message sent! ID: %s\n", result.MessageID)
	},
}

func init() {
	flags := sendCmd.Flags()
	flags.String("to", "", "Recipient phone number or chat id (required)")
	flags.String("text", "", "Message text")
	flags.String("file", "", "Path of a file to send as media")
	flags.String("caption", "", "Caption for media")

	rootCmd.AddCommand(sendCmd)
}
