package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sessctl",
	Short: "sessctl is a command line tool for the sessionplane platform",
	Long: `sessctl is the command-line interface for sessionplane, a fleet of workers
that keep long-lived messaging sessions connected.

The controller API manages tenants, sessions, webhooks and reminders. Each
session is driven by exactly one worker at a time; messages are sent through
the worker that currently owns the session.

Common workflows:

  Register a session and point its events at a webhook:
    sessctl session create --name support
    sessctl session webhook ws_1a2b3c4d --endpoint https://example.com/hook --secret s3cret

  Schedule a weekday reminder:
    sessctl remind create --session ws_1a2b3c4d --to 905551112233 \
      --message "standup" --at 2026-11-02T09:00:00+03:00 --repeat "0 9 * * 1-5" --tz Europe/Istanbul

  Send a message through a worker:
    sessctl send ws_1a2b3c4d --to 905551112233 --text "hello"

Configuration:
  Set endpoints and credentials via flags, environment variables or a config file:
    SESSCTL_URL          Controller URL (default: http://localhost:6161)
    SESSCTL_WORKER_URL   Worker URL for send (default: http://localhost:6162)
    SESSCTL_TOKEN        Tenant API key
    SESSCTL_ADMIN_TOKEN  Admin token for tenant creation`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".sessctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".sessctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "SESSCTL_VARNAME"
	viper.SetEnvPrefix("SESSCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// controllerClient returns a client for the controller authenticated with the
// tenant token, or reports why it cannot.
func controllerClient(cmd *cobra.Command) (*Client, bool) {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the SESSCTL_TOKEN environment variable")
		return nil, false
	}
	return NewClient(viper.GetString("url"), token), true
}

// printError renders API errors with their status code.
func printError(cmd *cobra.Command, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("Error: %v\n", err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sessctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "sessionplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("worker-url", "http://localhost:6162", "sessionplane worker URL")
	viper.BindPFlag("worker_url", rootCmd.PersistentFlags().Lookup("worker-url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Tenant API key")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("admin-token", "", "Admin token for tenant management")
	viper.BindPFlag("admin_token", rootCmd.PersistentFlags().Lookup("admin-token"))
}
