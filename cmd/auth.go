package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/output"
	"github.com/tallyhq/tally/internal/syncclient"
	"github.com/tallyhq/tally/internal/syncconfig"
)

var authCmd = &cobra.Command{
	Use:     "auth",
	Short:   "Manage sync authentication",
	GroupID: "system",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API key for the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("url")
		if serverURL == "" {
			serverURL = syncconfig.GetServerURL()
		}

		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			fmt.Print("API key: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read api key: %w", err)
			}
			key = strings.TrimSpace(line)
		}
		if key == "" {
			return fmt.Errorf("api key required")
		}

		// Verify the key against the server before storing it.
		client := syncclient.New(serverURL, key, "")
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := client.HealthCheck(ctx); err != nil {
			output.Error("server check failed: %v", err)
			return err
		}

		creds := &syncconfig.AuthCredentials{
			APIKey:    key,
			ServerURL: serverURL,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			output.Error("save credentials: %v", err)
			return err
		}

		output.Success("Authenticated against %s", serverURL)
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored sync credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.ClearAuth(); err != nil {
			output.Error("logout: %v", err)
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			fmt.Println("Not logged in.")
			return nil
		}

		creds, err := syncconfig.LoadAuth()
		if err != nil {
			output.Error("load auth: %v", err)
			return err
		}

		key := syncconfig.GetAPIKey()
		if len(key) > 12 {
			key = key[:12] + "..."
		}
		fmt.Printf("Server: %s\n", syncconfig.GetServerURL())
		fmt.Printf("Key:    %s\n", key)
		if creds != nil && creds.Email != "" {
			fmt.Printf("Email:  %s\n", creds.Email)
		}
		return nil
	},
}

func init() {
	authLoginCmd.Flags().String("url", "", "Sync server URL (default from config)")
	authLoginCmd.Flags().String("key", "", "API key (prompted when omitted)")
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}
