package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tallyhq/tally/internal/output"
	"github.com/tallyhq/tally/internal/store"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize tally in the current directory",
	Long:    `Creates the local .tally directory and SQLite database.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		// Check if already initialized
		if _, err := os.Stat(filepath.Join(baseDir, ".tally")); err == nil {
			output.Warning(".tally/ already exists")
			return nil
		}

		st, err := store.Initialize(baseDir)
		if err != nil {
			output.Error("failed to initialize database: %v", err)
			return err
		}
		defer st.Close()

		fmt.Println("INITIALIZED .tally/")

		clientID, err := st.ClientID()
		if err != nil {
			output.Error("failed to create client id: %v", err)
			return err
		}
		fmt.Printf("Client: %s\n", clientID)

		addToGitignore(filepath.Join(baseDir, ".gitignore"))
		return nil
	},
}

// addToGitignore appends .tally/ to .gitignore when not already listed.
func addToGitignore(path string) {
	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), ".tally/") {
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	prefix := ""
	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		prefix = "\n"
	}
	fmt.Fprintf(f, "%s.tally/\n", prefix)
}

func init() {
	rootCmd.AddCommand(initCmd)
}
