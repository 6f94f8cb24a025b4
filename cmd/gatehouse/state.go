package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"gatehouse/internal/config"
	"gatehouse/internal/state"
)

// stateCmd groups the session-state maintenance commands.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and clear session state documents",
}

// stateShowCmd pretty-prints a session's state document.
var stateShowCmd = &cobra.Command{
	Use:   "show --session <id>",
	Short: "Print a session's state document",
	Long: `Print the JSON state document for a session.

State files are named by day and session hash, so documents from earlier
days are found too. When several exist, the newest is printed.

Examples:
  gatehouse state show --session 7f3a2b1c-...`,
	Run: func(cmd *cobra.Command, _ []string) {
		sessionID, _ := cmd.Flags().GetString("session")

		files, err := sessionFiles(sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Fprintf(os.Stderr, "No state document for session %s\n", sessionID)
			os.Exit(1)
		}

		// Day-prefixed names sort chronologically.
		sort.Strings(files)
		b, err := os.ReadFile(files[len(files)-1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(b)
	},
}

// stateClearCmd deletes a session's state files.
var stateClearCmd = &cobra.Command{
	Use:   "clear --session <id>",
	Short: "Delete a session's state files",
	Long: `Delete the state files for a session, including documents left over
from earlier days and their lock sentinels.

Examples:
  gatehouse state clear --session 7f3a2b1c-...`,
	Run: func(cmd *cobra.Command, _ []string) {
		sessionID, _ := cmd.Flags().GetString("session")

		files, err := sessionFiles(sessionID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(files) == 0 {
			fmt.Printf("No state document for session %s\n", sessionID)
			return
		}

		for _, f := range files {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			_ = os.Remove(f + ".lock")
		}
		fmt.Printf("Cleared state for session %s (%d file(s))\n", sessionID, len(files))
	},
}

// sessionFiles globs the state directory for every document belonging to
// the session, whatever day it was created on.
func sessionFiles(sessionID string) ([]string, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("--session is required")
	}
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, err
	}
	dir := state.ResolveDir(cfg.State.Dir, "")
	return filepath.Glob(filepath.Join(dir, "*-"+state.SessionHash(sessionID)+".json"))
}

func init() {
	stateShowCmd.Flags().String("session", "", "Session ID (required)")
	_ = stateShowCmd.MarkFlagRequired("session")

	stateClearCmd.Flags().String("session", "", "Session ID (required)")
	_ = stateClearCmd.MarkFlagRequired("session")

	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateClearCmd)
	rootCmd.AddCommand(stateCmd)
}
