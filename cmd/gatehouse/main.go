package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"gatehouse/internal/config"
	"gatehouse/internal/logging"
	"gatehouse/internal/router"
)

var (
	// Global flags
	clientFlag string
	configPath string

	// Overridden at build time with -ldflags "-X main.version=...".
	version = "dev"
)

// rootCmd is the hook entrypoint. Each invocation reads one JSON event
// from stdin, evaluates the session's gates, and writes one JSON verdict
// to stdout.
var rootCmd = &cobra.Command{
	Use:   "gatehouse [event]",
	Short: "Policy and state engine for agent hook events",
	Long: `gatehouse sits between an AI coding agent and its runtime as a hook
command. Each invocation reads one JSON hook event from stdin, loads the
session's state document, evaluates the registered gates, and writes a
single JSON verdict to stdout.

The --client flag selects the hook dialect. The optional event argument
names the event when the runtime does not put one in the payload:

  gatehouse --client=claude < event.json
  gatehouse --client=generic BeforeTool < event.json

Exit status is 0 for every policy outcome, denies included; non-zero is
reserved for failures that prevent a reply from being written at all.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHook,
}

func runHook(cmd *cobra.Command, args []string) error {
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		// stdin is a terminal, not a piped hook payload
		return cmd.Help()
	}

	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	r, err := router.New(clientFlag, cfg, log)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	event := ""
	if len(args) > 0 {
		event = args[0]
	}

	if code := r.Run(ctx, os.Stdin, os.Stdout, event); code != 0 {
		return fmt.Errorf("hook reply not written (exit %d)", code)
	}
	return nil
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gatehouse version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("gatehouse %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.Flags().StringVar(&clientFlag, "client", "", "Hook dialect: claude or generic (required)")
	_ = rootCmd.MarkFlagRequired("client")

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory searched first for gatehouse.yaml")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
