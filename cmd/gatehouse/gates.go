package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gatehouse/internal/config"
	"gatehouse/internal/gate"
)

// gatesCmd groups the gate inspection commands.
var gatesCmd = &cobra.Command{
	Use:   "gates",
	Short: "Inspect the registered gates",
}

// gatesListCmd prints the effective gate registry: the built-in set with
// any configured gate files merged over it.
var gatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered gates",
	Long: `List the gates the router would evaluate, after applying the gate
toggles and merging any configured gate definition files.

Examples:
  gatehouse gates list
  gatehouse gates list --json`,
	Run: func(cmd *cobra.Command, _ []string) {
		jsonFlag, _ := cmd.Flags().GetBool("json")

		reg, err := loadRegistry()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		gates := reg.Gates()

		if jsonFlag {
			b, err := json.MarshalIndent(gates, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(b))
			return
		}

		if len(gates) == 0 {
			fmt.Println("No gates registered.")
			return
		}

		fmt.Printf("Registered gates (%d):\n\n", len(gates))
		for _, g := range gates {
			fmt.Printf("  %-16s initial=%-6s triggers=%d policies=%d\n",
				g.Name, g.InitialStatus, len(g.Triggers), len(g.Policies))
			if g.Countdown != nil {
				fmt.Printf("    countdown: %s reaches %d, warns in the last %d\n",
					g.Countdown.Metric, g.Countdown.Threshold, g.Countdown.StartBefore)
			}
		}
	},
}

// gatesSchemaCmd prints the JSON schema for gate definition files.
var gatesSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the gate definition JSON schema",
	Long: `Print the JSON schema that gate definition files must satisfy.

Useful for editor validation of the files named in gates.config_files:
  gatehouse gates schema > gate-schema.json`,
	Run: func(_ *cobra.Command, _ []string) {
		b, err := gate.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(b))
	},
}

// loadRegistry assembles the gate registry exactly the way the router
// does, so the listing reflects what a hook invocation would evaluate.
func loadRegistry() (*gate.Registry, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, err
	}
	return gate.NewBuiltinRegistry(cfg.GateOptions(), cfg.Gates.ConfigFiles...)
}

func init() {
	gatesListCmd.Flags().Bool("json", false, "Output the gate list as JSON")

	gatesCmd.AddCommand(gatesListCmd)
	gatesCmd.AddCommand(gatesSchemaCmd)
	rootCmd.AddCommand(gatesCmd)
}
