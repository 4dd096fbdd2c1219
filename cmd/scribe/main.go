package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Generate SOAP notes from doctor-patient conversations",
	Long: `scribe turns a doctor-patient conversation, plus optional clinical images,
into a structured SOAP note (subjective, objective, assessment, plan).

Run "scribe serve" for the HTTP API or "scribe mcp" for the MCP stdio server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the scribe version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scribe version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.AddCommand(
		serveCmd,
		mcpCmd,
		generateCmd,
		modelsCmd,
		outcomesCmd,
		configCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
