package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "carbbuild",
	Short: "Build 3D carbohydrate structures with a content-addressed job cache",
	Long: `carbbuild runs an external carbohydrate structure builder for sequence
specifications and caches every result under a key derived from the request.

Run "carbbuild serve" to start the HTTP API, "carbbuild mcp" to expose the
same operations over MCP on stdio, or "carbbuild build" for a one-shot local
build.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd, mcpCmd)
	rootCmd.AddCommand(submitCmd, showCmd, listCmd, fetchCmd)
	rootCmd.AddCommand(buildCmd, keyCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
