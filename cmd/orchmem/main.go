package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "orchmem",
	Short:         "Memory for multi-agent orchestrations",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(serveCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(saveCmd, listCmd, showCmd, searchCmd, contextCmd, recommendCmd)
	rootCmd.AddCommand(usageCmd, statsCmd, pruneCmd, reindexCmd, configCmd)
}

func main() {
	// A .env file in the working directory seeds ORCHMEM_* overrides.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func versionString() string {
	return fmt.Sprintf("orchmem version %s", version)
}
