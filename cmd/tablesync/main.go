package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	cmd := &cobra.Command{
		Use:     "tablesync",
		Short:   "tablesync synchronizes a local sqlite table cache with a remote table service",
		Version: version,
	}

	cmd.PersistentFlags().String("db", "tablesync.db", "Path to the local database file")
	cmd.PersistentFlags().String("endpoint", "", "Base URL of the remote table service")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")
	cmd.PersistentFlags().Int("rate-limit", 0, "Maximum remote requests per second (0 for unlimited)")
	cmd.PersistentFlags().Uint("page-size", 0, "Records per pull page (0 for the default)")
	cmd.PersistentFlags().String("on-conflict", "abort", "Push conflict policy (abort, client-wins, server-wins)")

	cmd.AddCommand(pushCmd())
	cmd.AddCommand(pullCmd())
	cmd.AddCommand(purgeCmd())
	cmd.AddCommand(statusCmd())

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
