package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "turnpipe",
		Short: "Turn-based pipeline orchestration server",
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (default searches ./config and .)")

	root.AddCommand(serveCMD(), migrateCMD(), indexCMD(), pruneCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("TURNPIPE_CONFIG")
	}
	return path
}
