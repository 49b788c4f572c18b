package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagWorkspace string
	flagWorker    string
)

var rootCmd = &cobra.Command{
	Use:   "contextpilot",
	Short: "Context window manager and autonomous turn loop for a terminal coding assistant",
	RunE: func(cmd *cobra.Command, args []string) error {
		workspace := flagWorkspace
		if workspace == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			workspace = cwd
		}
		return runWorker(cmd.Context(), workspace, flagWorker)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "project root (defaults to the current directory)")
	rootCmd.PersistentFlags().StringVar(&flagWorker, "worker", "default", "worker id within the project")
	rootCmd.AddCommand(daemonCmd)
	log.SetPrefix("[contextpilot] ")
}

// Execute runs the cobra command tree.
func Execute() error {
	return rootCmd.Execute()
}
