package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Admits, places, dispatches and tracks tasks",
	Long: `The orchestrator owns the status of every job. It admits jobs against the local memory
budget, allocates a supervisor for each (a local process or a pod), sends the START command and then
follows the job to a terminal state, releasing whatever it was given.

Every orchestrator works from the shared redis store, so several can run side by side.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "config/serverconfig.yaml", "path to the YAML configuration")
	rootCmd.PersistentFlags().String("kubeconfig", "", ".kubeconfig file for running out of cluster. If not specified then in-cluster initialisation will be tried")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
