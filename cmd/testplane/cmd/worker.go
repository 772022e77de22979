package cmd

import (
	"github.com/spf13/cobra"

	"testplane/internal/logger"
	"testplane/internal/worker"
)

// workerCmd is the hidden entry point the dispatcher re-executes the
// binary with. It expects the IPC pipes at file descriptors 3 and 4 and
// is never invoked by users directly.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		exitCode = worker.Main(cmd.Context(), logger.New())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
