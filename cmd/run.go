package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/rinashim/internal/daemon"
)

var pidFile string

// runCmd runs the shim daemon in the foreground.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the shim IPC process in foreground",
	Long: `Run the shim IPC process in foreground.

The daemon will:
  1. Load configuration from the config file
  2. Initialize logging and metrics
  3. Open the link and build the buffer pool, resolution cache and RMT
  4. Register the configured names and addresses
  5. Run until SIGTERM or SIGINT (SIGUSR1 logs a state dump)

Examples:
  rinashim run -c config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path")
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
