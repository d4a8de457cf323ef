package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"firestige.xyz/rinashim/internal/daemon"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rinashim %s (%s %s/%s)\n",
			daemon.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
