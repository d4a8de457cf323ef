package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/rinashim/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without opening the link.

Examples:
  rinashim validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(configFile, cmd.OutOrStdout()); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: %d name(s), %d address(es), %s link, %d buffers\n",
		len(cfg.Node.Names),
		len(cfg.Node.Addresses),
		cfg.Link.Type,
		cfg.Pool.Capacity,
	)
	return nil
}
