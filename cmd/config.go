package cmd

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rinashim/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, environment overrides and
validation have been applied.

Examples:
  rinashim config -c config.yml
  RINASHIM_LINK_DEVICE=eth1 rinashim config -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runConfig(configFile, cmd.OutOrStdout()); err != nil {
			exitWithError("failed to load config", err)
		}
	},
}

func runConfig(path string, w io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]*config.GlobalConfig{"rinashim": cfg})
}
