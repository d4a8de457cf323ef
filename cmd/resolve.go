package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/arp"
	"firestige.xyz/rinashim/internal/config"
	"firestige.xyz/rinashim/internal/daemon"
	"firestige.xyz/rinashim/internal/ipcp"
)

var resolveTimeout time.Duration

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Resolve a peer name on the segment and exit",
	Long: `Start the shim on the configured link, send a resolution request for
the given name and print the hardware address of the reply.

Examples:
  rinashim resolve -c config.yml b.shim
  rinashim resolve -c config.yml -t 5s b.shim`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg.Metrics.Enabled = false
		return runResolve(cmd.Context(), cfg, address.GPAFromString(args[0]), resolveTimeout, cmd.OutOrStdout())
	},
}

func init() {
	resolveCmd.Flags().DurationVarP(&resolveTimeout, "timeout", "t", 2*time.Second, "time to wait for a reply")
}

func runResolve(ctx context.Context, cfg *config.GlobalConfig, name address.GPA, timeout time.Duration, w io.Writer) error {
	d := daemon.NewWithConfig(cfg, "")
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shim := d.Shim()
	for !shim.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	if err := shim.Resolve(name); err != nil {
		return err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("no reply for %s within %s", name, timeout)
		case <-ticker.C:
			if hw, ok := lookupResolved(ctx, shim, name); ok {
				fmt.Fprintf(w, "%s is at %s\n", name, hw)
				return nil
			}
		}
	}
}

func lookupResolved(ctx context.Context, shim *ipcp.Shim, name address.GPA) (address.GHA, bool) {
	snap, err := shim.Snapshot(ctx)
	if err != nil {
		return address.GHA{}, false
	}
	for _, row := range snap.Cache {
		if row.State == arp.RowResolved && row.Name.Equal(name) {
			return row.HW, true
		}
	}
	return address.GHA{}, false
}
