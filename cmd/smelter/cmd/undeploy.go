package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var undeployCmd = &cobra.Command{
	Use:   "undeploy INSTANCE...",
	Short: "Tear instances down and release their nodes",
	Long: `Detach the NICs attached during deployment, delete the ports created
for them, wipe the deployment metadata and release the reservation.
Instances may be referenced by hostname, node name or node ID.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		prov, err := newProvisioner(ctx, cmd, cfg, log)
		if err != nil {
			return err
		}

		var wait time.Duration
		if doWait, _ := cmd.Flags().GetBool("wait"); doWait {
			wait = cfg.Defaults.WaitTimeout
			if cmd.Flags().Changed("timeout") {
				wait, _ = cmd.Flags().GetDuration("timeout")
			}
		}

		for _, ident := range args {
			instances, err := prov.ShowInstances(ctx, []string{ident})
			if err != nil {
				return err
			}
			node, err := prov.Unprovision(ctx, instances[0].Node.ID, wait)
			if err != nil {
				return err
			}
			cmd.Printf("%s released (state %s)\n", node.Describe(), node.ProvisionState)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(undeployCmd)

	undeployCmd.Flags().Bool("wait", false, "wait until the nodes are available again")
	undeployCmd.Flags().Duration("timeout", 0, "how long to wait with --wait")
}
