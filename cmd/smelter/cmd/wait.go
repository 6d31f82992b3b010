package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smelterhq/smelter/internal/provisioner"
)

var waitCmd = &cobra.Command{
	Use:   "wait INSTANCE...",
	Short: "Wait until instances finish deploying",
	Long: `Poll the given instances until every one of them is deployed. Fails as
soon as any instance ends up in the error state, or when the timeout
expires.`,
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

		timeout := cfg.Defaults.WaitTimeout
		if cmd.Flags().Changed("timeout") {
			timeout, _ = cmd.Flags().GetDuration("timeout")
		}
		deadline := time.Now().Add(timeout)

		ticker := time.NewTicker(cfg.OpenStack.PollInterval)
		defer ticker.Stop()

		for {
			instances, err := prov.ShowInstances(ctx, args)
			if err != nil {
				return err
			}

			pending := 0
			for _, inst := range instances {
				switch inst.State() {
				case provisioner.StateError:
					return fmt.Errorf("instance %s failed to deploy: %s",
						inst.Node.Describe(), inst.Node.LastError)
				case provisioner.StateActive, provisioner.StateMaintenance:
				default:
					pending++
				}
			}
			if pending == 0 {
				for _, inst := range instances {
					printInstance(ctx, inst)
				}
				return nil
			}

			if time.Now().After(deadline) {
				return fmt.Errorf("timed out waiting for %d instance(s) to deploy", pending)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(waitCmd)

	waitCmd.Flags().Duration("timeout", 0, "how long to wait before giving up")
}
