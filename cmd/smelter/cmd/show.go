package cmd

import (
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show INSTANCE...",
	Short: "Show deployed instances",
	Long: `Show the given instances. Instances may be referenced by hostname,
node name or node ID.`,
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

		instances, err := prov.ShowInstances(ctx, args)
		if err != nil {
			return err
		}

		for _, inst := range instances {
			printInstance(ctx, inst)
			if inst.Node.LastError != "" {
				cmd.Printf("  last error: %s\n", inst.Node.LastError)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
