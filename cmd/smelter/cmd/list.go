package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed instances",
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

		instances, err := prov.ListInstances(ctx)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			out := make([]map[string]any, 0, len(instances))
			for _, inst := range instances {
				out = append(out, map[string]any{
					"hostname": inst.Hostname(),
					"node":     inst.Node.ID,
					"state":    inst.State(),
				})
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		for _, inst := range instances {
			printInstance(ctx, inst)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Bool("json", false, "print machine readable output")
}
