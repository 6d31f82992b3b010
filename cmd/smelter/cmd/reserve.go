package cmd

import (
	"github.com/spf13/cobra"

	"github.com/smelterhq/smelter/internal/provisioner"
)

var reserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "Reserve a node without deploying anything",
	Long: `Filter the candidate nodes by resource class, capabilities and traits,
then claim the first suitable one. The reservation can later be used
by a deploy with the same hostname.`,
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

		capFlags, _ := cmd.Flags().GetStringArray("capability")
		capabilities, err := parseKeyValues(capFlags)
		if err != nil {
			return err
		}

		resourceClass, _ := cmd.Flags().GetString("resource-class")
		if resourceClass == "" {
			resourceClass = cfg.Defaults.ResourceClass
		}
		traits, _ := cmd.Flags().GetStringArray("trait")
		candidates, _ := cmd.Flags().GetStringArray("candidate")
		hostname, _ := cmd.Flags().GetString("hostname")

		var conductorGroup *string
		if cmd.Flags().Changed("conductor-group") {
			group, _ := cmd.Flags().GetString("conductor-group")
			conductorGroup = &group
		}

		node, allocation, err := prov.ScheduleAndReserve(ctx, provisioner.ReserveRequest{
			ResourceClass:  resourceClass,
			ConductorGroup: conductorGroup,
			Capabilities:   capabilities,
			Traits:         traits,
			Candidates:     candidates,
			Hostname:       hostname,
			Timeout:        cfg.Defaults.ReserveTimeout,
		})
		if err != nil {
			return err
		}

		if allocation != nil {
			cmd.Printf("%s reserved (allocation %s)\n", node.Describe(), allocation.Describe())
		} else {
			cmd.Printf("%s selected\n", node.Describe())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reserveCmd)

	reserveCmd.Flags().String("resource-class", "", "resource class to schedule on")
	reserveCmd.Flags().String("conductor-group", "", "conductor group to restrict scheduling to")
	reserveCmd.Flags().StringArray("candidate", nil, "candidate node name or ID (repeatable)")
	reserveCmd.Flags().String("hostname", "", "name for the reservation")
	reserveCmd.Flags().StringArray("capability", nil, "required node capability as key=value (repeatable)")
	reserveCmd.Flags().StringArray("trait", nil, "required node trait (repeatable)")
}
