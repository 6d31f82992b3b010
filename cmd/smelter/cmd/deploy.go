package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/smelterhq/smelter/internal/batch"
	"github.com/smelterhq/smelter/internal/configdrive"
	"github.com/smelterhq/smelter/internal/image"
	"github.com/smelterhq/smelter/internal/provisioner"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Reserve nodes and deploy an image onto them",
	Long: `Reserve one node per requested hostname, attach the requested NICs,
write the image and first-boot configuration and trigger the deploy.

Examples:
  # Deploy a catalog image onto any node of a resource class
  smelter deploy --resource-class compute --image centos9 --nic network=provisioning --hostname web-0

  # Deploy a whole-disk image from a URL onto a specific node
  smelter deploy --candidate node-3 --image https://example.com/disk.img \
    --checksum https://example.com/SHA256SUMS --nic port=4b85444f

  # Deploy four instances, two at a time
  smelter deploy --resource-class compute --image centos9 --nic network=provisioning \
    --hostname web-0 --hostname web-1 --hostname web-2 --hostname web-3 --concurrency 2`,
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

		imageRef, _ := cmd.Flags().GetString("image")
		kernel, _ := cmd.Flags().GetString("kernel")
		ramdisk, _ := cmd.Flags().GetString("ramdisk")
		checksum, _ := cmd.Flags().GetString("checksum")
		src, err := image.Detect(imageRef, kernel, ramdisk, checksum)
		if err != nil {
			return err
		}

		nicSpecs, _ := cmd.Flags().GetStringArray("nic")
		nics := make([]provisioner.NIC, 0, len(nicSpecs))
		for _, spec := range nicSpecs {
			nic, err := parseNIC(spec)
			if err != nil {
				return err
			}
			nics = append(nics, nic)
		}

		capFlags, _ := cmd.Flags().GetStringArray("capability")
		capabilities, err := parseKeyValues(capFlags)
		if err != nil {
			return err
		}

		drive, err := buildConfigDrive(cmd)
		if err != nil {
			return err
		}

		resourceClass, _ := cmd.Flags().GetString("resource-class")
		if resourceClass == "" {
			resourceClass = cfg.Defaults.ResourceClass
		}
		traits, _ := cmd.Flags().GetStringArray("trait")
		candidates, _ := cmd.Flags().GetStringArray("candidate")
		hostnames, _ := cmd.Flags().GetStringArray("hostname")
		if len(hostnames) == 0 {
			hostnames = []string{""}
		}
		rootSize, _ := cmd.Flags().GetInt("root-size")
		swapSize, _ := cmd.Flags().GetInt("swap-size")
		netBoot, _ := cmd.Flags().GetBool("netboot")

		var conductorGroup *string
		if cmd.Flags().Changed("conductor-group") {
			group, _ := cmd.Flags().GetString("conductor-group")
			conductorGroup = &group
		}

		specs := make([]batch.InstanceSpec, 0, len(hostnames))
		for _, hostname := range hostnames {
			specs = append(specs, batch.InstanceSpec{
				Hostname:       hostname,
				ResourceClass:  resourceClass,
				ConductorGroup: conductorGroup,
				Candidates:     candidates,
				Capabilities:   capabilities,
				Traits:         traits,
				Image:          src,
				NICs:           nics,
				RootSizeGB:     rootSize,
				SwapSizeMB:     swapSize,
				NetBoot:        netBoot,
				Config:         drive,
			})
		}

		wait := cfg.Defaults.WaitTimeout
		if cmd.Flags().Changed("timeout") {
			wait, _ = cmd.Flags().GetDuration("timeout")
		}
		if noWait, _ := cmd.Flags().GetBool("no-wait"); noWait {
			wait = 0
		}

		concurrency := cfg.Batch.Concurrency
		if cmd.Flags().Changed("concurrency") {
			concurrency, _ = cmd.Flags().GetInt("concurrency")
		}
		cleanUp := cfg.Batch.CleanUp
		if noCleanUp, _ := cmd.Flags().GetBool("no-clean-up"); noCleanUp {
			cleanUp = false
		}

		coordinator := batch.NewCoordinator(prov, log)
		instances, err := coordinator.Provision(ctx, specs, batch.Options{
			Concurrency:    concurrency,
			CleanUp:        cleanUp,
			Wait:           wait,
			ReserveTimeout: cfg.Defaults.ReserveTimeout,
		})
		if err != nil {
			return err
		}

		for _, inst := range instances {
			printInstance(ctx, inst)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().String("image", "", "image name, ID or URL to deploy (required)")
	deployCmd.Flags().String("kernel", "", "kernel URL for HTTP partition images")
	deployCmd.Flags().String("ramdisk", "", "ramdisk URL for HTTP partition images")
	deployCmd.Flags().String("checksum", "", "checksum value or checksum file URL for HTTP images")
	deployCmd.Flags().StringArray("nic", nil, "NIC to attach: network=NAME, subnet=NAME or port=ID, optionally with fixed-ip=ADDR (repeatable)")
	deployCmd.Flags().String("resource-class", "", "resource class to schedule on")
	deployCmd.Flags().String("conductor-group", "", "conductor group to restrict scheduling to")
	deployCmd.Flags().StringArray("candidate", nil, "candidate node name or ID (repeatable)")
	deployCmd.Flags().StringArray("hostname", nil, "hostname to deploy, one instance per value (repeatable)")
	deployCmd.Flags().StringArray("capability", nil, "required node capability as key=value (repeatable)")
	deployCmd.Flags().StringArray("trait", nil, "required node trait (repeatable)")
	deployCmd.Flags().Int("root-size", 0, "root partition size in GiB (default: disk size minus one)")
	deployCmd.Flags().Int("swap-size", 0, "swap partition size in MiB")
	deployCmd.Flags().Bool("netboot", false, "boot the deployed instance over the network instead of locally")
	deployCmd.Flags().StringArray("ssh-public-key", nil, "path to an SSH public key to authorize (repeatable)")
	deployCmd.Flags().String("user-data", "", "path to a YAML cloud-config file to merge into the first boot")
	deployCmd.Flags().Duration("timeout", 0, "how long to wait for deploys to finish")
	deployCmd.Flags().Bool("no-wait", false, "return right after the deploys are triggered")
	deployCmd.Flags().Int("concurrency", 0, "how many deploys to run at once (default: all)")
	deployCmd.Flags().Bool("no-clean-up", false, "keep partial results on failure instead of tearing the batch down")

	deployCmd.MarkFlagRequired("image")
	deployCmd.MarkFlagRequired("nic")
}

// parseNIC parses a --nic value of comma separated key=value pairs.
func parseNIC(spec string) (provisioner.NIC, error) {
	var nic provisioner.NIC
	for _, part := range strings.Split(spec, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found || value == "" {
			return nic, fmt.Errorf("invalid NIC field %q in %q, expected key=value", part, spec)
		}
		switch key {
		case "network":
			nic.Network = value
		case "subnet":
			nic.Subnet = value
		case "port":
			nic.Port = value
		case "fixed-ip":
			nic.FixedIP = value
		default:
			return nic, fmt.Errorf("unknown NIC field %q in %q", key, spec)
		}
	}
	return nic, nil
}

// parseKeyValues parses repeated key=value flags into a map.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid value %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

// buildConfigDrive assembles the first-boot configuration from the SSH
// key and user-data flags.
func buildConfigDrive(cmd *cobra.Command) (*configdrive.Config, error) {
	drive := &configdrive.Config{}

	keyPaths, _ := cmd.Flags().GetStringArray("ssh-public-key")
	for _, path := range keyPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading SSH public key: %w", err)
		}
		drive.SSHKeys = append(drive.SSHKeys, strings.TrimSpace(string(data)))
	}

	if userDataPath, _ := cmd.Flags().GetString("user-data"); userDataPath != "" {
		data, err := os.ReadFile(userDataPath)
		if err != nil {
			return nil, fmt.Errorf("reading user data: %w", err)
		}
		if err := yaml.Unmarshal(data, &drive.UserData); err != nil {
			return nil, fmt.Errorf("parsing user data: %w", err)
		}
	}

	return drive, nil
}
