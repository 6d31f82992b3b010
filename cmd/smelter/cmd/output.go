package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/smelterhq/smelter/internal/provisioner"
)

// printInstance writes a short human readable summary of an instance.
func printInstance(ctx context.Context, inst *provisioner.Instance) {
	name := inst.Hostname()
	if name == "" {
		name = "<no hostname>"
	}
	fmt.Printf("%s (node %s, state %s)\n", name, inst.Node.Describe(), inst.State())

	ips, err := inst.IPAddresses(ctx)
	if err != nil {
		fmt.Printf("  addresses unavailable: %v\n", err)
		return
	}
	networks := make([]string, 0, len(ips))
	for network := range ips {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	for _, network := range networks {
		fmt.Printf("  %s: %s\n", network, strings.Join(ips[network], ", "))
	}
}
