package provisioner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

// NIC describes one requested network attachment. Exactly one of Port,
// Network and Subnet must be set.
type NIC struct {
	// Port attaches a pre-existing port by name or ID. The port is
	// detached on teardown but never deleted.
	Port string `mapstructure:"port"`
	// Network creates a new port on the network, optionally with a
	// fixed IP address.
	Network string `mapstructure:"network"`
	FixedIP string `mapstructure:"fixed_ip"`
	// Subnet creates a new port on the subnet's network with an address
	// from that subnet.
	Subnet string `mapstructure:"subnet"`
}

func (n NIC) describe() string {
	switch {
	case n.Port != "":
		return "port " + n.Port
	case n.Network != "":
		return "network " + n.Network
	case n.Subnet != "":
		return "subnet " + n.Subnet
	default:
		return "<empty NIC>"
	}
}

// resolvedNIC is a validated NIC: either an existing port to attach or
// the options for a port to create.
type resolvedNIC struct {
	existing *baremetal.Port
	create   *baremetal.CreatePortOpts
}

// nicManager resolves NIC descriptors, creates and attaches ports, and
// tracks the created and attached sets for rollback and metadata.
type nicManager struct {
	client baremetal.Client
	log    *logger.Logger
	node   *baremetal.Node

	nics     []NIC
	resolved []resolvedNIC

	createdPorts  []string
	attachedPorts []string
}

func newNICManager(client baremetal.Client, log *logger.Logger, node *baremetal.Node, nics []NIC) *nicManager {
	return &nicManager{
		client: client,
		log:    log.WithComponent("provisioner.nics"),
		node:   node,
		nics:   nics,
	}
}

// validate resolves every descriptor against the network directory.
// No side effects; any failure is an InvalidNICError.
func (m *nicManager) validate(ctx context.Context) error {
	m.resolved = m.resolved[:0]
	for _, nic := range m.nics {
		resolved, err := m.resolveOne(ctx, nic)
		if err != nil {
			return err
		}
		m.resolved = append(m.resolved, resolved)
	}
	return nil
}

func (m *nicManager) resolveOne(ctx context.Context, nic NIC) (resolvedNIC, error) {
	set := 0
	for _, v := range []string{nic.Port, nic.Network, nic.Subnet} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return resolvedNIC{}, NewInvalidNICError(nic.describe(),
			"exactly one of port, network and subnet must be set", nil)
	}

	switch {
	case nic.Port != "":
		if nic.FixedIP != "" {
			return resolvedNIC{}, NewInvalidNICError(nic.describe(),
				"a fixed IP cannot be requested for an existing port", nil)
		}
		port, err := m.client.GetPort(ctx, nic.Port)
		if err != nil {
			return resolvedNIC{}, NewInvalidNICError(nic.describe(), "cannot find port", err)
		}
		return resolvedNIC{existing: port}, nil

	case nic.Network != "":
		network, err := m.client.GetNetwork(ctx, nic.Network)
		if err != nil {
			return resolvedNIC{}, NewInvalidNICError(nic.describe(), "cannot find network", err)
		}
		opts := &baremetal.CreatePortOpts{NetworkID: network.ID}
		if nic.FixedIP != "" {
			opts.FixedIPs = []baremetal.FixedIP{{IPAddress: nic.FixedIP}}
		}
		return resolvedNIC{create: opts}, nil

	default:
		subnet, err := m.client.GetSubnet(ctx, nic.Subnet)
		if err != nil {
			return resolvedNIC{}, NewInvalidNICError(nic.describe(), "cannot find subnet", err)
		}
		if _, err := m.client.GetNetwork(ctx, subnet.NetworkID); err != nil {
			return resolvedNIC{}, NewInvalidNICError(nic.describe(),
				fmt.Sprintf("cannot find network %s of subnet %s", subnet.NetworkID, subnet.ID), err)
		}
		return resolvedNIC{create: &baremetal.CreatePortOpts{
			NetworkID: subnet.NetworkID,
			FixedIPs:  []baremetal.FixedIP{{SubnetID: subnet.ID}},
		}}, nil
	}
}

// createAndAttach creates ports for network/subnet descriptors and
// attaches every port to the node. Ports it created are tracked in the
// created set; every successfully attached port in the attached set.
func (m *nicManager) createAndAttach(ctx context.Context) error {
	for _, nic := range m.resolved {
		port := nic.existing
		if nic.create != nil {
			created, err := m.client.CreatePort(ctx, *nic.create)
			if err != nil {
				return fmt.Errorf("creating port on network %s: %w", nic.create.NetworkID, err)
			}
			m.createdPorts = append(m.createdPorts, created.ID)
			m.log.DebugContext(ctx, "created port",
				slog.String("port", created.Describe()),
				slog.String("network", created.NetworkID))
			port = created
		}

		if err := m.client.AttachVIF(ctx, m.node.ID, port.ID); err != nil {
			return fmt.Errorf("attaching port %s to node %s: %w",
				port.Describe(), m.node.Describe(), err)
		}
		m.attachedPorts = append(m.attachedPorts, port.ID)
		m.log.InfoContext(ctx, "attached port to node",
			slog.String("port", port.Describe()),
			slog.String("node", m.node.Describe()))
	}
	return nil
}

// detachAndDeletePorts tears down a set of ports: every port in either
// set is detached (best-effort, absence tolerated), then every created
// port is deleted. Used by rollback and unprovision, so it must be
// idempotent.
func detachAndDeletePorts(ctx context.Context, client baremetal.Client, log *logger.Logger, node *baremetal.Node, created, attached []string) {
	seen := map[string]struct{}{}
	for _, portID := range append(append([]string{}, attached...), created...) {
		if _, ok := seen[portID]; ok {
			continue
		}
		seen[portID] = struct{}{}
		if err := client.DetachVIF(ctx, node.ID, portID); err != nil {
			log.DebugContext(ctx, "failed to detach VIF, assuming already detached",
				slog.String("port", portID),
				slog.String("node", node.Describe()),
				slog.String("error", err.Error()))
		}
	}

	for _, portID := range created {
		err := client.DeletePort(ctx, portID)
		if err == nil || baremetal.IsNotFound(err) {
			continue
		}
		log.WarnContext(ctx, "failed to delete port",
			slog.String("port", portID), slog.String("error", err.Error()))
	}
}
