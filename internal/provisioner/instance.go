package provisioner

import (
	"context"
	"fmt"

	"github.com/smelterhq/smelter/internal/baremetal"
)

// State is the normalized lifecycle state of an instance.
type State string

const (
	// StateDeploying means deployment is in progress, or the node is
	// reserved but the deploy has not started yet.
	StateDeploying State = "deploying"
	// StateActive means the node is provisioned and healthy.
	StateActive State = "active"
	// StateMaintenance means the node is provisioned but under
	// maintenance.
	StateMaintenance State = "maintenance"
	// StateError means the deploy failed or the node is at fault.
	StateError State = "error"
	// StateUnknown covers unprovisioned nodes and states introduced by
	// a third party.
	StateUnknown State = "unknown"
)

// DeriveState maps raw control-plane fields to a normalized state. It
// is total: provision states outside the documented set yield
// StateUnknown, never an error.
func DeriveState(provisionState string, maintenance, hasReservation bool) State {
	switch provisionState {
	case baremetal.StateDeploying, baremetal.StateWaitCallback, baremetal.StateDeployComplete:
		return StateDeploying
	case baremetal.StateAvailable:
		// A reserved node sits in available between claiming and the
		// actual deploy trigger.
		if hasReservation {
			return StateDeploying
		}
		return StateUnknown
	case baremetal.StateError, baremetal.StateDeployFailed:
		return StateError
	case baremetal.StateActive:
		if maintenance {
			return StateMaintenance
		}
		return StateActive
	default:
		return StateUnknown
	}
}

// Instance is a read-only composition of a node and its allocation with
// a computed lifecycle state. It is derived on demand, never stored.
type Instance struct {
	Node       *baremetal.Node
	Allocation *baremetal.Allocation

	client baremetal.Client
}

// ID returns the instance identifier, which is the node ID.
func (i *Instance) ID() string {
	return i.Node.ID
}

// Hostname returns the hostname recorded for this instance, falling
// back to the allocation name.
func (i *Instance) Hostname() string {
	if h, ok := i.Node.InstanceInfo[hostnameInfoKey].(string); ok && h != "" {
		return h
	}
	if i.Allocation != nil {
		return i.Allocation.Name
	}
	return ""
}

// State derives the normalized lifecycle state.
func (i *Instance) State() State {
	return DeriveState(i.Node.ProvisionState, i.Node.Maintenance, i.Node.Reserved())
}

// IsDeployed reports whether the node finished deploying.
func (i *Instance) IsDeployed() bool {
	s := i.State()
	return s == StateActive || s == StateMaintenance
}

// IsHealthy reports whether the node is active or on its way there and
// not under maintenance.
func (i *Instance) IsHealthy() bool {
	s := i.State()
	return (s == StateActive || s == StateDeploying) && !i.Node.Maintenance
}

// IPAddresses returns the instance addresses grouped by network name
// (or ID when the network is unnamed), resolved through the attached
// VIFs.
func (i *Instance) IPAddresses(ctx context.Context) (map[string][]string, error) {
	vifs, err := i.client.ListNodeVIFs(ctx, i.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("listing VIFs of node %s: %w", i.Node.Describe(), err)
	}

	result := map[string][]string{}
	for _, vif := range vifs {
		port, err := i.client.GetPort(ctx, vif)
		if err != nil {
			return nil, fmt.Errorf("fetching port %s: %w", vif, err)
		}
		network, err := i.client.GetNetwork(ctx, port.NetworkID)
		if err != nil {
			return nil, fmt.Errorf("fetching network %s: %w", port.NetworkID, err)
		}
		key := network.Name
		if key == "" {
			key = network.ID
		}
		for _, fip := range port.FixedIPs {
			if fip.IPAddress != "" {
				result[key] = append(result[key], fip.IPAddress)
			}
		}
	}
	return result, nil
}
