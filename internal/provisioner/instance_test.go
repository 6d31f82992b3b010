package provisioner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smelterhq/smelter/internal/baremetal"
)

func TestDeriveStateTable(t *testing.T) {
	cases := []struct {
		name           string
		provisionState string
		maintenance    bool
		hasReservation bool
		want           State
	}{
		{"deploying", "deploying", false, false, StateDeploying},
		{"wait callback", "wait call-back", false, false, StateDeploying},
		{"deploy complete", "deploy complete", false, false, StateDeploying},
		{"available reserved", "available", false, true, StateDeploying},
		{"available unreserved", "available", false, false, StateUnknown},
		{"error", "error", false, false, StateError},
		{"deploy failed", "deploy failed", false, false, StateError},
		{"error in maintenance", "error", true, false, StateError},
		{"active", "active", false, false, StateActive},
		{"active maintenance", "active", true, false, StateMaintenance},
		{"cleaning", "cleaning", false, false, StateUnknown},
		{"unmapped string", "some future state", false, true, StateUnknown},
		{"empty string", "", false, false, StateUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveState(tc.provisionState, tc.maintenance, tc.hasReservation)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestInstancePredicates(t *testing.T) {
	active := &Instance{Node: &baremetal.Node{ProvisionState: "active"}}
	assert.True(t, active.IsDeployed())
	assert.True(t, active.IsHealthy())

	maintenance := &Instance{Node: &baremetal.Node{ProvisionState: "active", Maintenance: true}}
	assert.True(t, maintenance.IsDeployed())
	assert.False(t, maintenance.IsHealthy())

	deploying := &Instance{Node: &baremetal.Node{ProvisionState: "deploying"}}
	assert.False(t, deploying.IsDeployed())
	assert.True(t, deploying.IsHealthy())

	failed := &Instance{Node: &baremetal.Node{ProvisionState: "deploy failed"}}
	assert.False(t, failed.IsDeployed())
	assert.False(t, failed.IsHealthy())
}

func TestInstanceHostname(t *testing.T) {
	fromInfo := &Instance{Node: &baremetal.Node{
		InstanceInfo: map[string]any{hostnameInfoKey: "web-0"},
	}}
	assert.Equal(t, "web-0", fromInfo.Hostname())

	fromAlloc := &Instance{
		Node:       &baremetal.Node{InstanceInfo: map[string]any{}},
		Allocation: &baremetal.Allocation{Name: "web-1"},
	}
	assert.Equal(t, "web-1", fromAlloc.Hostname())

	neither := &Instance{Node: &baremetal.Node{}}
	assert.Equal(t, "", neither.Hostname())
}

func TestInstanceIPAddresses(t *testing.T) {
	fake := baremetal.NewFakeClient()
	fake.AddNode(&baremetal.Node{ID: "n1"})
	fake.AddNetwork(&baremetal.Network{ID: "net-1", Name: "provisioning"})
	fake.AddPort(&baremetal.Port{
		ID:        "port-1",
		NetworkID: "net-1",
		FixedIPs: []baremetal.FixedIP{
			{SubnetID: "subnet-1", IPAddress: "10.0.0.5"},
			{SubnetID: "subnet-2", IPAddress: "10.1.0.5"},
		},
	})
	require.NoError(t, fake.AttachVIF(context.Background(), "n1", "port-1"))

	inst := &Instance{Node: fake.Nodes["n1"], client: fake}
	ips, err := inst.IPAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"provisioning": {"10.0.0.5", "10.1.0.5"},
	}, ips)
}
