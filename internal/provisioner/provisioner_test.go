package provisioner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/image"
	"github.com/smelterhq/smelter/internal/scheduler"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

func newFixture(t *testing.T) (*baremetal.FakeClient, *Provisioner) {
	t.Helper()
	fake := baremetal.NewFakeClient()
	return fake, New(fake, logger.NewNop(), Options{})
}

func seedDeployable(fake *baremetal.FakeClient) *baremetal.Node {
	fake.AddImage(&baremetal.Image{ID: "img-1", Name: "centos"})
	fake.AddNetwork(
		&baremetal.Network{ID: "net-1", Name: "provisioning", MTU: 1500},
		&baremetal.Subnet{ID: "subnet-1", CIDR: "10.0.0.0/24", IPVersion: 4, DHCPEnabled: true},
	)
	return fake.AddNode(&baremetal.Node{
		ID:            "n1",
		Name:          "machine-1",
		ResourceClass: "compute",
		Properties:    map[string]any{"local_gb": 100},
	})
}

func deployRequest() ProvisionRequest {
	return ProvisionRequest{
		Image:    image.NewGlanceSource("centos"),
		NICs:     []NIC{{Network: "provisioning"}},
		Hostname: "web-0",
		Wait:     time.Minute,
	}
}

func TestProvisionHappyPath(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)

	inst, err := p.Provision(context.Background(), "machine-1", deployRequest())
	require.NoError(t, err)

	assert.Equal(t, StateActive, inst.State())
	assert.Equal(t, "web-0", inst.Hostname())

	node := fake.Nodes["n1"]
	assert.Equal(t, "img-1", node.InstanceInfo["image_source"])
	assert.Equal(t, 99, node.InstanceInfo["root_gb"])
	assert.Equal(t, "web-0", node.InstanceInfo["display_name"])
	caps := node.InstanceInfo["capabilities"].(map[string]string)
	assert.Equal(t, "local", caps["boot_option"])

	created := node.Extra[createdPortsExtraKey].([]string)
	attached := node.Extra[attachedPortsExtraKey].([]string)
	require.Len(t, created, 1)
	assert.Equal(t, created, attached)
	assert.True(t, fake.VIFs["n1"][created[0]])

	// The allocation carries the hostname.
	require.Len(t, fake.Allocations, 1)
	for _, alloc := range fake.Allocations {
		assert.Equal(t, "web-0", alloc.Name)
		assert.Equal(t, "n1", alloc.NodeID)
	}
	assert.Equal(t, []string{"n1->active"}, fake.CallsTo("SetProvisionState"))
}

func TestProvisionNetBootAndSizing(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)

	req := deployRequest()
	req.NetBoot = true
	req.RootSizeGB = 42
	req.SwapSizeMB = 4096
	req.Capabilities = map[string]string{"boot_mode": "uefi"}
	req.Traits = []string{"CUSTOM_GPU"}

	_, err := p.Provision(context.Background(), "n1", req)
	require.NoError(t, err)

	node := fake.Nodes["n1"]
	assert.Equal(t, 42, node.InstanceInfo["root_gb"])
	assert.Equal(t, 4096, node.InstanceInfo["swap_mb"])
	caps := node.InstanceInfo["capabilities"].(map[string]string)
	assert.Equal(t, "netboot", caps["boot_option"])
	assert.Equal(t, "uefi", caps["boot_mode"])
	assert.Equal(t, []string{"CUSTOM_GPU"}, node.InstanceInfo["traits"])
}

func TestProvisionPreservesJSONDecodedCapabilities(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)

	// Capabilities patched before the deploy come back from the control
	// plane JSON-decoded as map[string]any.
	fake.Nodes["n1"].InstanceInfo = map[string]any{
		"capabilities": map[string]any{"boot_mode": "uefi"},
	}

	_, err := p.Provision(context.Background(), "n1", deployRequest())
	require.NoError(t, err)

	caps := fake.Nodes["n1"].InstanceInfo["capabilities"].(map[string]string)
	assert.Equal(t, "uefi", caps["boot_mode"])
	assert.Equal(t, "local", caps["boot_option"])
}

func TestProvisionAttachFailureRollsBack(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)
	attachErr := errors.New("VIF attach refused")
	fake.AttachVIFFunc = func(context.Context, string, string) error {
		return attachErr
	}

	_, err := p.Provision(context.Background(), "n1", deployRequest())

	var depErr *DeploymentError
	require.ErrorAs(t, err, &depErr)
	assert.ErrorIs(t, err, attachErr)

	// Created port deleted, tracking empty, own allocation removed.
	assert.Empty(t, fake.Ports)
	node := fake.Nodes["n1"]
	assert.NotContains(t, node.Extra, createdPortsExtraKey)
	assert.NotContains(t, node.Extra, attachedPortsExtraKey)
	assert.Empty(t, fake.Allocations)
	assert.Equal(t, "", node.AllocationID)
	assert.Empty(t, node.InstanceInfo)
}

func TestProvisionRollbackKeepsPreExistingAllocation(t *testing.T) {
	fake, p := newFixture(t)
	node := seedDeployable(fake)

	alloc, err := fake.CreateAllocation(context.Background(), baremetal.CreateAllocationOpts{
		Name:           "web-0",
		CandidateNodes: []string{"n1"},
	})
	require.NoError(t, err)
	require.Equal(t, alloc.ID, node.AllocationID)

	fake.AttachVIFFunc = func(context.Context, string, string) error {
		return errors.New("boom")
	}

	_, err = p.Provision(context.Background(), "n1", deployRequest())
	require.Error(t, err)

	// The reservation pre-existed this call, so it survives rollback.
	assert.Len(t, fake.Allocations, 1)
	assert.Equal(t, alloc.ID, fake.Nodes["n1"].AllocationID)
}

func TestProvisionNoRollbackLeavesFailureState(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)
	fake.AttachVIFFunc = func(context.Context, string, string) error {
		return errors.New("boom")
	}

	req := deployRequest()
	req.NoRollback = true
	_, err := p.Provision(context.Background(), "n1", req)
	require.Error(t, err)

	assert.Len(t, fake.Ports, 1)
	assert.Len(t, fake.Allocations, 1)
}

func TestProvisionWaitTimeout(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)
	fake.WaitForProvisionStateFunc = func(_ context.Context, nodeID, expected string, timeout time.Duration) (*baremetal.Node, error) {
		return nil, &baremetal.DeadlineError{Resource: "node " + nodeID, Target: expected, Timeout: timeout}
	}

	_, err := p.Provision(context.Background(), "n1", deployRequest())

	var timeoutErr *DeploymentTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.NotErrorAs(t, err, new(*DeploymentError))
}

func TestProvisionPreChecksHaveNoSideEffects(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(fake *baremetal.FakeClient, req *ProvisionRequest)
		errKind any
	}{
		{
			name: "maintenance node",
			mutate: func(fake *baremetal.FakeClient, _ *ProvisionRequest) {
				fake.Nodes["n1"].Maintenance = true
			},
			errKind: new(*InvalidNodeError),
		},
		{
			name: "unknown root disk size",
			mutate: func(fake *baremetal.FakeClient, _ *ProvisionRequest) {
				delete(fake.Nodes["n1"].Properties, "local_gb")
			},
			errKind: new(*UnknownRootDiskSizeError),
		},
		{
			name: "invalid reported capacity",
			mutate: func(fake *baremetal.FakeClient, _ *ProvisionRequest) {
				fake.Nodes["n1"].Properties["local_gb"] = "not a number"
			},
			errKind: new(*UnknownRootDiskSizeError),
		},
		{
			name: "missing image",
			mutate: func(_ *baremetal.FakeClient, req *ProvisionRequest) {
				req.Image = image.NewGlanceSource("missing")
			},
			errKind: new(*InvalidImageError),
		},
		{
			name: "missing network",
			mutate: func(_ *baremetal.FakeClient, req *ProvisionRequest) {
				req.NICs = []NIC{{Network: "missing"}}
			},
			errKind: new(*InvalidNICError),
		},
		{
			name: "ambiguous NIC descriptor",
			mutate: func(_ *baremetal.FakeClient, req *ProvisionRequest) {
				req.NICs = []NIC{{Network: "provisioning", Subnet: "subnet-1"}}
			},
			errKind: new(*InvalidNICError),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake, p := newFixture(t)
			seedDeployable(fake)
			req := deployRequest()
			tc.mutate(fake, &req)

			_, err := p.Provision(context.Background(), "n1", req)
			require.Error(t, err)
			assert.ErrorAs(t, err, tc.errKind)

			// Zero side effects: no ports, no allocations, untouched
			// metadata.
			assert.Empty(t, fake.Ports)
			assert.Empty(t, fake.Allocations)
			assert.Empty(t, fake.Nodes["n1"].InstanceInfo)
			assert.Empty(t, fake.CallsTo("SetProvisionState"))
		})
	}
}

func TestProvisionHostnameMismatchIsFatal(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)
	_, err := fake.CreateAllocation(context.Background(), baremetal.CreateAllocationOpts{
		Name:           "web-0",
		CandidateNodes: []string{"n1"},
	})
	require.NoError(t, err)

	req := deployRequest()
	req.Hostname = "other-name"
	_, err = p.Provision(context.Background(), "n1", req)

	var invalid *InvalidNodeError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Message, "cannot be changed")
	assert.Empty(t, fake.Ports)
}

func TestProvisionHostnameTakenByAnotherNode(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)
	fake.AddNode(&baremetal.Node{ID: "n2", ResourceClass: "compute"})
	_, err := fake.CreateAllocation(context.Background(), baremetal.CreateAllocationOpts{
		Name:           "web-0",
		CandidateNodes: []string{"n2"},
	})
	require.NoError(t, err)

	_, err = p.Provision(context.Background(), "n1", deployRequest())

	var invalid *InvalidNodeError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Message, "already taken")
}

func TestProvisionMissingNode(t *testing.T) {
	_, p := newFixture(t)
	_, err := p.Provision(context.Background(), "ghost", deployRequest())

	var notFound *InstanceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.Ident)
}

func TestProvisionDryRunHasNoSideEffects(t *testing.T) {
	fake := baremetal.NewFakeClient()
	seedDeployable(fake)
	p := New(fake, logger.NewNop(), Options{DryRun: true})

	inst, err := p.Provision(context.Background(), "n1", deployRequest())
	require.NoError(t, err)
	assert.Equal(t, "n1", inst.Node.ID)

	assert.Empty(t, fake.Ports)
	assert.Empty(t, fake.Allocations)
	assert.Empty(t, fake.CallsTo("SetProvisionState"))
}

func TestUnprovisionIsIdempotent(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)

	_, err := p.Provision(context.Background(), "n1", deployRequest())
	require.NoError(t, err)

	node, err := p.Unprovision(context.Background(), "n1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, baremetal.StateAvailable, node.ProvisionState)
	assert.Equal(t, "", node.AllocationID)
	assert.Empty(t, fake.Ports)
	assert.Empty(t, fake.Allocations)
	assert.NotContains(t, node.Extra, createdPortsExtraKey)

	// Running it again must not error: everything is already absent.
	node, err = p.Unprovision(context.Background(), "n1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, baremetal.StateAvailable, node.ProvisionState)
}

func TestUnprovisionClearsLegacyReservation(t *testing.T) {
	fake, p := newFixture(t)
	node := seedDeployable(fake)
	node.InstanceID = "legacy-instance"

	out, err := p.Unprovision(context.Background(), "n1", 0)
	require.NoError(t, err)
	assert.Equal(t, "", out.InstanceID)
}

func TestUnprovisionMissingNode(t *testing.T) {
	_, p := newFixture(t)
	_, err := p.Unprovision(context.Background(), "ghost", 0)

	var notFound *InstanceNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestScheduleAndReserveScenario(t *testing.T) {
	fake, p := newFixture(t)
	fake.AddNode(&baremetal.Node{
		ID: "x", ResourceClass: "compute",
		Properties: map[string]any{"capabilities": "a:1"},
	})
	fake.AddNode(&baremetal.Node{
		ID: "y", ResourceClass: "compute",
		Properties: map[string]any{"capabilities": "a:2"},
	})
	fake.AddNode(&baremetal.Node{
		ID: "z", ResourceClass: "compute",
		Properties: map[string]any{"capabilities": "a:2"},
	})

	node, alloc, err := p.ScheduleAndReserve(context.Background(), ReserveRequest{
		ResourceClass: "compute",
		Capabilities:  map[string]string{"a": "2"},
		Candidates:    []string{"x", "y", "z"},
		Hostname:      "web-0",
	})
	require.NoError(t, err)

	// x is filtered out, y is first in the remaining order and wins.
	assert.Equal(t, "y", node.ID)
	assert.Equal(t, "web-0", alloc.Name)
	assert.Equal(t, []string{"y"}, fake.CallsTo("ValidateNode"))
}

func TestScheduleAndReserveNoTraitsObserved(t *testing.T) {
	fake, p := newFixture(t)
	fake.AddNode(&baremetal.Node{ID: "n1", ResourceClass: "compute"})
	fake.AddNode(&baremetal.Node{ID: "n2", ResourceClass: "compute"})

	_, _, err := p.ScheduleAndReserve(context.Background(), ReserveRequest{
		ResourceClass: "compute",
		Traits:        []string{"CUSTOM_GPU"},
	})

	var traitsErr *scheduler.TraitsNotFoundError
	require.ErrorAs(t, err, &traitsErr)
	assert.Empty(t, traitsErr.Observed)
}

func TestScheduleAndReserveNoNodesOfClass(t *testing.T) {
	_, p := newFixture(t)
	_, _, err := p.ScheduleAndReserve(context.Background(), ReserveRequest{
		ResourceClass: "compute",
	})

	var notFound *scheduler.NodesNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListAndShowInstances(t *testing.T) {
	fake, p := newFixture(t)
	seedDeployable(fake)

	inst, err := p.Provision(context.Background(), "n1", deployRequest())
	require.NoError(t, err)
	require.Equal(t, StateActive, inst.State())

	// A foreign associated node without smelter metadata is skipped.
	foreign := fake.AddNode(&baremetal.Node{ID: "foreign", ResourceClass: "compute"})
	foreign.InstanceID = "someone-else"

	listed, err := p.ListInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "n1", listed[0].Node.ID)
	assert.Equal(t, "web-0", listed[0].Hostname())
	require.NotNil(t, listed[0].Allocation)

	// Show resolves by hostname and by node ID.
	shown, err := p.ShowInstances(context.Background(), []string{"web-0", "n1"})
	require.NoError(t, err)
	require.Len(t, shown, 2)
	assert.Equal(t, "n1", shown[0].Node.ID)
	assert.Equal(t, "n1", shown[1].Node.ID)

	_, err = p.ShowInstances(context.Background(), []string{"ghost"})
	var notFound *InstanceNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRootDiskSize(t *testing.T) {
	node := &baremetal.Node{ID: "n1", Properties: map[string]any{"local_gb": "250"}}

	size, err := rootDiskSize(0, node)
	require.NoError(t, err)
	assert.Equal(t, 249, size)

	size, err = rootDiskSize(10, node)
	require.NoError(t, err)
	assert.Equal(t, 10, size)

	node.Properties["local_gb"] = 0
	_, err = rootDiskSize(0, node)
	var unknown *UnknownRootDiskSizeError
	require.ErrorAs(t, err, &unknown)

	_, err = rootDiskSize(-5, node)
	require.ErrorAs(t, err, &unknown)
}
