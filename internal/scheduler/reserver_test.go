package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

func newReserverFixture(t *testing.T) (*baremetal.FakeClient, *Reserver) {
	t.Helper()
	fake := baremetal.NewFakeClient()
	return fake, NewReserver(fake, fake, logger.NewNop())
}

func TestReserveTakesFirstCandidate(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})
	fake.AddNode(&baremetal.Node{ID: "z"})

	candidates := []baremetal.Node{*fake.Nodes["y"], *fake.Nodes["z"]}
	node, alloc, err := r.Reserve(context.Background(), candidates, ReserveOpts{Hostname: "web-0"})
	require.NoError(t, err)

	assert.Equal(t, "y", node.ID)
	assert.Equal(t, "web-0", alloc.Name)
	assert.Equal(t, "y", alloc.NodeID)
	assert.Equal(t, alloc.ID, fake.Nodes["y"].AllocationID)

	// Later candidates are never touched once one wins.
	assert.Equal(t, []string{"y"}, fake.CallsTo("ValidateNode"))
	assert.Equal(t, []string{"web-0"}, fake.CallsTo("CreateAllocation"))
}

func TestReserveSkipsCandidateFailingValidation(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})
	fake.AddNode(&baremetal.Node{ID: "z"})
	fake.ValidateNodeFunc = func(_ context.Context, nodeID string) error {
		if nodeID == "y" {
			return errors.New("power interface not reachable")
		}
		return nil
	}

	candidates := []baremetal.Node{*fake.Nodes["y"], *fake.Nodes["z"]}
	node, _, err := r.Reserve(context.Background(), candidates, ReserveOpts{Hostname: "web-0"})
	require.NoError(t, err)
	assert.Equal(t, "z", node.ID)
}

func TestReserveMovesOnWhenAllocationFails(t *testing.T) {
	fake, r := newReserverFixture(t)
	// y gets claimed between listing and reservation.
	y := fake.AddNode(&baremetal.Node{ID: "y"})
	fake.AddNode(&baremetal.Node{ID: "z"})
	stale := *y
	y.InstanceID = "raced-instance"

	candidates := []baremetal.Node{stale, *fake.Nodes["z"]}
	node, _, err := r.Reserve(context.Background(), candidates, ReserveOpts{})
	require.NoError(t, err)
	assert.Equal(t, "z", node.ID)

	// The failed attempt must not leak its allocation.
	for _, a := range fake.Allocations {
		assert.Equal(t, "z", a.NodeID)
	}
}

func TestReserveAllCandidatesFail(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})
	fake.AddNode(&baremetal.Node{ID: "z"})
	fake.ValidateNodeFunc = func(context.Context, string) error {
		return errors.New("bmc unreachable")
	}

	candidates := []baremetal.Node{*fake.Nodes["y"], *fake.Nodes["z"]}
	_, _, err := r.Reserve(context.Background(), candidates, ReserveOpts{ResourceClass: "compute"})

	var exhausted *AllCandidatesReservedError
	require.ErrorAs(t, err, &exhausted)
	assert.Len(t, exhausted.Failures, 2)
	var validation *ValidationError
	assert.ErrorAs(t, exhausted.Failures[0].Err, &validation)
}

func TestReserveEmptyCandidateList(t *testing.T) {
	_, r := newReserverFixture(t)
	_, _, err := r.Reserve(context.Background(), nil, ReserveOpts{ResourceClass: "compute"})

	var notFound *NodesNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "compute", notFound.ResourceClass)
}

func TestReservePatchesRequestedCapabilities(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})

	candidates := []baremetal.Node{*fake.Nodes["y"]}
	node, _, err := r.Reserve(context.Background(), candidates, ReserveOpts{
		Hostname:     "web-0",
		Capabilities: map[string]string{"boot_mode": "uefi"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		map[string]string{"boot_mode": "uefi"},
		node.InstanceInfo["capabilities"])
}

func TestReserveCapabilityPatchFailureIsFatal(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})
	fake.AddNode(&baremetal.Node{ID: "z"})
	fake.UpdateNodeFunc = func(context.Context, string, []baremetal.Patch) (*baremetal.Node, error) {
		return nil, errors.New("conflict")
	}

	candidates := []baremetal.Node{*fake.Nodes["y"], *fake.Nodes["z"]}
	_, _, err := r.Reserve(context.Background(), candidates, ReserveOpts{
		Hostname:     "web-0",
		Capabilities: map[string]string{"boot_mode": "uefi"},
	})
	require.Error(t, err)

	// The attempt aborts instead of moving to the next candidate, and
	// the allocation created for it is cleaned up.
	assert.NotErrorAs(t, err, new(*AllCandidatesReservedError))
	assert.Empty(t, fake.Allocations)
	assert.Equal(t, []string{"y"}, fake.CallsTo("ValidateNode"))
}

func TestReserveGeneratesAllocationNameWhenHostnameEmpty(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})

	candidates := []baremetal.Node{*fake.Nodes["y"]}
	_, alloc, err := r.Reserve(context.Background(), candidates, ReserveOpts{})
	require.NoError(t, err)
	assert.True(t, len(alloc.Name) > len("smelter-"))
	assert.Contains(t, alloc.Name, "smelter-")
}

func TestReserveDryRunHasNoSideEffects(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})

	candidates := []baremetal.Node{*fake.Nodes["y"]}
	node, alloc, err := r.Reserve(context.Background(), candidates, ReserveOpts{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "y", node.ID)
	assert.Nil(t, alloc)
	assert.Empty(t, fake.Calls)
}

func TestReserveCleansUpWhenWaitTimesOut(t *testing.T) {
	fake, r := newReserverFixture(t)
	fake.AddNode(&baremetal.Node{ID: "y"})
	fake.WaitForAllocationFunc = func(_ context.Context, id string, timeout time.Duration) (*baremetal.Allocation, error) {
		return nil, &baremetal.DeadlineError{Resource: "allocation " + id, Target: "active", Timeout: timeout}
	}

	candidates := []baremetal.Node{*fake.Nodes["y"]}
	_, _, err := r.Reserve(context.Background(), candidates, ReserveOpts{Hostname: "web-0"})
	require.Error(t, err)
	assert.Empty(t, fake.Allocations)
	assert.Equal(t, "", fake.Nodes["y"].AllocationID)
}
