package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

// DefaultAllocationTimeout bounds how long a single reservation attempt
// may wait for the control plane to resolve an allocation.
const DefaultAllocationTimeout = 2 * time.Minute

// ReserveOpts configures a reservation attempt.
type ReserveOpts struct {
	// Hostname becomes the allocation name. When empty a unique name is
	// generated; the allocation name is immutable afterwards.
	Hostname      string
	ResourceClass string
	Traits        []string
	// Capabilities are propagated onto the winning node's instance
	// metadata after a successful reservation.
	Capabilities      map[string]string
	AllocationTimeout time.Duration
	// DryRun returns the first candidate unmodified without any side
	// effects.
	DryRun bool
}

// Reserver claims exactly one node out of an ordered candidate list.
type Reserver struct {
	nodes       baremetal.NodeDirectory
	allocations baremetal.AllocationDirectory
	log         *logger.Logger
}

// NewReserver builds a Reserver.
func NewReserver(nodes baremetal.NodeDirectory, allocations baremetal.AllocationDirectory, log *logger.Logger) *Reserver {
	return &Reserver{
		nodes:       nodes,
		allocations: allocations,
		log:         log.WithComponent("scheduler.reserver"),
	}
}

// Reserve tries the candidates strictly in list order. Each candidate
// is validated against the control plane first; a validation failure is
// recorded and the next candidate is tried. A validated candidate is
// claimed through an allocation scoped to exactly that node, waiting
// for the control plane to resolve it. Once a candidate wins, no
// further candidates are attempted. If every candidate fails, the
// aggregate error carries all recorded failures.
func (r *Reserver) Reserve(ctx context.Context, candidates []baremetal.Node, opts ReserveOpts) (*baremetal.Node, *baremetal.Allocation, error) {
	if len(candidates) == 0 {
		return nil, nil, &NodesNotFoundError{ResourceClass: opts.ResourceClass}
	}

	if opts.DryRun {
		r.log.WarnContext(ctx, "dry run, not reserving any node",
			slog.String("candidate", candidates[0].Describe()))
		return &candidates[0], nil, nil
	}

	timeout := opts.AllocationTimeout
	if timeout <= 0 {
		timeout = DefaultAllocationTimeout
	}

	var failures []AttemptFailure
	for i := range candidates {
		candidate := &candidates[i]

		if err := r.nodes.ValidateNode(ctx, candidate.ID); err != nil {
			r.log.WarnContext(ctx, "candidate failed validation, trying next",
				slog.String("node", candidate.Describe()),
				slog.String("error", err.Error()))
			failures = append(failures, AttemptFailure{
				Node: *candidate,
				Err:  &ValidationError{Node: *candidate, Err: err},
			})
			continue
		}

		node, alloc, err := r.claim(ctx, candidate, opts, timeout)
		if err == nil {
			r.log.InfoContext(ctx, "node reserved",
				slog.String("node", node.Describe()),
				slog.String("allocation", alloc.Describe()))
			return node, alloc, nil
		}

		var fatal *capabilityPatchError
		if errors.As(err, &fatal) {
			// Post-reservation metadata patching is fatal: the
			// allocation has already been cleaned up, surface as-is.
			return nil, nil, fatal.err
		}

		r.log.WarnContext(ctx, "candidate could not be reserved, trying next",
			slog.String("node", candidate.Describe()),
			slog.String("error", err.Error()))
		failures = append(failures, AttemptFailure{Node: *candidate, Err: err})
	}

	return nil, nil, &AllCandidatesReservedError{
		ResourceClass: opts.ResourceClass,
		Failures:      failures,
	}
}

// capabilityPatchError marks a post-reservation patch failure, which
// aborts the whole attempt instead of moving to the next candidate.
type capabilityPatchError struct {
	err error
}

func (e *capabilityPatchError) Error() string { return e.err.Error() }

func (r *Reserver) claim(ctx context.Context, candidate *baremetal.Node, opts ReserveOpts, timeout time.Duration) (*baremetal.Node, *baremetal.Allocation, error) {
	name := opts.Hostname
	if name == "" {
		name = "smelter-" + uuid.NewString()
	}

	alloc, err := r.allocations.CreateAllocation(ctx, baremetal.CreateAllocationOpts{
		Name:           name,
		ResourceClass:  opts.ResourceClass,
		Traits:         opts.Traits,
		CandidateNodes: []string{candidate.ID},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("requesting allocation: %w", err)
	}

	resolved, err := r.allocations.WaitForAllocation(ctx, alloc.ID, timeout)
	if err != nil {
		r.deleteAllocation(ctx, alloc)
		return nil, nil, fmt.Errorf("waiting for allocation %s: %w", alloc.Describe(), err)
	}

	node, err := r.nodes.GetNode(ctx, resolved.NodeID)
	if err != nil {
		r.deleteAllocation(ctx, resolved)
		return nil, nil, fmt.Errorf("fetching reserved node %s: %w", resolved.NodeID, err)
	}

	if len(opts.Capabilities) > 0 {
		patch := []baremetal.Patch{
			baremetal.AddPatch("/instance_info/capabilities", opts.Capabilities),
		}
		if node, err = r.nodes.UpdateNode(ctx, node.ID, patch); err != nil {
			// The allocation was created by this call, so it must not
			// be left pointing at an unpatched node.
			r.deleteAllocation(ctx, resolved)
			return nil, nil, &capabilityPatchError{
				err: fmt.Errorf("patching capabilities onto node %s: %w", resolved.NodeID, err),
			}
		}
	}

	return node, resolved, nil
}

func (r *Reserver) deleteAllocation(ctx context.Context, alloc *baremetal.Allocation) {
	if err := r.allocations.DeleteAllocation(ctx, alloc.ID); err != nil && !baremetal.IsNotFound(err) {
		r.log.WarnContext(ctx, "failed to delete allocation during cleanup",
			slog.String("allocation", alloc.Describe()),
			slog.String("error", err.Error()))
	}
}
