// Package baremetal defines the remote control-plane capability set
// consumed by the scheduler and the provisioner, together with an
// OpenStack-backed implementation and an in-memory fake for tests.
package baremetal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a resource does not exist. Cleanup paths
// treat it as "already absent" rather than a failure.
var ErrNotFound = errors.New("resource not found")

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// DeadlineError indicates that a remote wait did not reach the expected
// state within its timeout. Callers map it to their own timeout kinds.
type DeadlineError struct {
	Resource string
	Target   string
	Timeout  time.Duration
}

func (e *DeadlineError) Error() string {
	return "timed out after " + e.Timeout.String() + " waiting for " +
		e.Resource + " to reach state " + e.Target
}

// ListNodesOpts narrows a node listing.
type ListNodesOpts struct {
	ResourceClass  string
	ProvisionState string
	// Associated and Maintenance are tri-state: nil means "any".
	Associated  *bool
	Maintenance *bool
}

// ProvisionOpts accompanies a provision state change request.
type ProvisionOpts struct {
	// ConfigDrive is an opaque structured payload delivered to the
	// instance at first boot. Serialization is the control plane's
	// concern.
	ConfigDrive map[string]any
}

// CreateAllocationOpts describes a reservation request. The control
// plane resolves it to exactly one of the candidate nodes, serializing
// conflicting attempts.
type CreateAllocationOpts struct {
	Name           string
	ResourceClass  string
	Traits         []string
	CandidateNodes []string
}

// CreatePortOpts describes a port to create on a network.
type CreatePortOpts struct {
	NetworkID string
	Name      string
	FixedIPs  []FixedIP
}

// NodeDirectory is the node half of the control plane: list/get/patch
// node records, readiness validation, provision state transitions and
// VIF attachments.
type NodeDirectory interface {
	ListNodes(ctx context.Context, opts ListNodesOpts) ([]Node, error)
	// GetNode resolves a node by ID or name.
	GetNode(ctx context.Context, ident string) (*Node, error)
	UpdateNode(ctx context.Context, nodeID string, patches []Patch) (*Node, error)
	// ValidateNode checks that the power and management subsystems of
	// the node report healthy.
	ValidateNode(ctx context.Context, nodeID string) error
	SetProvisionState(ctx context.Context, nodeID, target string, opts ProvisionOpts) error
	// WaitForProvisionState blocks until the node reaches the expected
	// state, fails, or the timeout elapses (*DeadlineError).
	WaitForProvisionState(ctx context.Context, nodeID, expected string, timeout time.Duration) (*Node, error)
	ListNodeVIFs(ctx context.Context, nodeID string) ([]string, error)
	AttachVIF(ctx context.Context, nodeID, portID string) error
	DetachVIF(ctx context.Context, nodeID, portID string) error
}

// AllocationDirectory manages reservation records.
type AllocationDirectory interface {
	CreateAllocation(ctx context.Context, opts CreateAllocationOpts) (*Allocation, error)
	// GetAllocation resolves an allocation by ID or name.
	GetAllocation(ctx context.Context, ident string) (*Allocation, error)
	DeleteAllocation(ctx context.Context, allocationID string) error
	// WaitForAllocation blocks until the allocation is bound to a node
	// or resolves to an error.
	WaitForAllocation(ctx context.Context, allocationID string, timeout time.Duration) (*Allocation, error)
}

// NetworkDirectory manages ports and resolves network identifiers.
type NetworkDirectory interface {
	CreatePort(ctx context.Context, opts CreatePortOpts) (*Port, error)
	DeletePort(ctx context.Context, portID string) error
	// GetPort, GetNetwork and GetSubnet resolve by ID or name.
	GetPort(ctx context.Context, ident string) (*Port, error)
	GetNetwork(ctx context.Context, ident string) (*Network, error)
	GetSubnet(ctx context.Context, ident string) (*Subnet, error)
}

// ImageDirectory resolves image references to deployable artifacts.
type ImageDirectory interface {
	GetImage(ctx context.Context, ident string) (*Image, error)
}

// Client is the full control-plane capability set.
type Client interface {
	NodeDirectory
	AllocationDirectory
	NetworkDirectory
	ImageDirectory
}
