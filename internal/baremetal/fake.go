package baremetal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeClient is an in-memory Client for tests. Every method can be
// overridden per test through the corresponding Func field; otherwise a
// reasonable in-memory behavior applies. All calls are recorded in
// Calls as "Method:arg".
type FakeClient struct {
	mu sync.Mutex

	Nodes       map[string]*Node
	Allocations map[string]*Allocation
	Ports       map[string]*Port
	Networks    map[string]*Network
	Subnets     map[string]*Subnet
	Images      map[string]*Image
	// VIFs maps node ID to the set of attached port IDs.
	VIFs map[string]map[string]bool

	ValidateNodeFunc          func(ctx context.Context, nodeID string) error
	CreateAllocationFunc      func(ctx context.Context, opts CreateAllocationOpts) (*Allocation, error)
	WaitForAllocationFunc     func(ctx context.Context, allocationID string, timeout time.Duration) (*Allocation, error)
	UpdateNodeFunc            func(ctx context.Context, nodeID string, patches []Patch) (*Node, error)
	SetProvisionStateFunc     func(ctx context.Context, nodeID, target string, opts ProvisionOpts) error
	WaitForProvisionStateFunc func(ctx context.Context, nodeID, expected string, timeout time.Duration) (*Node, error)
	CreatePortFunc            func(ctx context.Context, opts CreatePortOpts) (*Port, error)
	AttachVIFFunc             func(ctx context.Context, nodeID, portID string) error
	DetachVIFFunc             func(ctx context.Context, nodeID, portID string) error
	DeletePortFunc            func(ctx context.Context, portID string) error

	Calls []string

	portSeq  int
	allocSeq int
}

// NewFakeClient returns an empty fake ready for seeding.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Nodes:       map[string]*Node{},
		Allocations: map[string]*Allocation{},
		Ports:       map[string]*Port{},
		Networks:    map[string]*Network{},
		Subnets:     map[string]*Subnet{},
		Images:      map[string]*Image{},
		VIFs:        map[string]map[string]bool{},
	}
}

// AddNode seeds a node, filling in empty maps.
func (f *FakeClient) AddNode(n *Node) *Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	if n.InstanceInfo == nil {
		n.InstanceInfo = map[string]any{}
	}
	if n.Extra == nil {
		n.Extra = map[string]any{}
	}
	if n.ProvisionState == "" {
		n.ProvisionState = StateAvailable
	}
	f.Nodes[n.ID] = n
	return n
}

// AddNetwork seeds a network and its subnets.
func (f *FakeClient) AddNetwork(n *Network, subnets ...*Subnet) *Network {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range subnets {
		s.NetworkID = n.ID
		n.SubnetIDs = append(n.SubnetIDs, s.ID)
		f.Subnets[s.ID] = s
	}
	f.Networks[n.ID] = n
	return n
}

// AddPort seeds a pre-existing port.
func (f *FakeClient) AddPort(p *Port) *Port {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ports[p.ID] = p
	return p
}

// AddImage seeds an image.
func (f *FakeClient) AddImage(img *Image) *Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images[img.ID] = img
	return img
}

// CallsTo returns the recorded calls for one method.
func (f *FakeClient) CallsTo(method string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Calls {
		if strings.HasPrefix(c, method+":") {
			out = append(out, strings.TrimPrefix(c, method+":"))
		}
	}
	return out
}

func (f *FakeClient) record(method, arg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, method+":"+arg)
}

func (f *FakeClient) ListNodes(_ context.Context, opts ListNodesOpts) ([]Node, error) {
	f.record("ListNodes", opts.ResourceClass)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Node
	for _, n := range f.Nodes {
		if opts.ResourceClass != "" && n.ResourceClass != opts.ResourceClass {
			continue
		}
		if opts.ProvisionState != "" && n.ProvisionState != opts.ProvisionState {
			continue
		}
		if opts.Maintenance != nil && n.Maintenance != *opts.Maintenance {
			continue
		}
		if opts.Associated != nil && n.Reserved() != *opts.Associated {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

func (f *FakeClient) GetNode(_ context.Context, ident string) (*Node, error) {
	f.record("GetNode", ident)
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.Nodes[ident]; ok {
		copied := *n
		return &copied, nil
	}
	for _, n := range f.Nodes {
		if n.Name == ident {
			copied := *n
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("node %s: %w", ident, ErrNotFound)
}

func (f *FakeClient) UpdateNode(ctx context.Context, nodeID string, patches []Patch) (*Node, error) {
	f.record("UpdateNode", nodeID)
	if f.UpdateNodeFunc != nil {
		return f.UpdateNodeFunc(ctx, nodeID, patches)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.Nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	for _, p := range patches {
		if err := applyPatch(n, p); err != nil {
			return nil, err
		}
	}
	copied := *n
	return &copied, nil
}

func applyPatch(n *Node, p Patch) error {
	path := strings.TrimPrefix(p.Path, "/")
	root, rest, nested := strings.Cut(path, "/")

	var target map[string]any
	switch root {
	case "instance_info":
		target = n.InstanceInfo
	case "extra":
		target = n.Extra
	case "properties":
		target = n.Properties
	case "instance_uuid":
		if p.Op == PatchRemove {
			n.InstanceID = ""
		} else {
			n.InstanceID = fmt.Sprintf("%v", p.Value)
		}
		return nil
	default:
		return fmt.Errorf("unsupported patch path %q", p.Path)
	}
	if !nested {
		// Whole-map replacement, e.g. a patch against /instance_info.
		value, ok := p.Value.(map[string]any)
		if p.Op == PatchRemove || !ok && p.Value != nil {
			return fmt.Errorf("unsupported patch %s %q", p.Op, p.Path)
		}
		replaced := map[string]any{}
		for k, v := range value {
			replaced[k] = v
		}
		switch root {
		case "instance_info":
			n.InstanceInfo = replaced
		case "extra":
			n.Extra = replaced
		case "properties":
			n.Properties = replaced
		}
		return nil
	}

	switch p.Op {
	case PatchAdd, PatchReplace:
		target[rest] = p.Value
	case PatchRemove:
		if _, ok := target[rest]; !ok {
			return fmt.Errorf("patch path %s: %w", p.Path, ErrNotFound)
		}
		delete(target, rest)
	}
	return nil
}

func (f *FakeClient) ValidateNode(ctx context.Context, nodeID string) error {
	f.record("ValidateNode", nodeID)
	if f.ValidateNodeFunc != nil {
		return f.ValidateNodeFunc(ctx, nodeID)
	}
	return nil
}

func (f *FakeClient) SetProvisionState(ctx context.Context, nodeID, target string, opts ProvisionOpts) error {
	f.record("SetProvisionState", nodeID+"->"+target)
	if f.SetProvisionStateFunc != nil {
		return f.SetProvisionStateFunc(ctx, nodeID, target, opts)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	switch target {
	case TargetActive:
		n.ProvisionState = StateDeploying
	case TargetDeleted:
		n.ProvisionState = StateAvailable
	default:
		n.ProvisionState = target
	}
	return nil
}

func (f *FakeClient) WaitForProvisionState(ctx context.Context, nodeID, expected string, timeout time.Duration) (*Node, error) {
	f.record("WaitForProvisionState", nodeID+"->"+expected)
	if f.WaitForProvisionStateFunc != nil {
		return f.WaitForProvisionStateFunc(ctx, nodeID, expected, timeout)
	}
	f.mu.Lock()
	n, ok := f.Nodes[nodeID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	n.ProvisionState = expected
	copied := *n
	f.mu.Unlock()
	return &copied, nil
}

func (f *FakeClient) ListNodeVIFs(_ context.Context, nodeID string) ([]string, error) {
	f.record("ListNodeVIFs", nodeID)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for portID := range f.VIFs[nodeID] {
		out = append(out, portID)
	}
	return out, nil
}

func (f *FakeClient) AttachVIF(ctx context.Context, nodeID, portID string) error {
	f.record("AttachVIF", nodeID+":"+portID)
	if f.AttachVIFFunc != nil {
		return f.AttachVIFFunc(ctx, nodeID, portID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Nodes[nodeID]; !ok {
		return fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if f.VIFs[nodeID] == nil {
		f.VIFs[nodeID] = map[string]bool{}
	}
	f.VIFs[nodeID][portID] = true
	return nil
}

func (f *FakeClient) DetachVIF(ctx context.Context, nodeID, portID string) error {
	f.record("DetachVIF", nodeID+":"+portID)
	if f.DetachVIFFunc != nil {
		return f.DetachVIFFunc(ctx, nodeID, portID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.VIFs[nodeID][portID] {
		return fmt.Errorf("VIF %s on node %s: %w", portID, nodeID, ErrNotFound)
	}
	delete(f.VIFs[nodeID], portID)
	return nil
}

func (f *FakeClient) CreateAllocation(ctx context.Context, opts CreateAllocationOpts) (*Allocation, error) {
	f.record("CreateAllocation", opts.Name)
	if f.CreateAllocationFunc != nil {
		return f.CreateAllocationFunc(ctx, opts)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.Allocations {
		if a.Name != "" && a.Name == opts.Name {
			return nil, fmt.Errorf("allocation with name %s already exists", opts.Name)
		}
	}
	f.allocSeq++
	alloc := &Allocation{
		ID:             fmt.Sprintf("alloc-%d", f.allocSeq),
		Name:           opts.Name,
		State:          AllocationAllocating,
		ResourceClass:  opts.ResourceClass,
		Traits:         opts.Traits,
		CandidateNodes: opts.CandidateNodes,
	}
	// Resolve immediately against the candidate list, the way the
	// control plane would once it processed the request.
	for _, cand := range opts.CandidateNodes {
		n := f.Nodes[cand]
		if n == nil {
			for _, other := range f.Nodes {
				if other.Name == cand {
					n = other
					break
				}
			}
		}
		if n == nil || n.Reserved() || n.Maintenance || n.ProvisionState != StateAvailable {
			continue
		}
		n.AllocationID = alloc.ID
		alloc.NodeID = n.ID
		alloc.State = AllocationActive
		break
	}
	if alloc.NodeID == "" {
		alloc.State = AllocationError
		alloc.LastError = "no candidate node could be reserved"
	}
	f.Allocations[alloc.ID] = alloc
	copied := *alloc
	return &copied, nil
}

func (f *FakeClient) GetAllocation(_ context.Context, ident string) (*Allocation, error) {
	f.record("GetAllocation", ident)
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.Allocations[ident]; ok {
		copied := *a
		return &copied, nil
	}
	for _, a := range f.Allocations {
		if a.Name == ident {
			copied := *a
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("allocation %s: %w", ident, ErrNotFound)
}

func (f *FakeClient) DeleteAllocation(_ context.Context, allocationID string) error {
	f.record("DeleteAllocation", allocationID)
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s: %w", allocationID, ErrNotFound)
	}
	if a.NodeID != "" {
		if n, ok := f.Nodes[a.NodeID]; ok && n.AllocationID == allocationID {
			n.AllocationID = ""
		}
	}
	delete(f.Allocations, allocationID)
	return nil
}

func (f *FakeClient) WaitForAllocation(ctx context.Context, allocationID string, timeout time.Duration) (*Allocation, error) {
	f.record("WaitForAllocation", allocationID)
	if f.WaitForAllocationFunc != nil {
		return f.WaitForAllocationFunc(ctx, allocationID, timeout)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.Allocations[allocationID]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", allocationID, ErrNotFound)
	}
	if a.State == AllocationError {
		return nil, fmt.Errorf("allocation %s failed: %s", a.Describe(), a.LastError)
	}
	copied := *a
	return &copied, nil
}

func (f *FakeClient) CreatePort(ctx context.Context, opts CreatePortOpts) (*Port, error) {
	f.record("CreatePort", opts.NetworkID)
	if f.CreatePortFunc != nil {
		return f.CreatePortFunc(ctx, opts)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Networks[opts.NetworkID]; !ok {
		return nil, fmt.Errorf("network %s: %w", opts.NetworkID, ErrNotFound)
	}
	f.portSeq++
	port := &Port{
		ID:        fmt.Sprintf("port-%d", f.portSeq),
		Name:      opts.Name,
		NetworkID: opts.NetworkID,
		FixedIPs:  opts.FixedIPs,
	}
	f.Ports[port.ID] = port
	copied := *port
	return &copied, nil
}

func (f *FakeClient) DeletePort(ctx context.Context, portID string) error {
	f.record("DeletePort", portID)
	if f.DeletePortFunc != nil {
		return f.DeletePortFunc(ctx, portID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Ports[portID]; !ok {
		return fmt.Errorf("port %s: %w", portID, ErrNotFound)
	}
	delete(f.Ports, portID)
	return nil
}

func (f *FakeClient) GetPort(_ context.Context, ident string) (*Port, error) {
	f.record("GetPort", ident)
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Ports[ident]; ok {
		copied := *p
		return &copied, nil
	}
	for _, p := range f.Ports {
		if p.Name == ident {
			copied := *p
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("port %s: %w", ident, ErrNotFound)
}

func (f *FakeClient) GetNetwork(_ context.Context, ident string) (*Network, error) {
	f.record("GetNetwork", ident)
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.Networks[ident]; ok {
		copied := *n
		return &copied, nil
	}
	for _, n := range f.Networks {
		if n.Name == ident {
			copied := *n
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("network %s: %w", ident, ErrNotFound)
}

func (f *FakeClient) GetSubnet(_ context.Context, ident string) (*Subnet, error) {
	f.record("GetSubnet", ident)
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Subnets[ident]; ok {
		copied := *s
		return &copied, nil
	}
	for _, s := range f.Subnets {
		if s.Name == ident {
			copied := *s
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("subnet %s: %w", ident, ErrNotFound)
}

func (f *FakeClient) GetImage(_ context.Context, ident string) (*Image, error) {
	f.record("GetImage", ident)
	f.mu.Lock()
	defer f.mu.Unlock()
	if img, ok := f.Images[ident]; ok {
		copied := *img
		return &copied, nil
	}
	for _, img := range f.Images {
		if img.Name == ident {
			copied := *img
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("image %s: %w", ident, ErrNotFound)
}
