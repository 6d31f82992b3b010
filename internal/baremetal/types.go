package baremetal

import (
	"fmt"
	"sort"
	"strings"
)

// Provision states reported by the bare-metal control plane. Anything
// outside this list is treated as unknown by the instance state mapper.
const (
	StateAvailable      = "available"
	StateDeploying      = "deploying"
	StateWaitCallback   = "wait call-back"
	StateDeployComplete = "deploy complete"
	StateActive         = "active"
	StateError          = "error"
	StateDeployFailed   = "deploy failed"
	StateDeleting       = "deleting"
	StateCleaning       = "cleaning"
)

// Provision state change targets accepted by SetProvisionState.
const (
	TargetActive  = "active"
	TargetDeleted = "deleted"
)

// Allocation states reported by the allocation directory.
const (
	AllocationAllocating = "allocating"
	AllocationActive     = "active"
	AllocationError      = "error"
)

// CapabilitiesProperty is the node property key holding capabilities.
// The control plane delivers it either as a flat "k1:v1,k2:v2" string
// or as a map.
const CapabilitiesProperty = "capabilities"

// LocalGBProperty is the node property reporting disk capacity in GiB.
const LocalGBProperty = "local_gb"

// Node is a physical machine record owned by the remote control plane.
// Smelter only reads and patches it.
type Node struct {
	ID                string
	Name              string
	ResourceClass     string
	ConductorGroup    string
	ProvisionState    string
	Maintenance       bool
	MaintenanceReason string
	LastError         string

	// InstanceID is the legacy reservation marker, AllocationID the
	// modern one. Smelter never sets both.
	InstanceID   string
	AllocationID string

	Traits       []string
	Properties   map[string]any
	InstanceInfo map[string]any
	Extra        map[string]any
}

// Describe returns a log-friendly identifier for the node.
func (n *Node) Describe() string {
	if n == nil {
		return "<nil node>"
	}
	if n.Name != "" {
		return fmt.Sprintf("%s (ID %s)", n.Name, n.ID)
	}
	return n.ID
}

// Reserved reports whether the node carries any reservation marker.
func (n *Node) Reserved() bool {
	return n.InstanceID != "" || n.AllocationID != ""
}

// CapabilitiesMap parses the node's capabilities property. Both the
// flat string form ("k1:v1,k2:v2") and the map form parse to identical
// results. A value of the wrong shape is an error; absence is an empty
// map.
func (n *Node) CapabilitiesMap() (map[string]string, error) {
	raw, ok := n.Properties[CapabilitiesProperty]
	if !ok || raw == nil {
		return map[string]string{}, nil
	}

	switch caps := raw.(type) {
	case map[string]string:
		out := make(map[string]string, len(caps))
		for k, v := range caps {
			out[k] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]string, len(caps))
		for k, v := range caps {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out, nil
	case string:
		out := map[string]string{}
		for _, chunk := range strings.Split(caps, ",") {
			if chunk == "" {
				continue
			}
			key, value, found := strings.Cut(chunk, ":")
			if !found {
				return nil, fmt.Errorf("malformed capability entry %q in %q", chunk, caps)
			}
			out[key] = value
		}
		return out, nil
	default:
		return nil, fmt.Errorf("capabilities must be a string or a map, got %T", raw)
	}
}

// TraitSet returns the node traits as a set.
func (n *Node) TraitSet() map[string]struct{} {
	set := make(map[string]struct{}, len(n.Traits))
	for _, t := range n.Traits {
		set[t] = struct{}{}
	}
	return set
}

// Allocation is a reservation record binding a hostname-like name to a
// node. Its name is immutable for the lifetime of the allocation.
type Allocation struct {
	ID             string
	Name           string
	NodeID         string
	State          string
	LastError      string
	ResourceClass  string
	Traits         []string
	CandidateNodes []string
}

// Describe returns a log-friendly identifier for the allocation.
func (a *Allocation) Describe() string {
	if a == nil {
		return "<nil allocation>"
	}
	if a.Name != "" {
		return fmt.Sprintf("%s (ID %s)", a.Name, a.ID)
	}
	return a.ID
}

// FixedIP is a single IP assignment on a port.
type FixedIP struct {
	SubnetID  string
	IPAddress string
}

// Port is a network attachment point bound to a node.
type Port struct {
	ID         string
	Name       string
	NetworkID  string
	MACAddress string
	FixedIPs   []FixedIP
}

// Describe returns a log-friendly identifier for the port.
func (p *Port) Describe() string {
	if p == nil {
		return "<nil port>"
	}
	if p.Name != "" {
		return fmt.Sprintf("%s (ID %s)", p.Name, p.ID)
	}
	return p.ID
}

// Network is a network record from the network directory.
type Network struct {
	ID        string
	Name      string
	MTU       int
	SubnetIDs []string
}

// HostRoute is a static route advertised by a subnet.
type HostRoute struct {
	Destination string
	NextHop     string
}

// Subnet is a subnet record from the network directory.
type Subnet struct {
	ID              string
	Name            string
	NetworkID       string
	CIDR            string
	IPVersion       int
	GatewayIP       string
	DHCPEnabled     bool
	IPv6AddressMode string
	DNSNameservers  []string
	HostRoutes      []HostRoute
}

// Image describes a deployable artifact resolved by the image
// directory.
type Image struct {
	ID        string
	Name      string
	KernelID  string
	RamdiskID string
	Checksum  string
}

// PatchOp is a JSON-patch-style operation kind.
type PatchOp string

const (
	PatchAdd     PatchOp = "add"
	PatchReplace PatchOp = "replace"
	PatchRemove  PatchOp = "remove"
)

// Patch is a single update to a node record.
type Patch struct {
	Op    PatchOp
	Path  string
	Value any
}

// AddPatch builds an add operation.
func AddPatch(path string, value any) Patch {
	return Patch{Op: PatchAdd, Path: path, Value: value}
}

// RemovePatch builds a remove operation.
func RemovePatch(path string) Patch {
	return Patch{Op: PatchRemove, Path: path}
}

// SortedKeys returns the sorted keys of a map, for stable logging and
// error messages.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
