package baremetal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/v1/allocations"
	"github.com/gophercloud/gophercloud/v2/openstack/baremetal/v1/nodes"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/subnets"
)

// Microversion required for allocations, traits and conductor groups.
const ironicMicroversion = "1.52"

// OpenStackConfig carries the credentials and endpoints for the
// OpenStack control plane (Ironic, Neutron, Glance).
type OpenStackConfig struct {
	AuthURL           string `mapstructure:"auth_url"`
	Region            string `mapstructure:"region"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	ProjectName       string `mapstructure:"project_name"`
	UserDomainName    string `mapstructure:"user_domain_name"`
	ProjectDomainName string `mapstructure:"project_domain_name"`
	// PollInterval is the base interval for provision-state and
	// allocation polling.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// OpenStackClient implements Client on top of the OpenStack SDK.
type OpenStackClient struct {
	baremetal *gophercloud.ServiceClient
	network   *gophercloud.ServiceClient
	image     *gophercloud.ServiceClient

	pollInterval time.Duration
}

// NewOpenStackClient authenticates against the configured cloud and
// builds service clients for the bare-metal, networking and image
// services.
func NewOpenStackClient(ctx context.Context, cfg OpenStackConfig) (*OpenStackClient, error) {
	provider, err := openstack.AuthenticatedClient(ctx, authOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("authenticating to %s: %w", cfg.AuthURL, err)
	}

	eo := gophercloud.EndpointOpts{Region: cfg.Region}
	bm, err := openstack.NewBareMetalV1(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("creating bare-metal client: %w", err)
	}
	bm.Microversion = ironicMicroversion

	net, err := openstack.NewNetworkV2(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("creating networking client: %w", err)
	}

	img, err := openstack.NewImageV2(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("creating image client: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &OpenStackClient{
		baremetal:    bm,
		network:      net,
		image:        img,
		pollInterval: interval,
	}, nil
}

// authOptions maps the config onto a v3 password authentication. The
// token is scoped to the project in its own domain, which may differ
// from the user's.
func authOptions(cfg OpenStackConfig) gophercloud.AuthOptions {
	auth := gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.Username,
		Password:         cfg.Password,
		DomainName:       cfg.UserDomainName,
		AllowReauth:      true,
	}
	if cfg.ProjectName != "" {
		projectDomain := cfg.ProjectDomainName
		if projectDomain == "" {
			projectDomain = cfg.UserDomainName
		}
		auth.Scope = &gophercloud.AuthScope{
			ProjectName: cfg.ProjectName,
			DomainName:  projectDomain,
		}
	}
	return auth
}

func maybeNotFound(err error, what, ident string) error {
	if err == nil {
		return nil
	}
	if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return fmt.Errorf("%s %s: %w", what, ident, ErrNotFound)
	}
	return err
}

func nodeFromSDK(n *nodes.Node) *Node {
	return &Node{
		ID:                n.UUID,
		Name:              n.Name,
		ResourceClass:     n.ResourceClass,
		ConductorGroup:    n.ConductorGroup,
		ProvisionState:    n.ProvisionState,
		Maintenance:       n.Maintenance,
		MaintenanceReason: n.MaintenanceReason,
		LastError:         n.LastError,
		InstanceID:        n.InstanceUUID,
		AllocationID:      n.AllocationUUID,
		Traits:            n.Traits,
		Properties:        n.Properties,
		InstanceInfo:      n.InstanceInfo,
		Extra:             n.Extra,
	}
}

func (c *OpenStackClient) ListNodes(ctx context.Context, opts ListNodesOpts) ([]Node, error) {
	pages, err := nodes.List(c.baremetal, nodes.ListOpts{
		ResourceClass:  opts.ResourceClass,
		ProvisionState: nodes.ProvisionState(opts.ProvisionState),
	}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	all, err := nodes.ExtractNodes(pages)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	// The associated/maintenance tri-state filters are applied here:
	// the query string cannot express "explicitly false".
	out := make([]Node, 0, len(all))
	for i := range all {
		n := nodeFromSDK(&all[i])
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

func (c *OpenStackClient) GetNode(ctx context.Context, ident string) (*Node, error) {
	n, err := nodes.Get(ctx, c.baremetal, ident).Extract()
	if err != nil {
		return nil, maybeNotFound(err, "node", ident)
	}
	return nodeFromSDK(n), nil
}

func (c *OpenStackClient) UpdateNode(ctx context.Context, nodeID string, patches []Patch) (*Node, error) {
	opts := make(nodes.UpdateOpts, 0, len(patches))
	for _, p := range patches {
		op := nodes.UpdateOperation{Path: p.Path, Value: p.Value}
		switch p.Op {
		case PatchAdd:
			op.Op = nodes.AddOp
		case PatchReplace:
			op.Op = nodes.ReplaceOp
		case PatchRemove:
			op.Op = nodes.RemoveOp
			op.Value = nil
		}
		opts = append(opts, op)
	}
	n, err := nodes.Update(ctx, c.baremetal, nodeID, opts).Extract()
	if err != nil {
		return nil, maybeNotFound(err, "node", nodeID)
	}
	return nodeFromSDK(n), nil
}

func (c *OpenStackClient) ValidateNode(ctx context.Context, nodeID string) error {
	validation, err := nodes.Validate(ctx, c.baremetal, nodeID).Extract()
	if err != nil {
		return maybeNotFound(err, "node", nodeID)
	}
	if !validation.Power.Result {
		return fmt.Errorf("power interface is not ready: %s", validation.Power.Reason)
	}
	if !validation.Management.Result {
		return fmt.Errorf("management interface is not ready: %s", validation.Management.Reason)
	}
	return nil
}

func (c *OpenStackClient) SetProvisionState(ctx context.Context, nodeID, target string, opts ProvisionOpts) error {
	stateOpts := nodes.ProvisionStateOpts{
		Target: nodes.TargetProvisionState(target),
	}
	if opts.ConfigDrive != nil {
		stateOpts.ConfigDrive = opts.ConfigDrive
	}
	err := nodes.ChangeProvisionState(ctx, c.baremetal, nodeID, stateOpts).ExtractErr()
	return maybeNotFound(err, "node", nodeID)
}

// failedStates maps a wait target to the states that mean the
// transition can no longer succeed.
var failedStates = map[string][]string{
	StateActive:    {StateDeployFailed, StateError},
	StateAvailable: {StateError},
}

func (c *OpenStackClient) WaitForProvisionState(ctx context.Context, nodeID, expected string, timeout time.Duration) (*Node, error) {
	var node *Node
	errStillWaiting := fmt.Errorf("node %s has not reached state %s", nodeID, expected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = 4 * c.pollInterval
	bo.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		n, err := c.GetNode(ctx, nodeID)
		if err != nil {
			return backoff.Permanent(err)
		}
		node = n
		if n.ProvisionState == expected {
			return nil
		}
		for _, failed := range failedStates[expected] {
			if n.ProvisionState == failed {
				return backoff.Permanent(fmt.Errorf(
					"node %s reached failure state %s: %s",
					n.Describe(), n.ProvisionState, n.LastError))
			}
		}
		return errStillWaiting
	}, backoff.WithContext(bo, ctx))

	if err == errStillWaiting { //nolint:errorlint // sentinel, never wrapped
		return node, &DeadlineError{Resource: "node " + nodeID, Target: expected, Timeout: timeout}
	}
	if err != nil {
		return node, err
	}
	return node, nil
}

func (c *OpenStackClient) ListNodeVIFs(ctx context.Context, nodeID string) ([]string, error) {
	vifs, err := nodes.ListVirtualInterfaces(ctx, c.baremetal, nodeID).Extract()
	if err != nil {
		return nil, maybeNotFound(err, "node", nodeID)
	}
	out := make([]string, 0, len(vifs))
	for _, vif := range vifs {
		out = append(out, vif.ID)
	}
	return out, nil
}

func (c *OpenStackClient) AttachVIF(ctx context.Context, nodeID, portID string) error {
	err := nodes.AttachVirtualInterface(ctx, c.baremetal, nodeID, nodes.VirtualInterfaceOpts{
		ID: portID,
	}).ExtractErr()
	return maybeNotFound(err, "node", nodeID)
}

func (c *OpenStackClient) DetachVIF(ctx context.Context, nodeID, portID string) error {
	err := nodes.DetachVirtualInterface(ctx, c.baremetal, nodeID, portID).ExtractErr()
	return maybeNotFound(err, "VIF", portID)
}

func allocationFromSDK(a *allocations.Allocation) *Allocation {
	return &Allocation{
		ID:             a.UUID,
		Name:           a.Name,
		NodeID:         a.NodeUUID,
		State:          a.State,
		LastError:      a.LastError,
		ResourceClass:  a.ResourceClass,
		Traits:         a.Traits,
		CandidateNodes: a.CandidateNodes,
	}
}

func (c *OpenStackClient) CreateAllocation(ctx context.Context, opts CreateAllocationOpts) (*Allocation, error) {
	a, err := allocations.Create(ctx, c.baremetal, allocations.CreateOpts{
		Name:           opts.Name,
		ResourceClass:  opts.ResourceClass,
		Traits:         opts.Traits,
		CandidateNodes: opts.CandidateNodes,
	}).Extract()
	if err != nil {
		return nil, fmt.Errorf("creating allocation %s: %w", opts.Name, err)
	}
	return allocationFromSDK(a), nil
}

func (c *OpenStackClient) GetAllocation(ctx context.Context, ident string) (*Allocation, error) {
	a, err := allocations.Get(ctx, c.baremetal, ident).Extract()
	if err != nil {
		return nil, maybeNotFound(err, "allocation", ident)
	}
	return allocationFromSDK(a), nil
}

func (c *OpenStackClient) DeleteAllocation(ctx context.Context, allocationID string) error {
	err := allocations.Delete(ctx, c.baremetal, allocationID).ExtractErr()
	return maybeNotFound(err, "allocation", allocationID)
}

func (c *OpenStackClient) WaitForAllocation(ctx context.Context, allocationID string, timeout time.Duration) (*Allocation, error) {
	var alloc *Allocation
	errStillWaiting := fmt.Errorf("allocation %s is still being processed", allocationID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = 4 * c.pollInterval
	bo.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		a, err := c.GetAllocation(ctx, allocationID)
		if err != nil {
			return backoff.Permanent(err)
		}
		alloc = a
		switch a.State {
		case AllocationActive:
			return nil
		case AllocationError:
			return backoff.Permanent(fmt.Errorf(
				"allocation %s failed: %s", a.Describe(), a.LastError))
		default:
			return errStillWaiting
		}
	}, backoff.WithContext(bo, ctx))

	if err == errStillWaiting { //nolint:errorlint // sentinel, never wrapped
		return alloc, &DeadlineError{Resource: "allocation " + allocationID, Target: AllocationActive, Timeout: timeout}
	}
	if err != nil {
		return alloc, err
	}
	return alloc, nil
}

func portFromSDK(p *ports.Port) *Port {
	out := &Port{
		ID:         p.ID,
		Name:       p.Name,
		NetworkID:  p.NetworkID,
		MACAddress: p.MACAddress,
	}
	for _, ip := range p.FixedIPs {
		out.FixedIPs = append(out.FixedIPs, FixedIP{
			SubnetID:  ip.SubnetID,
			IPAddress: ip.IPAddress,
		})
	}
	return out
}

func (c *OpenStackClient) CreatePort(ctx context.Context, opts CreatePortOpts) (*Port, error) {
	adminStateUp := true
	createOpts := ports.CreateOpts{
		NetworkID:    opts.NetworkID,
		Name:         opts.Name,
		AdminStateUp: &adminStateUp,
	}
	if len(opts.FixedIPs) > 0 {
		fixedIPs := make([]ports.IP, 0, len(opts.FixedIPs))
		for _, ip := range opts.FixedIPs {
			fixedIPs = append(fixedIPs, ports.IP{
				SubnetID:  ip.SubnetID,
				IPAddress: ip.IPAddress,
			})
		}
		createOpts.FixedIPs = fixedIPs
	}
	p, err := ports.Create(ctx, c.network, createOpts).Extract()
	if err != nil {
		return nil, fmt.Errorf("creating port on network %s: %w", opts.NetworkID, err)
	}
	return portFromSDK(p), nil
}

func (c *OpenStackClient) DeletePort(ctx context.Context, portID string) error {
	err := ports.Delete(ctx, c.network, portID).ExtractErr()
	return maybeNotFound(err, "port", portID)
}

func (c *OpenStackClient) GetPort(ctx context.Context, ident string) (*Port, error) {
	p, err := ports.Get(ctx, c.network, ident).Extract()
	if err == nil {
		return portFromSDK(p), nil
	}
	if !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return nil, err
	}
	// Fall back to a name lookup.
	pages, err := ports.List(c.network, ports.ListOpts{Name: ident}).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	found, err := ports.ExtractPorts(pages)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("port %s: %w", ident, ErrNotFound)
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("port name %s is ambiguous: %d matches", ident, len(found))
	}
	return portFromSDK(&found[0]), nil
}

func (c *OpenStackClient) GetNetwork(ctx context.Context, ident string) (*Network, error) {
	n, err := networks.Get(ctx, c.network, ident).Extract()
	if err == nil {
		return &Network{ID: n.ID, Name: n.Name, SubnetIDs: n.Subnets}, nil
	}
	if !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return nil, err
	}
	pages, err := networks.List(c.network, networks.ListOpts{Name: ident}).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	found, err := networks.ExtractNetworks(pages)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("network %s: %w", ident, ErrNotFound)
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("network name %s is ambiguous: %d matches", ident, len(found))
	}
	return &Network{ID: found[0].ID, Name: found[0].Name, SubnetIDs: found[0].Subnets}, nil
}

func subnetFromSDK(s *subnets.Subnet) *Subnet {
	out := &Subnet{
		ID:              s.ID,
		Name:            s.Name,
		NetworkID:       s.NetworkID,
		CIDR:            s.CIDR,
		IPVersion:       s.IPVersion,
		GatewayIP:       s.GatewayIP,
		DHCPEnabled:     s.EnableDHCP,
		IPv6AddressMode: s.IPv6AddressMode,
		DNSNameservers:  s.DNSNameservers,
	}
	for _, r := range s.HostRoutes {
		out.HostRoutes = append(out.HostRoutes, HostRoute{
			Destination: r.DestinationCIDR,
			NextHop:     r.NextHop,
		})
	}
	return out
}

func (c *OpenStackClient) GetSubnet(ctx context.Context, ident string) (*Subnet, error) {
	s, err := subnets.Get(ctx, c.network, ident).Extract()
	if err == nil {
		return subnetFromSDK(s), nil
	}
	if !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return nil, err
	}
	pages, err := subnets.List(c.network, subnets.ListOpts{Name: ident}).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	found, err := subnets.ExtractSubnets(pages)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("subnet %s: %w", ident, ErrNotFound)
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("subnet name %s is ambiguous: %d matches", ident, len(found))
	}
	return subnetFromSDK(&found[0]), nil
}

func imageFromSDK(img *images.Image) *Image {
	out := &Image{ID: img.ID, Name: img.Name}
	if img.Checksum != "" {
		out.Checksum = img.Checksum
	}
	if v, ok := img.Properties["kernel_id"].(string); ok {
		out.KernelID = v
	}
	if v, ok := img.Properties["ramdisk_id"].(string); ok {
		out.RamdiskID = v
	}
	return out
}

func (c *OpenStackClient) GetImage(ctx context.Context, ident string) (*Image, error) {
	img, err := images.Get(ctx, c.image, ident).Extract()
	if err == nil {
		return imageFromSDK(img), nil
	}
	if !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return nil, err
	}
	pages, err := images.List(c.image, images.ListOpts{Name: ident}).AllPages(ctx)
	if err != nil {
		return nil, err
	}
	found, err := images.ExtractImages(pages)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("image %s: %w", ident, ErrNotFound)
	}
	if len(found) > 1 {
		return nil, fmt.Errorf("image name %s is ambiguous: %d matches", ident, len(found))
	}
	return imageFromSDK(&found[0]), nil
}
