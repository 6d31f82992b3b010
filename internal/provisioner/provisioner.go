// Package provisioner drives the full provisioning workflow of a bare
// metal node: reservation, network attachment, metadata injection,
// deploy trigger, and the compensating rollback when any step after the
// first side effect fails.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/configdrive"
	"github.com/smelterhq/smelter/internal/events"
	"github.com/smelterhq/smelter/internal/image"
	"github.com/smelterhq/smelter/internal/metrics"
	"github.com/smelterhq/smelter/internal/scheduler"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

// Keys written by smelter into node records.
const (
	hostnameInfoKey       = "smelter_hostname"
	createdPortsExtraKey  = "smelter_created_ports"
	attachedPortsExtraKey = "smelter_attached_ports"
)

// preservedInstanceInfoKeys are the only pre-existing instance metadata
// keys that survive a metadata write or a teardown.
var preservedInstanceInfoKeys = []string{"capabilities", "traits"}

// Options carries the optional collaborators of a Provisioner. Nil
// events and metrics disable the corresponding instrumentation.
type Options struct {
	Events  *events.Bus
	Metrics *metrics.Metrics
	DryRun  bool
}

// Provisioner orchestrates reservation and deployment against the
// remote control plane.
type Provisioner struct {
	client  baremetal.Client
	log     *logger.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
	dryRun  bool
}

// New creates a Provisioner.
func New(client baremetal.Client, log *logger.Logger, opts Options) *Provisioner {
	return &Provisioner{
		client:  client,
		log:     log.WithComponent("provisioner"),
		bus:     opts.Events,
		metrics: opts.Metrics,
		dryRun:  opts.DryRun,
	}
}

// ReserveRequest describes what kind of node to find and claim.
type ReserveRequest struct {
	ResourceClass string
	// ConductorGroup: nil means any group, a pointer to "" requests the
	// default group explicitly.
	ConductorGroup *string
	Capabilities   map[string]string
	Traits         []string
	// Predicate optionally narrows candidates with caller logic.
	Predicate scheduler.NodePredicate
	// Candidates restricts scheduling to these nodes (IDs or names)
	// instead of listing by resource class.
	Candidates []string
	// Hostname becomes the allocation name.
	Hostname string
	Timeout  time.Duration
}

// ScheduleAndReserve finds candidates, narrows them through the filter
// chain and claims exactly one node.
func (p *Provisioner) ScheduleAndReserve(ctx context.Context, req ReserveRequest) (*baremetal.Node, *baremetal.Allocation, error) {
	op := p.log.StartOp(ctx, "schedule_and_reserve",
		slog.String("resource_class", req.ResourceClass),
		slog.String("hostname", req.Hostname))

	nodes, err := p.candidates(ctx, req)
	if err != nil {
		op.Fail(err, "")
		return nil, nil, err
	}
	if len(nodes) == 0 {
		err := &scheduler.NodesNotFoundError{
			ResourceClass:  req.ResourceClass,
			ConductorGroup: req.ConductorGroup,
		}
		op.Fail(err, "")
		return nil, nil, err
	}

	filters := []scheduler.Filter{
		scheduler.NewNodeTypeFilter(p.log, req.ResourceClass, req.ConductorGroup),
		scheduler.NewCapabilitiesFilter(p.log, req.Capabilities),
		scheduler.NewTraitsFilter(p.log, req.Traits),
	}
	if req.Predicate != nil {
		filters = append(filters, scheduler.NewPredicateFilter(req.Predicate))
	}

	filtered, err := scheduler.RunFilters(p.log, nodes, filters)
	if err != nil {
		p.metrics.ObserveReservation("no_candidates")
		op.Fail(err, "")
		return nil, nil, err
	}

	reserver := scheduler.NewReserver(p.client, p.client, p.log)
	node, alloc, err := reserver.Reserve(ctx, filtered, scheduler.ReserveOpts{
		Hostname:          req.Hostname,
		ResourceClass:     req.ResourceClass,
		Traits:            req.Traits,
		Capabilities:      req.Capabilities,
		AllocationTimeout: req.Timeout,
		DryRun:            p.dryRun,
	})
	if err != nil {
		p.metrics.ObserveReservation("failed")
		op.Fail(err, "")
		return nil, nil, err
	}

	p.metrics.ObserveReservation("reserved")
	if alloc != nil {
		p.bus.PublishNodeReserved(node.ID, alloc.ID, alloc.Name)
	}
	op.Complete("node reserved", slog.String("node", node.Describe()))
	return node, alloc, nil
}

func (p *Provisioner) candidates(ctx context.Context, req ReserveRequest) ([]baremetal.Node, error) {
	if len(req.Candidates) == 0 {
		return p.client.ListNodes(ctx, baremetal.ListNodesOpts{ResourceClass: req.ResourceClass})
	}
	nodes := make([]baremetal.Node, 0, len(req.Candidates))
	for _, ident := range req.Candidates {
		node, err := p.client.GetNode(ctx, ident)
		if err != nil {
			return nil, fmt.Errorf("fetching candidate %s: %w", ident, err)
		}
		nodes = append(nodes, *node)
	}
	return nodes, nil
}

// ProvisionRequest describes one deployment.
type ProvisionRequest struct {
	Image image.Source
	NICs  []NIC
	// Hostname must match the existing allocation name, if any.
	Hostname string
	// RootSizeGB of zero derives the size from the node's reported
	// disk capacity minus one gigabyte.
	RootSizeGB   int
	SwapSizeMB   int
	Capabilities map[string]string
	Traits       []string
	// NetBoot selects network boot for the final instance instead of
	// a local bootloader.
	NetBoot bool
	// Config is the first-boot configuration; nil means an empty one.
	Config *configdrive.Config
	// Wait of zero returns right after the deploy is triggered.
	Wait time.Duration
	// NoRollback leaves everything exactly as failed.
	NoRollback bool
}

// Provision drives a node through the deployment workflow. The node may
// be unreserved (it is claimed first) or carry a reservation made
// earlier. Any failure after the first side effect rolls back created
// resources unless NoRollback is set, and surfaces as DeploymentError
// or DeploymentTimeoutError.
func (p *Provisioner) Provision(ctx context.Context, nodeIdent string, req ProvisionRequest) (*Instance, error) {
	start := time.Now()
	op := p.log.StartOp(ctx, "provision", slog.String("node", nodeIdent))

	node, err := p.client.GetNode(ctx, nodeIdent)
	if err != nil {
		if baremetal.IsNotFound(err) {
			err = NewInstanceNotFoundError(nodeIdent, err)
		}
		op.Fail(err, "")
		return nil, err
	}
	if req.Image == nil {
		err := NewInvalidImageError("", errors.New("an image source is required"))
		op.Fail(err, "")
		return nil, err
	}

	// Pre-side-effect checks: nothing to roll back if any of these
	// fail.
	hostname, existingAlloc, err := p.checkNodeForDeploy(ctx, node, req.Hostname)
	if err != nil {
		op.Fail(err, "")
		return nil, err
	}
	rootSize, err := rootDiskSize(req.RootSizeGB, node)
	if err != nil {
		op.Fail(err, "")
		return nil, err
	}
	if err := req.Image.Validate(ctx, p.client); err != nil {
		err := NewInvalidImageError(req.Image.String(), err)
		op.Fail(err, "")
		return nil, err
	}
	nics := newNICManager(p.client, p.log, node, req.NICs)
	if err := nics.validate(ctx); err != nil {
		op.Fail(err, "")
		return nil, err
	}

	if p.dryRun {
		p.log.WarnContext(ctx, "dry run, not provisioning node",
			slog.String("node", node.Describe()))
		return &Instance{Node: node, Allocation: existingAlloc, client: p.client}, nil
	}

	// Claim the node if nothing holds it yet. The allocation created
	// here is owned by this call and removed again on rollback.
	var ownAlloc *baremetal.Allocation
	alloc := existingAlloc
	if !node.Reserved() {
		reserver := scheduler.NewReserver(p.client, p.client, p.log)
		node, alloc, err = reserver.Reserve(ctx, []baremetal.Node{*node}, scheduler.ReserveOpts{
			Hostname:      hostname,
			ResourceClass: node.ResourceClass,
		})
		if err != nil {
			op.Fail(err, "")
			return nil, err
		}
		ownAlloc = alloc
		if hostname == "" {
			hostname = alloc.Name
		}
	}

	inst, err := p.deploy(ctx, node, alloc, nics, req, hostname, rootSize)
	if err != nil {
		rolledBack := false
		if !req.NoRollback {
			p.rollback(ctx, node, nics, ownAlloc)
			rolledBack = true
		}
		err = p.deployError(node, req.Wait, err)
		p.bus.PublishProvisionFailed(node.ID, hostname, err, rolledBack)
		p.metrics.ObserveProvision("failed", time.Since(start).Seconds())
		op.Fail(err, "")
		return nil, err
	}

	p.bus.PublishProvisionCompleted(inst.Node.ID, hostname, string(inst.State()), time.Since(start))
	p.metrics.ObserveProvision("succeeded", time.Since(start).Seconds())
	op.Complete("provisioning finished",
		slog.String("node", inst.Node.Describe()),
		slog.String("state", string(inst.State())))
	return inst, nil
}

// deploy runs every step that has side effects: port attach, metadata
// write, deploy trigger and the optional wait. The caller owns rollback.
func (p *Provisioner) deploy(ctx context.Context, node *baremetal.Node, alloc *baremetal.Allocation, nics *nicManager, req ProvisionRequest, hostname string, rootSize int) (*Instance, error) {
	if err := nics.createAndAttach(ctx); err != nil {
		return nil, err
	}

	instanceInfo := preservedSubset(node.InstanceInfo)
	imageInfo, err := req.Image.InstanceInfo(ctx, p.client)
	if err != nil {
		return nil, NewInvalidImageError(req.Image.String(), err)
	}
	for k, v := range imageInfo {
		instanceInfo[k] = v
	}
	instanceInfo["root_gb"] = rootSize
	if req.SwapSizeMB > 0 {
		instanceInfo["swap_mb"] = req.SwapSizeMB
	}
	capabilities := stringMap(instanceInfo["capabilities"])
	for k, v := range req.Capabilities {
		capabilities[k] = v
	}
	if req.NetBoot {
		capabilities["boot_option"] = "netboot"
	} else {
		capabilities["boot_option"] = "local"
	}
	instanceInfo["capabilities"] = capabilities
	if len(req.Traits) > 0 {
		instanceInfo["traits"] = req.Traits
	}
	instanceInfo["display_name"] = hostname
	instanceInfo[hostnameInfoKey] = hostname

	node, err = p.client.UpdateNode(ctx, node.ID, []baremetal.Patch{
		baremetal.AddPatch("/instance_info", instanceInfo),
		baremetal.AddPatch("/extra/"+createdPortsExtraKey, nics.createdPorts),
		baremetal.AddPatch("/extra/"+attachedPortsExtraKey, nics.attachedPorts),
	})
	if err != nil {
		return nil, fmt.Errorf("writing instance metadata: %w", err)
	}

	networkData, err := configdrive.BuildNetworkData(ctx, p.client, nics.attachedPorts)
	if err != nil {
		return nil, err
	}
	cfg := req.Config
	if cfg == nil {
		cfg = &configdrive.Config{}
	}
	payload, err := cfg.Generate(node, hostname, networkData)
	if err != nil {
		return nil, err
	}

	if err := p.client.SetProvisionState(ctx, node.ID, baremetal.TargetActive,
		baremetal.ProvisionOpts{ConfigDrive: payload}); err != nil {
		return nil, fmt.Errorf("triggering deploy: %w", err)
	}
	p.bus.PublishProvisionStarted(node.ID, hostname, req.Image.String())
	p.log.InfoContext(ctx, "provisioning started",
		slog.String("node", node.Describe()), slog.String("hostname", hostname))

	if req.Wait > 0 {
		if node, err = p.client.WaitForProvisionState(ctx, node.ID, baremetal.StateActive, req.Wait); err != nil {
			return nil, err
		}
	} else if node, err = p.client.GetNode(ctx, node.ID); err != nil {
		return nil, fmt.Errorf("refreshing node after deploy trigger: %w", err)
	}

	return &Instance{Node: node, Allocation: alloc, client: p.client}, nil
}

// checkNodeForDeploy runs the read-only consistency checks and returns
// the effective hostname plus the pre-existing allocation, if any.
func (p *Provisioner) checkNodeForDeploy(ctx context.Context, node *baremetal.Node, requested string) (string, *baremetal.Allocation, error) {
	if node.Maintenance {
		reason := node.MaintenanceReason
		if reason == "" {
			reason = "no reason given"
		}
		return "", nil, NewInvalidNodeError(node.Describe(),
			"node is in maintenance mode: "+reason)
	}

	if node.AllocationID != "" {
		alloc, err := p.client.GetAllocation(ctx, node.AllocationID)
		if err != nil {
			return "", nil, fmt.Errorf("fetching allocation %s of node %s: %w",
				node.AllocationID, node.Describe(), err)
		}
		if requested != "" && alloc.Name != "" && requested != alloc.Name {
			return "", nil, NewInvalidNodeError(node.Describe(), fmt.Sprintf(
				"requested hostname %s does not match the existing allocation name %s; "+
					"a hostname cannot be changed under an existing reservation",
				requested, alloc.Name))
		}
		if requested == "" {
			requested = alloc.Name
		}
		return requested, alloc, nil
	}

	if requested != "" {
		// The allocation name doubles as the hostname and is globally
		// unique.
		other, err := p.client.GetAllocation(ctx, requested)
		if err == nil && other.NodeID != node.ID {
			return "", nil, NewInvalidNodeError(node.Describe(),
				fmt.Sprintf("hostname %s is already taken by another allocation", requested))
		}
		if err != nil && !baremetal.IsNotFound(err) {
			return "", nil, fmt.Errorf("checking hostname %s: %w", requested, err)
		}
	}
	return requested, nil, nil
}

// rollback compensates a failed deploy: ports first, then metadata,
// then the allocation this call created. Failures are logged and
// swallowed so the triggering error stays the surfaced one.
func (p *Provisioner) rollback(ctx context.Context, node *baremetal.Node, nics *nicManager, ownAlloc *baremetal.Allocation) {
	p.log.WarnContext(ctx, "deploy attempt failed, rolling back",
		slog.String("node", node.Describe()))
	p.metrics.ObserveRollback()

	detachAndDeletePorts(ctx, p.client, p.log, node, nics.createdPorts, nics.attachedPorts)

	fresh, err := p.client.GetNode(ctx, node.ID)
	if err != nil {
		p.log.WarnContext(ctx, "failed to refresh node during rollback",
			slog.String("node", node.Describe()), slog.String("error", err.Error()))
		fresh = node
	}
	p.clearMetadata(ctx, fresh)

	if ownAlloc != nil && fresh.ProvisionState != baremetal.StateActive {
		if err := p.client.DeleteAllocation(ctx, ownAlloc.ID); err != nil && !baremetal.IsNotFound(err) {
			p.log.WarnContext(ctx, "failed to delete allocation during rollback",
				slog.String("allocation", ownAlloc.Describe()),
				slog.String("error", err.Error()))
		}
	}
}

// clearMetadata resets instance metadata to the preserved subset and
// drops the port tracking keys. Best-effort.
func (p *Provisioner) clearMetadata(ctx context.Context, node *baremetal.Node) {
	patches := []baremetal.Patch{
		baremetal.AddPatch("/instance_info", preservedSubset(node.InstanceInfo)),
	}
	for _, key := range []string{createdPortsExtraKey, attachedPortsExtraKey} {
		if _, ok := node.Extra[key]; ok {
			patches = append(patches, baremetal.RemovePatch("/extra/"+key))
		}
	}
	if _, err := p.client.UpdateNode(ctx, node.ID, patches); err != nil {
		p.log.WarnContext(ctx, "failed to clear instance metadata",
			slog.String("node", node.Describe()), slog.String("error", err.Error()))
	}
}

func (p *Provisioner) deployError(node *baremetal.Node, wait time.Duration, err error) error {
	var deadline *baremetal.DeadlineError
	if errors.As(err, &deadline) {
		return NewDeploymentTimeoutError(node.Describe(), wait, err)
	}
	return NewDeploymentError(node.Describe(), err)
}

// Unprovision tears an instance down: ports detached and deleted,
// metadata cleared, the node released and its reservation removed. It
// is idempotent; resources already absent are not errors. A wait of
// zero returns right after the teardown is triggered.
func (p *Provisioner) Unprovision(ctx context.Context, nodeIdent string, wait time.Duration) (*baremetal.Node, error) {
	op := p.log.StartOp(ctx, "unprovision", slog.String("node", nodeIdent))

	node, err := p.client.GetNode(ctx, nodeIdent)
	if err != nil {
		if baremetal.IsNotFound(err) {
			err = NewInstanceNotFoundError(nodeIdent, err)
		}
		op.Fail(err, "")
		return nil, err
	}
	if p.dryRun {
		p.log.WarnContext(ctx, "dry run, not unprovisioning node",
			slog.String("node", node.Describe()))
		return node, nil
	}

	created := stringList(node.Extra[createdPortsExtraKey])
	attached := stringList(node.Extra[attachedPortsExtraKey])
	detachAndDeletePorts(ctx, p.client, p.log, node, created, attached)
	p.clearMetadata(ctx, node)

	if err := p.client.SetProvisionState(ctx, node.ID, baremetal.TargetDeleted,
		baremetal.ProvisionOpts{}); err != nil {
		op.Fail(err, "")
		return nil, fmt.Errorf("triggering teardown of node %s: %w", node.Describe(), err)
	}

	if wait > 0 {
		fresh, err := p.client.WaitForProvisionState(ctx, node.ID, baremetal.StateAvailable, wait)
		if err != nil {
			err = p.deployError(node, wait, err)
			op.Fail(err, "")
			return nil, err
		}
		node = fresh
	}

	if node.AllocationID != "" {
		if err := p.client.DeleteAllocation(ctx, node.AllocationID); err != nil && !baremetal.IsNotFound(err) {
			p.log.WarnContext(ctx, "failed to delete allocation during unprovision",
				slog.String("allocation", node.AllocationID),
				slog.String("error", err.Error()))
		}
	}
	if node.InstanceID != "" {
		if _, err := p.client.UpdateNode(ctx, node.ID, []baremetal.Patch{
			baremetal.RemovePatch("/instance_uuid"),
		}); err != nil {
			p.log.WarnContext(ctx, "failed to clear legacy reservation marker",
				slog.String("node", node.Describe()), slog.String("error", err.Error()))
		}
	}

	if fresh, err := p.client.GetNode(ctx, node.ID); err == nil {
		node = fresh
	}

	p.bus.PublishInstanceUnprovisioned(node.ID)
	op.Complete("node unprovisioned", slog.String("node", node.Describe()))
	return node, nil
}

// ListInstances returns every instance deployed by this system.
func (p *Provisioner) ListInstances(ctx context.Context) ([]*Instance, error) {
	associated := true
	nodes, err := p.client.ListNodes(ctx, baremetal.ListNodesOpts{Associated: &associated})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	cache := newAllocationCache(p.client)
	instances := make([]*Instance, 0, len(nodes))
	for i := range nodes {
		node := nodes[i]
		if _, ok := node.InstanceInfo[hostnameInfoKey]; !ok {
			continue
		}
		instances = append(instances, p.instanceFor(ctx, &node, cache))
	}
	return instances, nil
}

// ShowInstances resolves instance references (hostname / allocation
// name, node name or ID) to instances.
func (p *Provisioner) ShowInstances(ctx context.Context, idents []string) ([]*Instance, error) {
	cache := newAllocationCache(p.client)
	instances := make([]*Instance, 0, len(idents))
	for _, ident := range idents {
		node, err := p.resolveInstance(ctx, ident, cache)
		if err != nil {
			return nil, err
		}
		instances = append(instances, p.instanceFor(ctx, node, cache))
	}
	return instances, nil
}

func (p *Provisioner) resolveInstance(ctx context.Context, ident string, cache *allocationCache) (*baremetal.Node, error) {
	if alloc, err := cache.get(ctx, ident); err == nil && alloc.NodeID != "" {
		node, err := p.client.GetNode(ctx, alloc.NodeID)
		if err != nil {
			return nil, fmt.Errorf("fetching node %s of allocation %s: %w",
				alloc.NodeID, alloc.Describe(), err)
		}
		return node, nil
	}
	node, err := p.client.GetNode(ctx, ident)
	if err != nil {
		if baremetal.IsNotFound(err) {
			return nil, NewInstanceNotFoundError(ident, err)
		}
		return nil, err
	}
	return node, nil
}

func (p *Provisioner) instanceFor(ctx context.Context, node *baremetal.Node, cache *allocationCache) *Instance {
	var alloc *baremetal.Allocation
	if node.AllocationID != "" {
		if a, err := cache.get(ctx, node.AllocationID); err == nil {
			alloc = a
		}
	}
	return &Instance{Node: node, Allocation: alloc, client: p.client}
}

// allocationCache memoizes allocation lookups for the duration of one
// list-style call. It is never shared across calls.
type allocationCache struct {
	dir  baremetal.AllocationDirectory
	hits map[string]*baremetal.Allocation
}

func newAllocationCache(dir baremetal.AllocationDirectory) *allocationCache {
	return &allocationCache{dir: dir, hits: map[string]*baremetal.Allocation{}}
}

func (c *allocationCache) get(ctx context.Context, ident string) (*baremetal.Allocation, error) {
	if a, ok := c.hits[ident]; ok {
		return a, nil
	}
	a, err := c.dir.GetAllocation(ctx, ident)
	if err != nil {
		return nil, err
	}
	c.hits[ident] = a
	c.hits[a.ID] = a
	return a, nil
}

// rootDiskSize validates an explicit root size or derives one from the
// node's reported disk capacity minus one gigabyte, reserved for
// partitioning and the config drive.
func rootDiskSize(requested int, node *baremetal.Node) (int, error) {
	if requested > 0 {
		return requested, nil
	}
	if requested < 0 {
		return 0, NewUnknownRootDiskSizeError(node.Describe(),
			fmt.Sprintf("requested size must be positive, got %d", requested))
	}

	raw, ok := node.Properties[baremetal.LocalGBProperty]
	if !ok || raw == nil {
		return 0, NewUnknownRootDiskSizeError(node.Describe(),
			"the node does not report disk capacity and no size was requested")
	}

	var capacity int
	switch v := raw.(type) {
	case int:
		capacity = v
	case int64:
		capacity = int(v)
	case float64:
		capacity = int(v)
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, NewUnknownRootDiskSizeError(node.Describe(),
				fmt.Sprintf("reported disk capacity %q is not a number", v))
		}
		capacity = parsed
	default:
		return 0, NewUnknownRootDiskSizeError(node.Describe(),
			fmt.Sprintf("reported disk capacity has unexpected type %T", raw))
	}

	if capacity <= 0 {
		return 0, NewUnknownRootDiskSizeError(node.Describe(),
			fmt.Sprintf("reported disk capacity must be positive, got %d", capacity))
	}
	return capacity - 1, nil
}

func preservedSubset(instanceInfo map[string]any) map[string]any {
	out := map[string]any{}
	for _, key := range preservedInstanceInfoKeys {
		if v, ok := instanceInfo[key]; ok {
			out[key] = v
		}
	}
	return out
}

// stringMap normalizes a capabilities-like value that may have
// round-tripped through JSON as map[string]any.
func stringMap(raw any) map[string]string {
	out := map[string]string{}
	switch v := raw.(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]any:
		for k, val := range v {
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}

func stringList(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
