// Package scheduler implements candidate filtering and the reservation
// engine: given a list of nodes from the bare-metal control plane, it
// narrows the list through an ordered filter chain and then claims
// exactly one node through the allocation directory.
package scheduler

import (
	"log/slog"

	"github.com/smelterhq/smelter/internal/baremetal"
	"github.com/smelterhq/smelter/internal/shared/logger"
)

// Filter is a single pass over the candidate list. Test never mutates
// the node. OnExhausted builds the typed error raised when a pass
// yields no nodes; it may rely on state accumulated during Test calls.
type Filter interface {
	Test(node *baremetal.Node) bool
	OnExhausted() error
}

// RunFilters applies filters strictly in order, each one narrowing the
// output of the previous. The output is always an order-preserving
// subset of the input. The first filter to yield an empty list aborts
// the run with its own error kind.
func RunFilters(log *logger.Logger, nodes []baremetal.Node, filters []Filter) ([]baremetal.Node, error) {
	for _, f := range filters {
		kept := make([]baremetal.Node, 0, len(nodes))
		for i := range nodes {
			if f.Test(&nodes[i]) {
				kept = append(kept, nodes[i])
			}
		}
		log.Debug("filter pass finished",
			slog.Int("in", len(nodes)), slog.Int("out", len(kept)))
		if len(kept) == 0 {
			return nil, f.OnExhausted()
		}
		nodes = kept
	}
	return nodes, nil
}

// NodeTypeFilter keeps nodes that are free for reservation and match
// the requested resource class and conductor group.
type NodeTypeFilter struct {
	log *logger.Logger

	// ResourceClass must match when non-empty.
	ResourceClass string
	// ConductorGroup must match when non-nil. nil means any group; a
	// pointer to "" requests the default group explicitly.
	ConductorGroup *string
}

// NewNodeTypeFilter builds a NodeTypeFilter.
func NewNodeTypeFilter(log *logger.Logger, resourceClass string, conductorGroup *string) *NodeTypeFilter {
	return &NodeTypeFilter{log: log, ResourceClass: resourceClass, ConductorGroup: conductorGroup}
}

func (f *NodeTypeFilter) Test(node *baremetal.Node) bool {
	if node.Reserved() {
		f.log.Debug("node is already reserved", slog.String("node", node.Describe()))
		return false
	}
	if node.Maintenance {
		f.log.Debug("node is in maintenance", slog.String("node", node.Describe()),
			slog.String("reason", node.MaintenanceReason))
		return false
	}
	if f.ResourceClass != "" && node.ResourceClass != f.ResourceClass {
		f.log.Debug("resource class does not match",
			slog.String("node", node.Describe()),
			slog.String("expected", f.ResourceClass),
			slog.String("actual", node.ResourceClass))
		return false
	}
	if f.ConductorGroup != nil && node.ConductorGroup != *f.ConductorGroup {
		f.log.Debug("conductor group does not match",
			slog.String("node", node.Describe()),
			slog.String("expected", *f.ConductorGroup),
			slog.String("actual", node.ConductorGroup))
		return false
	}
	return true
}

func (f *NodeTypeFilter) OnExhausted() error {
	return &NodesNotFoundError{ResourceClass: f.ResourceClass, ConductorGroup: f.ConductorGroup}
}

// CapabilitiesFilter keeps nodes exposing the exact requested value for
// every requested capability key. Nodes with malformed capability data
// are excluded and logged, never fatal.
type CapabilitiesFilter struct {
	log       *logger.Logger
	requested map[string]string
	observed  map[string]int
}

// NewCapabilitiesFilter builds a CapabilitiesFilter.
func NewCapabilitiesFilter(log *logger.Logger, requested map[string]string) *CapabilitiesFilter {
	return &CapabilitiesFilter{
		log:       log,
		requested: requested,
		observed:  map[string]int{},
	}
}

func (f *CapabilitiesFilter) Test(node *baremetal.Node) bool {
	if len(f.requested) == 0 {
		return true
	}

	caps, err := node.CapabilitiesMap()
	if err != nil {
		f.log.Warn("malformed capabilities on node, excluding it",
			slog.String("node", node.Describe()), slog.String("error", err.Error()))
		return false
	}

	for _, key := range baremetal.SortedKeys(f.requested) {
		value := f.requested[key]
		nodeValue, ok := caps[key]
		if !ok {
			f.log.Debug("node does not have requested capability",
				slog.String("node", node.Describe()), slog.String("capability", key))
			return false
		}
		f.observed[key+"="+nodeValue]++
		if nodeValue != value {
			f.log.Debug("capability value does not match",
				slog.String("node", node.Describe()),
				slog.String("capability", key),
				slog.String("expected", value),
				slog.String("actual", nodeValue))
			return false
		}
	}
	return true
}

func (f *CapabilitiesFilter) OnExhausted() error {
	return &CapabilitiesNotFoundError{Requested: f.requested, Observed: f.observed}
}

// TraitsFilter keeps nodes whose trait set is a superset of the
// requested traits.
type TraitsFilter struct {
	log       *logger.Logger
	requested []string
	observed  map[string]int
}

// NewTraitsFilter builds a TraitsFilter.
func NewTraitsFilter(log *logger.Logger, requested []string) *TraitsFilter {
	return &TraitsFilter{log: log, requested: requested, observed: map[string]int{}}
}

func (f *TraitsFilter) Test(node *baremetal.Node) bool {
	if len(f.requested) == 0 {
		return true
	}

	for _, trait := range node.Traits {
		f.observed[trait]++
	}

	set := node.TraitSet()
	for _, trait := range f.requested {
		if _, ok := set[trait]; !ok {
			f.log.Debug("node does not have requested trait",
				slog.String("node", node.Describe()), slog.String("trait", trait))
			return false
		}
	}
	return true
}

func (f *TraitsFilter) OnExhausted() error {
	return &TraitsNotFoundError{Requested: f.requested, Observed: f.observed}
}

// NodePredicate is the narrow capability interface for caller-supplied
// matching logic.
type NodePredicate interface {
	Evaluate(node *baremetal.Node) bool
}

// PredicateFunc adapts a plain function to NodePredicate.
type PredicateFunc func(node *baremetal.Node) bool

// Evaluate implements NodePredicate.
func (fn PredicateFunc) Evaluate(node *baremetal.Node) bool { return fn(node) }

// PredicateFilter keeps nodes accepted by a caller-supplied predicate.
// Rejected nodes are tracked for diagnostics. A panic inside the
// predicate is a caller bug and propagates uncaught.
type PredicateFilter struct {
	predicate NodePredicate
	rejected  []baremetal.Node
}

// NewPredicateFilter builds a PredicateFilter.
func NewPredicateFilter(predicate NodePredicate) *PredicateFilter {
	return &PredicateFilter{predicate: predicate}
}

func (f *PredicateFilter) Test(node *baremetal.Node) bool {
	if !f.predicate.Evaluate(node) {
		f.rejected = append(f.rejected, *node)
		return false
	}
	return true
}

func (f *PredicateFilter) OnExhausted() error {
	return &PredicateFailedError{Rejected: f.rejected}
}
