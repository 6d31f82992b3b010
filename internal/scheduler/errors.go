package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smelterhq/smelter/internal/baremetal"
)

// NodesNotFoundError is raised when no candidate matches the requested
// resource class / conductor group (or the initial lookup was empty).
type NodesNotFoundError struct {
	ResourceClass string
	// ConductorGroup is nil when any group was acceptable. An empty
	// string is the default group, which is a valid value of its own.
	ConductorGroup *string
}

func (e *NodesNotFoundError) Error() string {
	msg := "no available nodes found"
	if e.ResourceClass != "" {
		msg += " with resource class " + e.ResourceClass
	}
	if e.ConductorGroup != nil {
		group := *e.ConductorGroup
		if group == "" {
			group = "<default>"
		}
		msg += " in conductor group " + group
	}
	return msg
}

// CapabilitiesNotFoundError is raised when the capabilities filter
// exhausts the candidate list. Observed maps every "key=value" actually
// seen across rejected nodes to the number of nodes carrying it.
type CapabilitiesNotFoundError struct {
	Requested map[string]string
	Observed  map[string]int
}

func (e *CapabilitiesNotFoundError) Error() string {
	return fmt.Sprintf(
		"no available nodes found with capabilities %s, existing capabilities: %s",
		formatStringMap(e.Requested), formatCountMap(e.Observed))
}

// TraitsNotFoundError is raised when the traits filter exhausts the
// candidate list. Observed counts every trait seen across rejected
// nodes.
type TraitsNotFoundError struct {
	Requested []string
	Observed  map[string]int
}

func (e *TraitsNotFoundError) Error() string {
	return fmt.Sprintf(
		"no available nodes found with traits %s, existing traits: %s",
		strings.Join(e.Requested, ", "), formatCountMap(e.Observed))
}

// PredicateFailedError is raised when a caller-supplied predicate
// rejects every remaining candidate.
type PredicateFailedError struct {
	Rejected []baremetal.Node
}

func (e *PredicateFailedError) Error() string {
	names := make([]string, 0, len(e.Rejected))
	for i := range e.Rejected {
		names = append(names, e.Rejected[i].Describe())
	}
	return "no nodes satisfied the custom predicate, checked: " + strings.Join(names, ", ")
}

// ValidationError records a readiness validation failure for a single
// candidate. It is recovered locally by the reservation engine and only
// surfaces in aggregate.
type ValidationError struct {
	Node baremetal.Node
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("node %s failed validation: %v", e.Node.Describe(), e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AttemptFailure is the recorded outcome of one failed reservation
// attempt.
type AttemptFailure struct {
	Node baremetal.Node
	Err  error
}

// AllCandidatesReservedError is raised when every candidate failed
// validation or reservation. It carries the full per-candidate failure
// list so callers can diagnose without re-querying the control plane.
type AllCandidatesReservedError struct {
	ResourceClass string
	Failures      []AttemptFailure
}

func (e *AllCandidatesReservedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Node.Describe(), f.Err))
	}
	return fmt.Sprintf("could not reserve any of %d candidate node(s): %s",
		len(e.Failures), strings.Join(parts, "; "))
}

func formatStringMap(m map[string]string) string {
	if len(m) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(m))
	for _, k := range baremetal.SortedKeys(m) {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ", ")
}

func formatCountMap(m map[string]int) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s (%d node(s))", k, m[k]))
	}
	return strings.Join(parts, ", ")
}
