// Package events defines the provisioning lifecycle events published by
// smelter and a thin bus for subscribing to them.
package events

import "time"

// Lifecycle event names.
const (
	EventNodeReserved          = "node.reserved"
	EventProvisionStarted      = "provision.started"
	EventProvisionCompleted    = "provision.completed"
	EventProvisionFailed       = "provision.failed"
	EventInstanceUnprovisioned = "instance.unprovisioned"
)

// NodeReservedEvent is published when the reservation engine claims a
// node.
type NodeReservedEvent struct {
	NodeID       string    `json:"node_id"`
	AllocationID string    `json:"allocation_id"`
	Hostname     string    `json:"hostname,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ProvisionStartedEvent is published when the deploy workflow begins on
// a node.
type ProvisionStartedEvent struct {
	NodeID    string    `json:"node_id"`
	Hostname  string    `json:"hostname,omitempty"`
	Image     string    `json:"image,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProvisionCompletedEvent is published when a node reaches its target
// state (or the deploy was triggered without waiting).
type ProvisionCompletedEvent struct {
	NodeID    string        `json:"node_id"`
	Hostname  string        `json:"hostname,omitempty"`
	State     string        `json:"state"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProvisionFailedEvent is published when a deploy workflow fails.
type ProvisionFailedEvent struct {
	NodeID     string    `json:"node_id,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	Error      string    `json:"error"`
	RolledBack bool      `json:"rolled_back"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstanceUnprovisionedEvent is published when a node has been torn
// down and released.
type InstanceUnprovisionedEvent struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}
