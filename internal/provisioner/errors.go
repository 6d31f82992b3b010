package provisioner

import (
	"fmt"
	"time"
)

// InvalidNodeError indicates a node unfit for the requested operation:
// maintenance mode, ownership conflicts, hostname mismatches. Raised
// before any side effect.
type InvalidNodeError struct {
	Node    string
	Message string
}

// Error implements the error interface.
func (e *InvalidNodeError) Error() string {
	return fmt.Sprintf("invalid node %s: %s", e.Node, e.Message)
}

// NewInvalidNodeError creates a new InvalidNodeError.
func NewInvalidNodeError(node, message string) *InvalidNodeError {
	return &InvalidNodeError{Node: node, Message: message}
}

// InvalidNICError indicates a malformed or unresolvable NIC descriptor.
type InvalidNICError struct {
	NIC     string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *InvalidNICError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid NIC %s: %s: %v", e.NIC, e.Message, e.Err)
	}
	return fmt.Sprintf("invalid NIC %s: %s", e.NIC, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with wrapped errors.
func (e *InvalidNICError) Unwrap() error {
	return e.Err
}

// NewInvalidNICError creates a new InvalidNICError.
func NewInvalidNICError(nic, message string, err error) *InvalidNICError {
	return &InvalidNICError{NIC: nic, Message: message, Err: err}
}

// InvalidImageError indicates an unresolvable or inconsistent image
// reference.
type InvalidImageError struct {
	Image string
	Err   error
}

// Error implements the error interface.
func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image %s: %v", e.Image, e.Err)
}

// Unwrap allows errors.Is and errors.As to work with wrapped errors.
func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

// NewInvalidImageError creates a new InvalidImageError.
func NewInvalidImageError(image string, err error) *InvalidImageError {
	return &InvalidImageError{Image: image, Err: err}
}

// UnknownRootDiskSizeError indicates that no explicit root disk size
// was requested and the node does not report a usable disk capacity.
type UnknownRootDiskSizeError struct {
	Node    string
	Message string
}

// Error implements the error interface.
func (e *UnknownRootDiskSizeError) Error() string {
	return fmt.Sprintf("cannot determine root disk size for node %s: %s", e.Node, e.Message)
}

// NewUnknownRootDiskSizeError creates a new UnknownRootDiskSizeError.
func NewUnknownRootDiskSizeError(node, message string) *UnknownRootDiskSizeError {
	return &UnknownRootDiskSizeError{Node: node, Message: message}
}

// DeploymentError wraps any failure occurring after the first side
// effect of a provision operation. The rollback path has already run
// (unless disabled) by the time it is returned.
type DeploymentError struct {
	Node string
	Err  error
}

// Error implements the error interface.
func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment failed on node %s: %v", e.Node, e.Err)
}

// Unwrap allows errors.Is and errors.As to work with wrapped errors.
func (e *DeploymentError) Unwrap() error {
	return e.Err
}

// NewDeploymentError creates a new DeploymentError.
func NewDeploymentError(node string, err error) *DeploymentError {
	return &DeploymentError{Node: node, Err: err}
}

// DeploymentTimeoutError indicates the deploy was triggered but the
// node did not reach the target state within the requested wait. It is
// distinct from DeploymentError so callers can decide to keep waiting.
type DeploymentTimeoutError struct {
	Node    string
	Timeout time.Duration
	Err     error
}

// Error implements the error interface.
func (e *DeploymentTimeoutError) Error() string {
	return fmt.Sprintf("deployment timed out on node %s after %s: %v", e.Node, e.Timeout, e.Err)
}

// Unwrap allows errors.Is and errors.As to work with wrapped errors.
func (e *DeploymentTimeoutError) Unwrap() error {
	return e.Err
}

// NewDeploymentTimeoutError creates a new DeploymentTimeoutError.
func NewDeploymentTimeoutError(node string, timeout time.Duration, err error) *DeploymentTimeoutError {
	return &DeploymentTimeoutError{Node: node, Timeout: timeout, Err: err}
}

// InstanceNotFoundError indicates that an instance reference (hostname,
// allocation name, node name or ID) resolved to nothing.
type InstanceNotFoundError struct {
	Ident string
	Err   error
}

// Error implements the error interface.
func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("instance %s not found: %v", e.Ident, e.Err)
}

// Unwrap allows errors.Is and errors.As to work with wrapped errors.
func (e *InstanceNotFoundError) Unwrap() error {
	return e.Err
}

// NewInstanceNotFoundError creates a new InstanceNotFoundError.
func NewInstanceNotFoundError(ident string, err error) *InstanceNotFoundError {
	return &InstanceNotFoundError{Ident: ident, Err: err}
}
