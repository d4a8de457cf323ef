// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the shim data plane. Callers wrap them with
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// Buffer pool errors
	ErrResourceExhausted = errors.New("rinashim: no network buffer available")
	ErrDoubleRelease     = errors.New("rinashim: network buffer released twice")
	ErrPoolInit          = errors.New("rinashim: buffer pool initialisation failed")

	// Packet errors
	ErrMalformedPacket = errors.New("rinashim: malformed packet")
	ErrAddressUnknown  = errors.New("rinashim: address not claimed by this node")
	ErrNotForMe        = errors.New("rinashim: pdu not addressed to this node")

	// Port errors
	ErrPortInvalid     = errors.New("rinashim: invalid or unbound n-1 port")
	ErrAlreadyPending  = errors.New("rinashim: a pending pdu is already queued on the port")
	ErrPolicyViolation = errors.New("rinashim: scheduling policy sent while enqueue was required")

	// Link errors
	ErrLinkBusy   = errors.New("rinashim: link cannot take a frame now")
	ErrLinkClosed = errors.New("rinashim: link closed")

	// Collaborator errors
	ErrNoHandler = errors.New("rinashim: no handler registered")

	// Task errors
	ErrTaskStopped = errors.New("rinashim: protocol task stopped")
	ErrQueueFull   = errors.New("rinashim: protocol task queue full")

	// Configuration errors
	ErrConfigInvalid = errors.New("rinashim: invalid configuration")
)
