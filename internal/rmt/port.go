package rmt

import (
	"fmt"

	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/metrics"
)

// PortState is the scheduling state of the N-1 port.
type PortState uint8

const (
	// PortEnabled takes PDUs directly.
	PortEnabled PortState = iota
	// PortDisabled queues PDUs until the link reports ready.
	PortDisabled
	// PortDoNotDisable queues when it must but never becomes disabled.
	PortDoNotDisable
)

func (s PortState) String() string {
	switch s {
	case PortEnabled:
		return "enabled"
	case PortDisabled:
		return "disabled"
	case PortDoNotDisable:
		return "do-not-disable"
	default:
		return fmt.Sprintf("PortState(%d)", uint8(s))
	}
}

// PortStats counts traffic on the N-1 port.
type PortStats struct {
	TxPDUs  uint64
	TxBytes uint64
	RxPDUs  uint64
	RxBytes uint64
	Drops   uint64
	Errors  uint64
	// Queued is the number of pending PDUs, 0 or 1.
	Queued int
}

// PortInfo is what a scheduling policy sees of the port.
type PortInfo struct {
	ID      core.PortID
	State   PortState
	Busy    bool
	Pending bool
}

type n1Port struct {
	id      core.PortID
	link    Writer
	state   PortState
	busy    bool
	pending *PDU
	stats   PortStats
}

func (p *n1Port) mustEnqueue() bool {
	return p.pending != nil || p.busy || p.state == PortDisabled
}

func (p *n1Port) info() PortInfo {
	return PortInfo{ID: p.id, State: p.state, Busy: p.busy, Pending: p.pending != nil}
}

func (p *n1Port) setState(s PortState) {
	p.state = s
	metrics.PortState.Set(float64(s))
}

// Port returns the bound port's id, state and statistics.
func (r *RMT) Port() (PortInfo, PortStats, error) {
	p := r.port
	if p == nil {
		return PortInfo{}, PortStats{}, core.ErrPortInvalid
	}
	stats := p.stats
	if p.pending != nil {
		stats.Queued = 1
	}
	return p.info(), stats, nil
}
