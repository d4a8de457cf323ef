package rmt

// Decision is what a scheduling policy chooses for an outbound PDU.
type Decision uint8

const (
	Send Decision = iota
	Enqueue
)

// Policy decides whether an outbound PDU goes to the link now or becomes
// the port's pending PDU. When mustEnqueue is set, choosing Send is a
// policy violation and the PDU is dropped.
type Policy interface {
	Schedule(port PortInfo, pdu PDU, mustEnqueue bool) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(port PortInfo, pdu PDU, mustEnqueue bool) Decision

func (f PolicyFunc) Schedule(port PortInfo, pdu PDU, mustEnqueue bool) Decision {
	return f(port, pdu, mustEnqueue)
}

// SendOrEnqueue sends whenever the port allows it and otherwise keeps the
// newest PDU pending.
var SendOrEnqueue Policy = PolicyFunc(func(_ PortInfo, _ PDU, mustEnqueue bool) Decision {
	if mustEnqueue {
		return Enqueue
	}
	return Send
})
