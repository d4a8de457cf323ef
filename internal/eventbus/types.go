package eventbus

import (
	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/netbuf"
)

// Type names the kind of work an event carries.
type Type uint8

const (
	// RxPacket carries a received frame.
	RxPacket Type = iota
	// TxFrame carries a resolution request to transmit; Target is marked
	// pending first.
	TxFrame
	// AgeTick ages the resolution cache.
	AgeTick
	// LinkReady reports that the link can take frames again.
	LinkReady
	// SendPdu carries a framed PDU for Target.
	SendPdu
	// Call runs Call on the protocol task and reports to Result.
	Call

	numTypes
)

func (t Type) String() string {
	switch t {
	case RxPacket:
		return "rx_packet"
	case TxFrame:
		return "tx_frame"
	case AgeTick:
		return "age_tick"
	case LinkReady:
		return "link_ready"
	case SendPdu:
		return "send_pdu"
	case Call:
		return "call"
	default:
		return "unknown"
	}
}

// Event is one unit of work for the protocol task. Buf, when set, is owned
// by the event.
type Event struct {
	Type   Type
	Buf    *netbuf.Buffer
	Target address.GPA
	Call   func() error
	Result chan<- error
}

// Handler processes one event. It owns ev.Buf.
type Handler func(ev Event) error

// Stats counts bus activity.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	FailedCount    int64
	QueuedCount    int
}
