package ipcp

import (
	"sync/atomic"

	"firestige.xyz/rinashim/internal/core"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/netbuf"
	"firestige.xyz/rinashim/internal/rmt"
)

// LoggingSink stands in for the management agent and the EFCP instances
// when the shim runs without upper layers. It logs and frees what it gets.
type LoggingSink struct {
	pool   *netbuf.Pool
	logger log.Logger

	mgmt atomic.Uint64
	data atomic.Uint64
}

// NewLoggingSink creates a sink releasing buffers into pool.
func NewLoggingSink(pool *netbuf.Pool, logger log.Logger) *LoggingSink {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &LoggingSink{pool: pool, logger: logger.WithField("component", "sink")}
}

func (s *LoggingSink) HandleManagement(from core.PortID, pdu rmt.PDU) error {
	s.mgmt.Add(1)
	s.logger.WithFields(map[string]interface{}{
		"port": from,
		"src":  pdu.PCI.Src,
		"type": pdu.PCI.Type.String(),
		"len":  len(pdu.PCI.Payload),
	}).Debug("management pdu")
	return s.pool.Release(pdu.Buf)
}

func (s *LoggingSink) Receive(cep core.CepID, pdu rmt.PDU) error {
	s.data.Add(1)
	s.logger.WithFields(map[string]interface{}{
		"cep":  cep,
		"src":  pdu.PCI.Src,
		"seq":  pdu.PCI.Sequence,
		"type": pdu.PCI.Type.String(),
		"len":  len(pdu.PCI.Payload),
	}).Debug("data pdu")
	return s.pool.Release(pdu.Buf)
}

// Counts returns the number of management and data PDUs seen.
func (s *LoggingSink) Counts() (mgmt, data uint64) {
	return s.mgmt.Load(), s.data.Load()
}
