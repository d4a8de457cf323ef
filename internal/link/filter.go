package link

import (
	"golang.org/x/net/bpf"

	"firestige.xyz/rinashim/internal/core"
)

const acceptLen = 0xFFFF

// EtherTypeFilter returns a socket filter accepting only frames whose
// ethertype is one of types.
func EtherTypeFilter(types ...uint16) []bpf.Instruction {
	n := len(types)
	prog := make([]bpf.Instruction, 0, n+3)
	prog = append(prog, bpf.LoadAbsolute{Off: 12, Size: 2})
	for i, t := range types {
		// jump over the remaining tests and the reject
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(t), SkipTrue: uint8(n - i)})
	}
	return append(prog, bpf.RetConstant{Val: 0}, bpf.RetConstant{Val: acceptLen})
}

// ShimFilter accepts resolution frames and RINA PDUs.
func ShimFilter() []bpf.Instruction {
	return EtherTypeFilter(core.EtherTypeResolution, core.EtherTypeRINA)
}

// SoftFilter runs a socket filter in user space for links that cannot
// filter in the kernel.
type SoftFilter struct {
	vm *bpf.VM
}

// NewSoftFilter builds a SoftFilter from prog.
func NewSoftFilter(prog []bpf.Instruction) (*SoftFilter, error) {
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, err
	}
	return &SoftFilter{vm: vm}, nil
}

// Accept reports whether frame passes the filter.
func (f *SoftFilter) Accept(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
