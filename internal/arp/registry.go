package arp

import "firestige.xyz/rinashim/internal/address"

// Handle is a non-owning reference to a name held by a Registry.
type Handle int32

// NoHandle refers to no name.
const NoHandle Handle = -1

type registrySlot struct {
	name address.GPA
	refs int
}

// Registry owns the protocol addresses referenced by cache rows. Rows hold
// Handles; a name is dropped when its last reference is released.
type Registry struct {
	slots []registrySlot
	free  []Handle
	index map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]Handle)}
}

// Acquire interns name and takes a reference to it.
func (r *Registry) Acquire(name address.GPA) Handle {
	if h, ok := r.index[name.Key()]; ok {
		r.slots[h].refs++
		return h
	}

	var h Handle
	if n := len(r.free); n > 0 {
		h = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, registrySlot{})
		h = Handle(len(r.slots) - 1)
	}
	r.slots[h] = registrySlot{name: name.Clone(), refs: 1}
	r.index[name.Key()] = h
	return h
}

// Release drops one reference.
func (r *Registry) Release(h Handle) {
	if !r.valid(h) {
		return
	}
	s := &r.slots[h]
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(r.index, s.name.Key())
	*s = registrySlot{}
	r.free = append(r.free, h)
}

// Find returns the handle of name without taking a reference.
func (r *Registry) Find(name address.GPA) (Handle, bool) {
	h, ok := r.index[name.Key()]
	return h, ok
}

// Name returns the address behind h, or the empty GPA.
func (r *Registry) Name(h Handle) address.GPA {
	if !r.valid(h) {
		return address.GPA{}
	}
	return r.slots[h].name
}

// Len returns the number of live names.
func (r *Registry) Len() int {
	return len(r.index)
}

func (r *Registry) valid(h Handle) bool {
	return h >= 0 && int(h) < len(r.slots) && r.slots[h].refs > 0
}
