// Package arp implements the shim's address resolution protocol: a small
// fixed-size cache binding protocol names to hardware addresses, and the
// request/reply exchange that fills it.
package arp

import (
	"fmt"
	"math"
	"strings"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/log"
	"firestige.xyz/rinashim/internal/metrics"
	"firestige.xyz/rinashim/internal/netbuf"
)

// Defaults for a Config left at its zero value.
const (
	DefaultTableSize          = 6
	DefaultMaxAge             = 150
	DefaultMaxRetransmissions = 5
	DefaultReplyAge           = 3
)

// RowState is the state of a cache row.
type RowState uint8

const (
	RowEmpty RowState = iota
	RowPending
	RowResolved
)

func (s RowState) String() string {
	switch s {
	case RowEmpty:
		return "empty"
	case RowPending:
		return "pending"
	case RowResolved:
		return "resolved"
	default:
		return fmt.Sprintf("RowState(%d)", uint8(s))
	}
}

// LookupResult is the outcome of Lookup.
type LookupResult uint8

const (
	Miss LookupResult = iota
	Hit
	Pending
)

func (r LookupResult) String() string {
	switch r {
	case Hit:
		return "hit"
	case Pending:
		return "pending"
	default:
		return "miss"
	}
}

// Config sizes the cache and its timers.
type Config struct {
	TableSize          int   `mapstructure:"table_size" yaml:"table_size"`
	MaxAge             uint8 `mapstructure:"max_age" yaml:"max_age"`
	MaxRetransmissions uint8 `mapstructure:"max_retransmissions" yaml:"max_retransmissions"`
	ReplyAge           uint8 `mapstructure:"reply_age" yaml:"reply_age"`
}

func (c *Config) applyDefaults() {
	if c.TableSize <= 0 {
		c.TableSize = DefaultTableSize
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxRetransmissions == 0 {
		c.MaxRetransmissions = DefaultMaxRetransmissions
	}
	if c.ReplyAge == 0 {
		c.ReplyAge = DefaultReplyAge
	}
}

// row is one cache slot. An empty row has no name, a zero hardware address
// and age 0; a pending row has a name but no hardware address yet.
type row struct {
	state RowState
	name  Handle
	hw    address.GHA
	age   uint8
}

// Row is a read-only copy of a cache row.
type Row struct {
	Index int
	State RowState
	Name  address.GPA
	HW    address.GHA
	Age   uint8
}

// Cache is the resolution table. It is owned by the protocol task and is
// not safe for concurrent use; only frame construction (BuildRequest) may
// run from other goroutines.
type Cache struct {
	cfg     Config
	rows    []row
	names   *Registry
	local   map[string]address.GPA
	localHW address.GHA
	pool    *netbuf.Pool
	logger  log.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithLocalHardwareAddress sets the hardware address announced in replies.
func WithLocalHardwareAddress(hw address.GHA) Option {
	return func(c *Cache) { c.localHW = hw }
}

// NewCache creates an empty cache whose frames are built in buffers from
// pool.
func NewCache(cfg Config, pool *netbuf.Pool, opts ...Option) *Cache {
	cfg.applyDefaults()
	c := &Cache{
		cfg:   cfg,
		rows:  make([]row, cfg.TableSize),
		names: NewRegistry(),
		local: make(map[string]address.GPA),
		pool:  pool,
	}
	for i := range c.rows {
		c.rows[i].name = NoHandle
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Component("arp")
	}
	c.publish()
	return c
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// SetLocalHardwareAddress updates the hardware address announced in replies,
// e.g. after the link's MAC address changed.
func (c *Cache) SetLocalHardwareAddress(hw address.GHA) {
	c.localHW = hw
}

// LocalHardwareAddress returns the hardware address announced in replies.
func (c *Cache) LocalHardwareAddress() address.GHA {
	return c.localHW
}

// Refresh records that gpa is bound to hw. A nil hw marks gpa as being
// resolved, unless it is already known.
func (c *Cache) Refresh(gpa address.GPA, hw *address.GHA) {
	c.refresh(gpa, hw, c.cfg.MaxAge)
}

// Add inserts the binding gpa to hw with the given age.
func (c *Cache) Add(gpa address.GPA, hw address.GHA, age uint8) {
	c.refresh(gpa, &hw, age)
}

func (c *Cache) refresh(gpa address.GPA, hw *address.GHA, age uint8) {
	if !gpa.IsValid() {
		return
	}

	protoIdx, hwIdx, useIdx := -1, -1, 0
	minAge := uint8(math.MaxUint8)

	for i := range c.rows {
		r := &c.rows[i]
		matchProto := r.state != RowEmpty && c.names.Name(r.name).Equal(gpa)
		matchHW := hw != nil && r.state == RowResolved && r.hw == *hw

		if matchProto {
			if hw == nil {
				// already known or already being resolved
				protoIdx = i
				break
			}
			if matchHW {
				r.age = max(r.age, age)
				return
			}
			protoIdx = i
		} else if matchHW {
			hwIdx = i
		} else if r.age < minAge {
			minAge = r.age
			useIdx = i
		}
	}

	switch {
	case hwIdx >= 0:
		useIdx = hwIdx
		if protoIdx >= 0 && protoIdx != hwIdx {
			c.clear(protoIdx)
		}
	case protoIdx >= 0:
		useIdx = protoIdx
	}

	r := &c.rows[useIdx]
	switch {
	case hw != nil:
		c.setName(r, gpa)
		r.hw = *hw
		r.age = age
		r.state = RowResolved
	case protoIdx < 0:
		c.setName(r, gpa)
		r.hw = address.GHA{}
		r.age = c.cfg.MaxRetransmissions
		r.state = RowPending
	}
	c.publish()
}

func (c *Cache) setName(r *row, gpa address.GPA) {
	if r.state != RowEmpty && c.names.Name(r.name).Equal(gpa) {
		return
	}
	if r.name != NoHandle {
		c.names.Release(r.name)
	}
	r.name = c.names.Acquire(gpa)
}

func (c *Cache) clear(i int) {
	r := &c.rows[i]
	if r.name != NoHandle {
		c.names.Release(r.name)
	}
	*r = row{name: NoHandle}
}

// Lookup returns the hardware address bound to gpa.
func (c *Cache) Lookup(gpa address.GPA) (address.GHA, LookupResult) {
	hw, result := c.Peek(gpa)
	metrics.CacheLookupsTotal.WithLabelValues(result.String()).Inc()
	return hw, result
}

// Peek is Lookup without counting the lookup.
func (c *Cache) Peek(gpa address.GPA) (address.GHA, LookupResult) {
	if i := c.find(gpa); i >= 0 {
		switch r := c.rows[i]; r.state {
		case RowResolved:
			return r.hw, Hit
		case RowPending:
			return address.GHA{}, Pending
		}
	}
	return address.GHA{}, Miss
}

func (c *Cache) find(gpa address.GPA) int {
	h, ok := c.names.Find(gpa)
	if !ok {
		return -1
	}
	for i := range c.rows {
		if c.rows[i].state != RowEmpty && c.rows[i].name == h {
			return i
		}
	}
	return -1
}

// Remove clears the row binding gpa to hw. It reports whether such a row
// existed.
func (c *Cache) Remove(gpa address.GPA, hw address.GHA) bool {
	i := c.find(gpa)
	if i < 0 || c.rows[i].state != RowResolved || c.rows[i].hw != hw {
		return false
	}
	c.clear(i)
	c.publish()
	return true
}

// RemoveAll clears every row.
func (c *Cache) RemoveAll() {
	for i := range c.rows {
		c.clear(i)
	}
	c.publish()
}

// Tick ages every row by one and clears the rows that expire. It returns
// the names whose rows expired.
func (c *Cache) Tick() []address.GPA {
	var expired []address.GPA
	for i := range c.rows {
		r := &c.rows[i]
		if r.state == RowEmpty {
			continue
		}
		if r.age > 0 {
			r.age--
		}
		if r.age > 0 {
			continue
		}
		name := c.names.Name(r.name).Clone()
		if r.state == RowPending {
			c.logger.Debugf("resolution of %s timed out", name)
		}
		expired = append(expired, name)
		c.clear(i)
	}
	if len(expired) > 0 {
		c.publish()
	}
	return expired
}

// AddLocalName registers a name this node answers requests for.
func (c *Cache) AddLocalName(gpa address.GPA) error {
	if !gpa.IsValid() {
		return fmt.Errorf("register empty local name")
	}
	c.local[gpa.Key()] = gpa.Clone()
	return nil
}

// RemoveLocalName unregisters a local name.
func (c *Cache) RemoveLocalName(gpa address.GPA) {
	delete(c.local, gpa.Key())
}

// IsLocalName reports whether this node answers requests for gpa.
func (c *Cache) IsLocalName(gpa address.GPA) bool {
	_, ok := c.local[gpa.Key()]
	return ok
}

// Rows returns a copy of every row, empty ones included.
func (c *Cache) Rows() []Row {
	out := make([]Row, len(c.rows))
	for i, r := range c.rows {
		out[i] = Row{Index: i, State: r.state, HW: r.hw, Age: r.age}
		if r.state != RowEmpty {
			out[i].Name = c.names.Name(r.name).Clone()
		}
	}
	return out
}

func (c *Cache) String() string {
	var sb strings.Builder
	for _, r := range c.Rows() {
		if r.State == RowEmpty {
			continue
		}
		fmt.Fprintf(&sb, "[%d] %-8s %-20s %s age=%d\n", r.Index, r.State, r.Name, r.HW, r.Age)
	}
	return sb.String()
}

func (c *Cache) publish() {
	var counts [3]int
	for _, r := range c.rows {
		counts[r.state]++
	}
	for s, n := range counts {
		metrics.CacheRows.WithLabelValues(RowState(s).String()).Set(float64(n))
	}
}
