package arp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rinashim/internal/address"
	"firestige.xyz/rinashim/internal/netbuf"
)

func newTestCache(t *testing.T, size int) *Cache {
	t.Helper()
	pool, err := netbuf.NewPool(4)
	require.NoError(t, err)
	return NewCache(Config{TableSize: size}, pool,
		WithLocalHardwareAddress(address.MustParseGHA("02:00:00:00:00:01")))
}

func gpa(s string) address.GPA { return address.GPAFromString(s) }

func gha(s string) *address.GHA {
	g := address.MustParseGHA(s)
	return &g
}

// assertUnique checks that no two non-empty rows share a name and no two
// resolved rows share a hardware address.
func assertUnique(t *testing.T, c *Cache) {
	t.Helper()
	names := map[string]int{}
	hws := map[address.GHA]int{}
	for _, r := range c.Rows() {
		switch r.State {
		case RowEmpty:
			assert.False(t, r.Name.IsValid(), "row %d", r.Index)
			assert.Zero(t, r.Age, "row %d", r.Index)
			continue
		case RowResolved:
			hws[r.HW]++
			assert.Equal(t, 1, hws[r.HW], "hardware address %s repeated", r.HW)
		}
		names[r.Name.Key()]++
		assert.Equal(t, 1, names[r.Name.Key()], "name %s repeated", r.Name)
	}
}

func TestRefreshThenLookup(t *testing.T) {
	c := newTestCache(t, 4)

	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))

	hw, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Hit, res)
	assert.Equal(t, *gha("aa:bb:cc:00:00:01"), hw)

	_, res = c.Lookup(gpa("node-2"))
	assert.Equal(t, Miss, res)
}

func TestRefreshWithoutHardwareMarksPending(t *testing.T) {
	c := newTestCache(t, 4)

	c.Refresh(gpa("node-1"), nil)
	_, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Pending, res)
	assert.Equal(t, c.Config().MaxRetransmissions, c.Rows()[0].Age)

	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))
	_, res = c.Lookup(gpa("node-1"))
	assert.Equal(t, Hit, res)
	assertUnique(t, c)
}

func TestRefreshPendingKeepsResolvedBinding(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))

	c.Refresh(gpa("node-1"), nil)

	hw, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Hit, res)
	assert.Equal(t, *gha("aa:bb:cc:00:00:01"), hw)
}

func TestRefreshExactMatchResetsAge(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))
	c.rows[0].age = 2

	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))

	assert.Equal(t, c.Config().MaxAge, c.Rows()[0].Age)
}

func TestRefreshHardwareMatchWinsOverProtocolMatch(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))
	c.Refresh(gpa("node-2"), gha("aa:bb:cc:00:00:02"))

	// node-1 moved to node-2's interface
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:02"))

	hw, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Hit, res)
	assert.Equal(t, *gha("aa:bb:cc:00:00:02"), hw)
	_, res = c.Lookup(gpa("node-2"))
	assert.Equal(t, Miss, res)
	assertUnique(t, c)
}

func TestRefreshProtocolMatchUpdatesHardware(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))

	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:09"))

	hw, _ := c.Lookup(gpa("node-1"))
	assert.Equal(t, *gha("aa:bb:cc:00:00:09"), hw)
	assertUnique(t, c)
}

func TestRefreshEvictsLowestAge(t *testing.T) {
	c := newTestCache(t, 2)
	c.Refresh(gpa("node-7"), gha("00:00:00:00:00:07"))
	c.Refresh(gpa("node-3"), gha("00:00:00:00:00:03"))
	c.rows[0].age = 5
	c.rows[1].age = 1

	c.Refresh(gpa("node-9"), gha("00:00:00:00:00:09"))

	_, res := c.Lookup(gpa("node-3"))
	assert.Equal(t, Miss, res)
	hw, res := c.Lookup(gpa("node-9"))
	assert.Equal(t, Hit, res)
	assert.Equal(t, *gha("00:00:00:00:00:09"), hw)
	assert.Equal(t, RowResolved, c.rows[1].state)
	assert.Equal(t, *gha("00:00:00:00:00:09"), c.rows[1].hw)
	_, res = c.Lookup(gpa("node-7"))
	assert.Equal(t, Hit, res)
	assertUnique(t, c)
}

func TestFullCacheEvictsExactlyTheOldestRow(t *testing.T) {
	c := newTestCache(t, 4)
	ages := []uint8{9, 4, 7, 6}
	for i, age := range ages {
		c.Refresh(gpa(fmt.Sprintf("node-%d", i)), gha(fmt.Sprintf("00:00:00:00:00:%02x", i+1)))
		c.rows[i].age = age
	}

	c.Refresh(gpa("node-new"), gha("00:00:00:00:00:ff"))

	for i := range ages {
		_, res := c.Lookup(gpa(fmt.Sprintf("node-%d", i)))
		if i == 1 {
			assert.Equal(t, Miss, res, "node-%d", i)
		} else {
			assert.Equal(t, Hit, res, "node-%d", i)
		}
	}
	assertUnique(t, c)
}

func TestUniquenessUnderChurn(t *testing.T) {
	c := newTestCache(t, 3)
	for i := 0; i < 50; i++ {
		name := gpa(fmt.Sprintf("node-%d", i%5))
		if i%4 == 0 {
			c.Refresh(name, nil)
		} else {
			c.Refresh(name, gha(fmt.Sprintf("00:00:00:00:00:%02x", i%7)))
		}
		if i%6 == 0 {
			c.Tick()
		}
		assertUnique(t, c)
	}
}

func TestRemoveMatchesByContent(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))

	assert.False(t, c.Remove(gpa("node-1"), *gha("aa:bb:cc:00:00:02")))
	// a distinct but equal GPA value
	assert.True(t, c.Remove(address.NewGPA([]byte("node-1")), *gha("aa:bb:cc:00:00:01")))

	_, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Miss, res)
	assert.Zero(t, c.names.Len())
}

func TestRemoveAll(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), gha("aa:bb:cc:00:00:01"))
	c.Refresh(gpa("node-2"), nil)

	c.RemoveAll()

	for _, r := range c.Rows() {
		assert.Equal(t, RowEmpty, r.State)
	}
	assert.Zero(t, c.names.Len())
	assert.Empty(t, c.String())
}

func TestTickExpiresRows(t *testing.T) {
	c := newTestCache(t, 4)
	c.Refresh(gpa("node-1"), nil) // MaxRetransmissions
	c.Add(gpa("node-2"), *gha("aa:bb:cc:00:00:02"), 1)

	expired := c.Tick()
	require.Len(t, expired, 1)
	assert.Equal(t, "node-2", expired[0].String())

	for i := 1; i < int(c.Config().MaxRetransmissions); i++ {
		c.Tick()
	}
	_, res := c.Lookup(gpa("node-1"))
	assert.Equal(t, Miss, res)
}

func TestLocalNames(t *testing.T) {
	c := newTestCache(t, 4)

	require.NoError(t, c.AddLocalName(gpa("me")))
	assert.Error(t, c.AddLocalName(address.GPA{}))
	assert.True(t, c.IsLocalName(gpa("me")))

	c.RemoveLocalName(gpa("me"))
	assert.False(t, c.IsLocalName(gpa("me")))
}

func TestRegistryRefCounting(t *testing.T) {
	r := NewRegistry()

	h1 := r.Acquire(gpa("a"))
	h2 := r.Acquire(gpa("a"))
	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, r.Len())

	r.Release(h1)
	assert.Equal(t, "a", r.Name(h2).String())
	r.Release(h2)
	assert.Zero(t, r.Len())
	assert.False(t, r.Name(h2).IsValid())

	h3 := r.Acquire(gpa("b"))
	assert.Equal(t, h1, h3, "slot is reused")
	r.Release(NoHandle)
}
