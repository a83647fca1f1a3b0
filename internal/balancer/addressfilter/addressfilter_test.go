package addressfilter

import (
	"net"
	"testing"

	"github.com/marmos91/rpccore/internal/balancer/lbapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"
)

func addrWithPath(ip string, path ...string) resolver.Address {
	return lbapi.WithHierarchicalPath(resolver.Address{Addr: ip}, lbapi.HierarchicalPath(path))
}

// TestAddressFilterStripping verifies that for path [a,b,c,...] the "a"
// entry yields an address with path [b,c,...].
func TestAddressFilterStripping(t *testing.T) {
	addrs := []resolver.Address{
		addrWithPath("10.0.0.1", "c0", "lA"),
		addrWithPath("10.0.0.2", "c0", "lB"),
		addrWithPath("10.0.0.3", "c1", "lC"),
	}

	top := Partition(FromSlice(addrs))
	require.ElementsMatch(t, []string{"c0", "c1"}, SortedKeys(top))

	c0 := Materialize(top["c0"])
	require.Len(t, c0, 2)
	for _, a := range c0 {
		path, ok := lbapi.HierarchicalPathOf(a)
		require.True(t, ok)
		assert.Len(t, path, 1)
	}

	c1 := Materialize(top["c1"])
	require.Len(t, c1, 1)
	path, ok := lbapi.HierarchicalPathOf(c1[0])
	require.True(t, ok)
	assert.Equal(t, lbapi.HierarchicalPath{"lC"}, path)
}

func TestAddressesWithoutPathAreDropped(t *testing.T) {
	addrs := []resolver.Address{
		{Addr: "10.0.0.9"}, // no path attribute
		addrWithPath("10.0.0.1", "c0"),
	}
	top := Partition(FromSlice(addrs))
	assert.Len(t, top, 1)
	assert.Contains(t, top, "c0")
}

func TestEmptyRemainingPathPreservedThenDroppedNextLevel(t *testing.T) {
	addrs := []resolver.Address{addrWithPath("10.0.0.1", "c0")}
	top := Partition(FromSlice(addrs))

	c0 := Materialize(top["c0"])
	require.Len(t, c0, 1)
	path, ok := lbapi.HierarchicalPathOf(c0[0])
	require.True(t, ok)
	assert.True(t, path.Empty())

	// recursing one more level: the empty path has no head, so nothing
	// survives a further partition.
	next := Partition(top["c0"])
	assert.Empty(t, next)
}

func TestLazyIteratorObservesParentMutation(t *testing.T) {
	addrs := []resolver.Address{addrWithPath("10.0.0.1", "c0")}
	parent := FromSlice(addrs)
	top := Partition(parent)
	require.Len(t, Materialize(top["c0"]), 1)

	// Replace the backing slice's contents; FromSlice captured addrs by
	// value so this particular case can't mutate after the fact — the
	// lazy contract is about re-walking a parent iterator that itself
	// re-reads live state, exercised here via a closure-backed iterator.
	var live []resolver.Address
	liveIt := iteratorFunc(func(f func(resolver.Address)) {
		for _, a := range live {
			f(a)
		}
	})
	childMap := Partition(liveIt)
	assert.Empty(t, childMap)

	live = addrs
	childMap = Partition(liveIt)
	assert.Contains(t, childMap, "c0")

	// The child iterator re-walks liveIt on every ForEach, so an address
	// added to the live state after partitioning is observed through it.
	live = append(live, addrWithPath("10.0.0.2", "c0"))
	assert.Len(t, Materialize(childMap["c0"]), 2)
}

type iteratorFunc func(func(resolver.Address))

func (f iteratorFunc) ForEach(cb func(resolver.Address)) { f(cb) }
