// Package addressfilter implements HierarchicalAddressFilter: lazy-iterator
// address partitioning by the first hierarchical-path element.
package addressfilter

import (
	"sort"

	"github.com/marmos91/rpccore/internal/balancer/lbapi"
	"google.golang.org/grpc/resolver"
)

// AddressIterator walks a set of addresses lazily — each call to ForEach
// re-walks whatever the iterator was built from, so a parent update is
// observed by every child iterator sharing it without re-partitioning
// eagerly.
type AddressIterator interface {
	ForEach(func(resolver.Address))
}

// sliceIterator is the terminal iterator: a fixed, already-materialized
// address list.
type sliceIterator []resolver.Address

func (s sliceIterator) ForEach(f func(resolver.Address)) {
	for _, a := range s {
		f(a)
	}
}

// FromSlice wraps a plain slice as an AddressIterator.
func FromSlice(addrs []resolver.Address) AddressIterator {
	return sliceIterator(addrs)
}

// childIterator re-walks parent on every ForEach, yielding only addresses
// whose hierarchical path starts with element, with that element stripped.
type childIterator struct {
	parent  AddressIterator
	element string
}

func (c *childIterator) ForEach(f func(resolver.Address)) {
	c.parent.ForEach(func(a resolver.Address) {
		path, ok := lbapi.HierarchicalPathOf(a)
		if !ok {
			return // addresses without a path attribute are dropped
		}
		head, tail, ok := path.Head()
		if !ok || head != c.element {
			return
		}
		f(lbapi.WithHierarchicalPath(a, tail)) // empty remaining path preserved
	})
}

// Partition produces a map from next-path-element to a lazy iterator over
// the subset of parent's addresses whose path starts with that element,
// sharing parent by reference rather than copying.
func Partition(parent AddressIterator) map[string]AddressIterator {
	elements := map[string]struct{}{}
	parent.ForEach(func(a resolver.Address) {
		path, ok := lbapi.HierarchicalPathOf(a)
		if !ok {
			return
		}
		head, _, ok := path.Head()
		if !ok {
			return
		}
		elements[head] = struct{}{}
	})

	out := make(map[string]AddressIterator, len(elements))
	for e := range elements {
		out[e] = &childIterator{parent: parent, element: e}
	}
	return out
}

// Materialize collects an iterator's current contents into a slice, mostly
// useful for tests and for leaf policies that need a concrete list.
func Materialize(it AddressIterator) []resolver.Address {
	var out []resolver.Address
	it.ForEach(func(a resolver.Address) { out = append(out, a) })
	return out
}

// SortedKeys returns the partition's keys in a deterministic order, for
// tests and stable logging.
func SortedKeys(partition map[string]AddressIterator) []string {
	keys := make([]string, 0, len(partition))
	for k := range partition {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
