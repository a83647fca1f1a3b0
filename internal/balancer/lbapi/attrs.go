package lbapi

import (
	"strings"

	"google.golang.org/grpc/resolver"
)

// HierarchicalPath is an ordered list of path elements routing an endpoint
// address through the policy tree before it reaches its leaf policy.
// Comparison is lexicographic, element by element.
type HierarchicalPath []string

// Compare returns -1, 0, or 1 comparing p to o lexicographically.
func (p HierarchicalPath) Compare(o HierarchicalPath) int {
	for i := 0; i < len(p) && i < len(o); i++ {
		if p[i] != o[i] {
			if p[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(o):
		return -1
	case len(p) > len(o):
		return 1
	default:
		return 0
	}
}

// Head returns the first element and the remaining tail. ok is false for an
// empty path.
func (p HierarchicalPath) Head() (head string, tail HierarchicalPath, ok bool) {
	if len(p) == 0 {
		return "", nil, false
	}
	return p[0], p[1:], true
}

// Empty reports whether the path has no elements left.
func (p HierarchicalPath) Empty() bool { return len(p) == 0 }

func (p HierarchicalPath) String() string { return strings.Join(p, "/") }

type pathKey struct{}
type localityKey struct{}
type healthKey struct{}

// WithHierarchicalPath returns addr with its hierarchical-path attribute
// set, replacing any prior value.
func WithHierarchicalPath(addr resolver.Address, path HierarchicalPath) resolver.Address {
	addr.Attributes = addr.Attributes.WithValue(pathKey{}, path)
	return addr
}

// HierarchicalPathOf extracts the hierarchical-path attribute. ok is false
// when addr carries no path attribute.
func HierarchicalPathOf(addr resolver.Address) (HierarchicalPath, bool) {
	if addr.Attributes == nil {
		return nil, false
	}
	v := addr.Attributes.Value(pathKey{})
	if v == nil {
		return nil, false
	}
	path, ok := v.(HierarchicalPath)
	return path, ok
}

// WithLocality attaches a locality name (region/zone/subzone triple encoded
// as a single string) to addr.
func WithLocality(addr resolver.Address, locality string) resolver.Address {
	addr.Attributes = addr.Attributes.WithValue(localityKey{}, locality)
	return addr
}

// LocalityOf extracts the locality name, if any.
func LocalityOf(addr resolver.Address) (string, bool) {
	if addr.Attributes == nil {
		return "", false
	}
	v := addr.Attributes.Value(localityKey{})
	if v == nil {
		return "", false
	}
	l, ok := v.(string)
	return l, ok
}

// WithHealthStatus attaches a HealthStatus to addr.
func WithHealthStatus(addr resolver.Address, status HealthStatus) resolver.Address {
	addr.Attributes = addr.Attributes.WithValue(healthKey{}, status)
	return addr
}

// HealthStatusOf extracts the HealthStatus; defaults to HealthUnknown when
// absent.
func HealthStatusOf(addr resolver.Address) HealthStatus {
	if addr.Attributes == nil {
		return HealthUnknown
	}
	v := addr.Attributes.Value(healthKey{})
	if v == nil {
		return HealthUnknown
	}
	s, _ := v.(HealthStatus)
	return s
}
