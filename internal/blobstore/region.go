package blobstore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Region names one independent blob store.
type Region struct {
	Name  string
	Store BlobStore
}

// RegionSet is the ordered set of storage regions. The first region passed to
// NewRegionSet is the primary; the others are replicas in priority order.
type RegionSet struct {
	order  []string
	stores map[string]BlobStore
}

// NewRegionSet builds a set from regions, primary first.
func NewRegionSet(regions ...Region) (*RegionSet, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}
	set := &RegionSet{stores: make(map[string]BlobStore, len(regions))}
	for _, region := range regions {
		name := strings.TrimSpace(region.Name)
		if name == "" {
			return nil, fmt.Errorf("region name is required")
		}
		if region.Store == nil {
			return nil, fmt.Errorf("region %q has no store", name)
		}
		if _, ok := set.stores[name]; ok {
			return nil, fmt.Errorf("duplicate region %q", name)
		}
		set.stores[name] = region.Store
		set.order = append(set.order, name)
	}
	return set, nil
}

// OpenLocalRegions opens one LocalCAS per region under root/<name>.
func OpenLocalRegions(root, primary string, replicas []string) (*RegionSet, error) {
	names := append([]string{primary}, replicas...)
	regions := make([]Region, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return nil, fmt.Errorf("invalid region name %q", name)
		}
		cas, err := NewLocalCAS(filepath.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("open region %s: %w", name, err)
		}
		regions = append(regions, Region{Name: name, Store: cas})
	}
	return NewRegionSet(regions...)
}

// Primary returns the primary region name.
func (s *RegionSet) Primary() string {
	return s.order[0]
}

// Names returns all region names, primary first.
func (s *RegionSet) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Replicas returns the non-primary region names in priority order.
func (s *RegionSet) Replicas() []string {
	out := make([]string, len(s.order)-1)
	copy(out, s.order[1:])
	return out
}

// Store returns the blob store for a region.
func (s *RegionSet) Store(name string) (BlobStore, bool) {
	store, ok := s.stores[name]
	return store, ok
}

// Priority orders names by region priority; unknown names are dropped.
func (s *RegionSet) Priority(names []string) []string {
	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		want[name] = struct{}{}
	}
	out := make([]string, 0, len(names))
	for _, name := range s.order {
		if _, ok := want[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
