package domain

import (
	"errors"
	"fmt"
	"strings"
)

// RegionID is the two-letter River Forecast Center alias, e.g. "AB".
type RegionID string

// Bounds is a WGS-84 bounding box in decimal degrees.
type Bounds struct {
	West  float64 `json:"west" yaml:"west"`
	South float64 `json:"south" yaml:"south"`
	East  float64 `json:"east" yaml:"east"`
	North float64 `json:"north" yaml:"north"`
}

// Contains reports whether the point lies inside the box (edges inclusive).
func (b Bounds) Contains(lon, lat float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// WKT renders the box as a closed WKT polygon.
func (b Bounds) WKT() string {
	return fmt.Sprintf("POLYGON ((%g %g, %g %g, %g %g, %g %g, %g %g))",
		b.West, b.South, b.East, b.South, b.East, b.North, b.West, b.North, b.West, b.South)
}

// Valid reports whether the box has positive area.
func (b Bounds) Valid() bool {
	return b.East > b.West && b.North > b.South
}

// Region describes one River Forecast Center coverage area.
type Region struct {
	ID     RegionID `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Extent Bounds   `json:"extent" yaml:"extent"`
}

// Title returns the region name in title case ("ARKANSAS RED BASIN" -> "Arkansas Red Basin").
func (r Region) Title() string {
	words := strings.Fields(strings.ToLower(r.Name))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// RegionSet is the fixed, ordered set of regions a complete composite needs.
// It is built once at startup and never mutated.
type RegionSet struct {
	ordered []Region
	index   map[RegionID]int
}

// NewRegionSet validates regions and freezes their order.
func NewRegionSet(regions []Region) (*RegionSet, error) {
	if len(regions) == 0 {
		return nil, errors.New("region set is empty")
	}
	rs := &RegionSet{
		ordered: make([]Region, len(regions)),
		index:   make(map[RegionID]int, len(regions)),
	}
	for i, r := range regions {
		if r.ID == "" {
			return nil, fmt.Errorf("region %d has no id", i)
		}
		if _, dup := rs.index[r.ID]; dup {
			return nil, fmt.Errorf("duplicate region %q", r.ID)
		}
		if !r.Extent.Valid() {
			return nil, fmt.Errorf("region %q has an empty extent", r.ID)
		}
		rs.ordered[i] = r
		rs.index[r.ID] = i
	}
	return rs, nil
}

// Len returns the number of regions.
func (rs *RegionSet) Len() int { return len(rs.ordered) }

// Regions returns a copy of the regions in their fixed order.
func (rs *RegionSet) Regions() []Region {
	out := make([]Region, len(rs.ordered))
	copy(out, rs.ordered)
	return out
}

// IDs returns the region ids in their fixed order.
func (rs *RegionSet) IDs() []RegionID {
	ids := make([]RegionID, len(rs.ordered))
	for i, r := range rs.ordered {
		ids[i] = r.ID
	}
	return ids
}

// Get looks up a region by id.
func (rs *RegionSet) Get(id RegionID) (Region, bool) {
	i, ok := rs.index[id]
	if !ok {
		return Region{}, false
	}
	return rs.ordered[i], true
}

// Index returns the fixed position of a region, or -1.
func (rs *RegionSet) Index(id RegionID) int {
	i, ok := rs.index[id]
	if !ok {
		return -1
	}
	return i
}

// Contains reports whether id is part of the set.
func (rs *RegionSet) Contains(id RegionID) bool {
	_, ok := rs.index[id]
	return ok
}

// Missing returns the ids of the set absent from present, in fixed order.
func (rs *RegionSet) Missing(present map[RegionID]bool) []RegionID {
	var missing []RegionID
	for _, r := range rs.ordered {
		if !present[r.ID] {
			missing = append(missing, r.ID)
		}
	}
	return missing
}

// DefaultRegions returns the twelve CONUS River Forecast Centers. Extents are
// the convex-hull bounding boxes of the NOHRSC RFC boundaries, rounded outward.
func DefaultRegions() []Region {
	return []Region{
		{ID: "AB", Name: "ARKANSAS RED BASIN", Extent: Bounds{West: -106.5, South: 32.0, East: -91.0, North: 38.9}},
		{ID: "CB", Name: "COLORADO BASIN", Extent: Bounds{West: -116.5, South: 31.2, East: -105.5, North: 43.6}},
		{ID: "CN", Name: "CALIFORNIA NEVADA", Extent: Bounds{West: -124.6, South: 32.4, East: -113.9, North: 43.4}},
		{ID: "LM", Name: "LOWER MISSISSIPPI", Extent: Bounds{West: -94.6, South: 28.8, East: -85.9, North: 37.4}},
		{ID: "MA", Name: "MID ATLANTIC", Extent: Bounds{West: -80.7, South: 36.4, East: -73.9, North: 43.5}},
		{ID: "MB", Name: "MISSOURI BASIN", Extent: Bounds{West: -114.2, South: 37.0, East: -89.9, North: 49.5}},
		{ID: "NC", Name: "NORTH CENTRAL", Extent: Bounds{West: -104.2, South: 37.0, East: -82.3, North: 49.5}},
		{ID: "NE", Name: "NORTHEAST", Extent: Bounds{West: -80.1, South: 40.5, East: -66.9, North: 47.5}},
		{ID: "NW", Name: "NORTHWEST", Extent: Bounds{West: -125.0, South: 39.3, East: -108.9, North: 49.5}},
		{ID: "OH", Name: "OHIO", Extent: Bounds{West: -89.9, South: 34.8, East: -77.8, North: 42.3}},
		{ID: "SE", Name: "SOUTHEAST", Extent: Bounds{West: -91.6, South: 24.4, East: -75.4, North: 37.3}},
		{ID: "WG", Name: "WEST GULF", Extent: Bounds{West: -111.1, South: 25.8, East: -90.5, North: 38.0}},
	}
}
