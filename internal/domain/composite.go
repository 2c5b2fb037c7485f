package domain

import (
	"fmt"
	"sort"
	"time"
)

// CompositePrefix is the storage prefix of the national composite array store.
const CompositePrefix = "transforms/aorc/precipitation/"

// CompositeKey is the storage key of the composite for one hour.
func CompositeKey(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s%04d/%s.zarr", CompositePrefix, t.Year(), t.Format("2006010215"))
}

// HourlyPartitionGrid is one region's grid for one hour. It is extracted from a
// mirror on demand and never persisted.
type HourlyPartitionGrid struct {
	Region    RegionID
	Timestamp time.Time
	MirrorKey string
	Bounds    Bounds
	Rows      int
	Cols      int
	NoData    float32
	// Values is row-major, north row first.
	Values []float32
}

// CellSize returns the grid spacing in degrees along each axis.
func (g HourlyPartitionGrid) CellSize() (dx, dy float64) {
	return (g.Bounds.East - g.Bounds.West) / float64(g.Cols), (g.Bounds.North - g.Bounds.South) / float64(g.Rows)
}

// At samples the grid at a point. ok is false outside the grid.
func (g HourlyPartitionGrid) At(lon, lat float64) (v float32, ok bool) {
	if !g.Bounds.Contains(lon, lat) || g.Rows == 0 || g.Cols == 0 {
		return 0, false
	}
	dx, dy := g.CellSize()
	col := int((lon - g.Bounds.West) / dx)
	row := int((g.Bounds.North - lat) / dy)
	if col == g.Cols {
		col--
	}
	if row == g.Rows {
		row--
	}
	return g.Values[row*g.Cols+col], true
}

// CompositeObject is the merged national grid for one hour. It is immutable
// once written.
type CompositeObject struct {
	Timestamp           time.Time  `json:"timestamp"`
	StorageKey          string     `json:"storage_key"`
	ContributingRegions []RegionID `json:"contributing_regions"`
	Partial             bool       `json:"partial,omitempty"`
	Checksum            string     `json:"checksum"`
	Shape               [2]int     `json:"shape"`
	Chunks              [2]int     `json:"chunks"`
	Extent              Bounds     `json:"extent"`
	// Used lists the mirror keys the composite was built from.
	Used []string `json:"used"`
	// UsedChecksums pins each used key to the mirror content read, so the
	// composite keeps pointing at it after the mirror is superseded.
	UsedChecksums map[string]string `json:"used_checksums"`
}

// Validate checks the composite invariants against the fixed region set.
func (c CompositeObject) Validate(regions *RegionSet) error {
	if c.StorageKey != CompositeKey(c.Timestamp) {
		return fmt.Errorf("composite key %q does not match %s", c.StorageKey, c.Timestamp.Format(time.RFC3339))
	}
	if len(c.Used) == 0 {
		return fmt.Errorf("composite %s references no mirrors", c.StorageKey)
	}
	for _, key := range c.Used {
		if c.UsedChecksums[key] == "" {
			return fmt.Errorf("composite %s has no checksum for used mirror %s", c.StorageKey, key)
		}
	}
	present := make(map[RegionID]bool, len(c.ContributingRegions))
	for _, id := range c.ContributingRegions {
		if !regions.Contains(id) {
			return fmt.Errorf("composite %s lists unknown region %q", c.StorageKey, id)
		}
		present[id] = true
	}
	if missing := regions.Missing(present); len(missing) > 0 && !c.Partial {
		return fmt.Errorf("composite %s is missing regions %v but is not flagged partial", c.StorageKey, missing)
	}
	return nil
}

// SortRegions orders ids by their position in the region set.
func SortRegions(regions *RegionSet, ids []RegionID) {
	sort.SliceStable(ids, func(i, j int) bool {
		return regions.Index(ids[i]) < regions.Index(ids[j])
	})
}
