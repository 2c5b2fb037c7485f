package domain

import (
	"fmt"
	"strings"
	"time"
)

// MirrorPrefix is the storage prefix all mirrored archives live under.
const MirrorPrefix = "mirrors/aorc/precip/"

// MirrorKey is the storage key of a regional monthly mirror. It depends only on
// region and month, so every re-run targets the same object.
func MirrorKey(region RegionID, ym YearMonth) string {
	return MirrorPrefix + SourcePath(region, ym)
}

// Coverage is the span an archive's records cover. End is the start of the
// last record plus the temporal resolution.
type Coverage struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether the record starting at t falls within the coverage.
func (c Coverage) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// MirrorObject is a durable copy of one SourceObject. It is immutable once
// written and only superseded when the upstream archive changes.
type MirrorObject struct {
	StorageKey         string        `json:"storage_key"`
	Region             RegionID      `json:"region"`
	Year               int           `json:"year"`
	Month              time.Month    `json:"month"`
	Checksum           string        `json:"checksum"`
	ByteSize           int64         `json:"byte_size"`
	SourceRef          SourceObject  `json:"source_ref"`
	Coverage           Coverage      `json:"coverage"`
	TemporalResolution time.Duration `json:"temporal_resolution"`
	// SpatialResolution is the coarser cell edge in metres.
	SpatialResolution float64 `json:"spatial_resolution_m"`
	// ReplacedBy is the checksum of the mirror that superseded this one. Only
	// superseded records carry it.
	ReplacedBy string `json:"replaced_by,omitempty"`
}

// YearMonth returns the mirrored archive's calendar month.
func (m MirrorObject) YearMonth() YearMonth { return YearMonth{Year: m.Year, Month: m.Month} }

// DatasetID is the catalog identifier, e.g. "mirror_ab_202005".
func (m MirrorObject) DatasetID() string {
	return strings.ToLower(fmt.Sprintf("mirror_%s_%s", m.Region, m.YearMonth().Compact()))
}

// Title is the human readable dataset title.
func (m MirrorObject) Title(region Region) string {
	return fmt.Sprintf("%s Mirror Dataset, %s to %s", region.Title(),
		m.Coverage.Start.Format("2006-01-02"), m.Coverage.End.Format("2006-01-02"))
}

// Validate checks the invariants a mirror must satisfy before it is recorded.
func (m MirrorObject) Validate() error {
	if m.StorageKey != MirrorKey(m.Region, m.YearMonth()) {
		return fmt.Errorf("mirror key %q does not match %s/%s", m.StorageKey, m.Region, m.YearMonth())
	}
	if m.Checksum == "" {
		return fmt.Errorf("mirror %s has no checksum", m.StorageKey)
	}
	if m.SourceRef.Region != m.Region || m.SourceRef.YearMonth() != m.YearMonth() {
		return fmt.Errorf("mirror %s references source %s of another region or month", m.StorageKey, m.SourceRef.RemotePath)
	}
	return m.SourceRef.Validate()
}
