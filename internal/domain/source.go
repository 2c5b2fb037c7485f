package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// YearMonth identifies one calendar month in UTC.
type YearMonth struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// MonthOf returns the calendar month containing t (in UTC).
func MonthOf(t time.Time) YearMonth {
	t = t.UTC()
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// ParseYearMonth accepts "2006-01" or "200601".
func ParseYearMonth(s string) (YearMonth, error) {
	for _, layout := range []string{"2006-01", "200601"} {
		if t, err := time.Parse(layout, s); err == nil {
			return MonthOf(t), nil
		}
	}
	return YearMonth{}, fmt.Errorf("invalid year-month %q", s)
}

// Start returns 00:00 UTC on the first day of the month.
func (ym YearMonth) Start() time.Time {
	return time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Next returns the following month.
func (ym YearMonth) Next() YearMonth { return MonthOf(ym.Start().AddDate(0, 1, 0)) }

// Prev returns the preceding month.
func (ym YearMonth) Prev() YearMonth { return MonthOf(ym.Start().AddDate(0, -1, 0)) }

// Before reports whether ym is strictly earlier than other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// Compact formats the month as YYYYMM, the form used in archive names.
func (ym YearMonth) Compact() string { return fmt.Sprintf("%04d%02d", ym.Year, int(ym.Month)) }

func (ym YearMonth) String() string { return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month)) }

// DateRange is an inclusive range of whole calendar months.
type DateRange struct {
	From YearMonth
	To   YearMonth
}

// NewDateRange builds a range from two instants that must both fall exactly
// on a month boundary (00:00 UTC on the 1st). To is the first instant of the
// last month included.
func NewDateRange(from, to time.Time) (DateRange, error) {
	for _, t := range []time.Time{from, to} {
		if !MonthOf(t).Start().Equal(t.UTC()) {
			return DateRange{}, fmt.Errorf("%s is not a calendar month boundary", t.Format(time.RFC3339))
		}
	}
	return NewMonthRange(MonthOf(from), MonthOf(to))
}

// NewMonthRange builds an inclusive range of months.
func NewMonthRange(from, to YearMonth) (DateRange, error) {
	if to.Before(from) {
		return DateRange{}, fmt.Errorf("date range ends (%s) before it starts (%s)", to, from)
	}
	return DateRange{From: from, To: to}, nil
}

// Contains reports whether ym falls within the range.
func (r DateRange) Contains(ym YearMonth) bool {
	return !ym.Before(r.From) && !r.To.Before(ym)
}

// Months lists every month in the range in order.
func (r DateRange) Months() []YearMonth {
	var out []YearMonth
	for ym := r.From; !r.To.Before(ym); ym = ym.Next() {
		out = append(out, ym)
	}
	return out
}

// SourceObject is one regional monthly archive discovered on the remote server.
// It is a query result and is never persisted on its own.
type SourceObject struct {
	Region       RegionID   `json:"region"`
	Year         int        `json:"year"`
	Month        time.Month `json:"month"`
	RemotePath   string     `json:"remote_path"`
	ByteSize     int64      `json:"byte_size"`
	LastModified time.Time  `json:"last_modified"`
	ETag         string     `json:"etag,omitempty"`
}

// YearMonth returns the archive's calendar month.
func (s SourceObject) YearMonth() YearMonth { return YearMonth{Year: s.Year, Month: s.Month} }

// Key is the deterministic storage key the source mirrors to.
func (s SourceObject) Key() string { return MirrorKey(s.Region, s.YearMonth()) }

// SameVersion reports whether two listings describe the same upstream bytes.
func (s SourceObject) SameVersion(other SourceObject) bool {
	return s.RemotePath == other.RemotePath &&
		s.ByteSize == other.ByteSize &&
		s.LastModified.Equal(other.LastModified) &&
		s.ETag == other.ETag
}

// Version is a short token that changes whenever SameVersion would report a
// different upstream archive.
func (s SourceObject) Version() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s|%s",
		s.RemotePath, s.ByteSize, s.LastModified.UTC().Format(time.RFC3339Nano), s.ETag))
	return hex.EncodeToString(sum[:8])
}

// Validate checks the fields a transfer job relies on.
func (s SourceObject) Validate() error {
	switch {
	case s.Region == "":
		return errors.New("source has no region")
	case s.RemotePath == "":
		return errors.New("source has no remote path")
	case s.Month < time.January || s.Month > time.December:
		return fmt.Errorf("source %s has invalid month %d", s.RemotePath, s.Month)
	case s.ByteSize <= 0:
		return fmt.Errorf("source %s has no byte size", s.RemotePath)
	}
	return nil
}

// archiveNameRe matches "AORC_APCP_4KM_ABRFC_202005.zip".
var archiveNameRe = regexp.MustCompile(`^AORC_APCP_4KM_([A-Z]{2})RFC_(\d{6})\.zip$`)

// ArchiveName returns the remote file name of a regional monthly archive.
func ArchiveName(region RegionID, ym YearMonth) string {
	return fmt.Sprintf("AORC_APCP_4KM_%sRFC_%s.zip", region, ym.Compact())
}

// ParseArchiveName extracts region and month from an archive file name.
func ParseArchiveName(name string) (RegionID, YearMonth, error) {
	m := archiveNameRe.FindStringSubmatch(name)
	if m == nil {
		return "", YearMonth{}, fmt.Errorf("unrecognized archive name %q", name)
	}
	year, _ := strconv.Atoi(m[2][:4])
	month, _ := strconv.Atoi(m[2][4:])
	if month < 1 || month > 12 {
		return "", YearMonth{}, fmt.Errorf("archive %q has invalid month %02d", name, month)
	}
	return RegionID(m[1]), YearMonth{Year: year, Month: time.Month(month)}, nil
}

// PartitionDir is the remote directory holding a region's monthly archives.
func PartitionDir(region RegionID) string {
	return fmt.Sprintf("AORC_%[1]sRFC_4km/%[1]sRFC_precip_partition/", region)
}

// SourcePath is the remote path of an archive relative to the server root.
func SourcePath(region RegionID, ym YearMonth) string {
	return PartitionDir(region) + ArchiveName(region, ym)
}
