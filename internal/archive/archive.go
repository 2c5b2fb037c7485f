// Package archive reads and writes regional monthly precipitation archives: zip
// files holding one encoded grid per hour, each entry named with its
// YYYYMMDDHH timestamp.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"time"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// entryRe matches the hour stamp at the end of an entry name.
var entryRe = regexp.MustCompile(`_(\d{10})\.grd$`)

const hourLayout = "2006010215"

// EntryName is the archive entry name of one region's grid for hour t.
func EntryName(region domain.RegionID, t time.Time) string {
	return fmt.Sprintf("AORC_APCP_%sRFC_%s.grd", region, t.UTC().Format(hourLayout))
}

// Summary describes what an archive covers.
type Summary struct {
	Coverage           domain.Coverage
	TemporalResolution time.Duration
	// SpatialResolution is the coarser cell edge in metres.
	SpatialResolution float64
	Hours             int
}

// Reader gives random access to the hourly grids of one archive.
type Reader struct {
	region domain.RegionID
	hours  []time.Time
	files  map[time.Time]*zip.File
}

// Open indexes the archive's entries. Entries without an hour stamp are ignored;
// an archive with no hourly grids is an error.
func Open(ra io.ReaderAt, size int64, region domain.RegionID) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	r := &Reader{region: region, files: make(map[time.Time]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		m := entryRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		t, err := time.Parse(hourLayout, m[1])
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", f.Name, err)
		}
		if _, dup := r.files[t]; dup {
			return nil, fmt.Errorf("archive holds two grids for %s", t.Format(time.RFC3339))
		}
		r.files[t] = f
		r.hours = append(r.hours, t)
	}
	if len(r.hours) == 0 {
		return nil, errors.New("archive has no hourly grids")
	}
	sort.Slice(r.hours, func(i, j int) bool { return r.hours[i].Before(r.hours[j]) })
	return r, nil
}

// Region returns the region the archive was opened for.
func (r *Reader) Region() domain.RegionID { return r.region }

// Hours lists the record start times in order.
func (r *Reader) Hours() []time.Time {
	out := make([]time.Time, len(r.hours))
	copy(out, r.hours)
	return out
}

// Has reports whether the archive holds a grid starting exactly at t.
func (r *Reader) Has(t time.Time) bool {
	_, ok := r.files[t.UTC()]
	return ok
}

// Grid decodes the grid for hour t. It returns domain.ErrNotFound when the
// archive has no record starting exactly at t.
func (r *Reader) Grid(t time.Time) (domain.HourlyPartitionGrid, error) {
	t = t.UTC()
	f, ok := r.files[t]
	if !ok {
		return domain.HourlyPartitionGrid{}, fmt.Errorf("%s hour %s: %w", r.region, t.Format(time.RFC3339), domain.ErrNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return domain.HourlyPartitionGrid{}, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	g, err := DecodeGrid(rc)
	if err != nil {
		return domain.HourlyPartitionGrid{}, fmt.Errorf("entry %s: %w", f.Name, err)
	}
	g.Region = r.region
	g.Timestamp = t
	return g, nil
}

// Summarize derives coverage and resolution from the entry names and the first
// grid header. The resolution is the gap between the first two records.
func (r *Reader) Summarize() (Summary, error) {
	res := time.Hour
	if len(r.hours) > 1 {
		res = r.hours[1].Sub(r.hours[0])
	}
	rc, err := r.files[r.hours[0]].Open()
	if err != nil {
		return Summary{}, fmt.Errorf("open first entry: %w", err)
	}
	defer rc.Close()
	h, err := readHeader(rc)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Coverage: domain.Coverage{
			Start: r.hours[0],
			End:   r.hours[len(r.hours)-1].Add(res),
		},
		TemporalResolution: res,
		SpatialResolution:  spatialResolution(h),
		Hours:              len(r.hours),
	}, nil
}
