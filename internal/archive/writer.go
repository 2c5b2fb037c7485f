package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Writer builds an archive one hourly grid at a time.
type Writer struct {
	region domain.RegionID
	zw     *zip.Writer
}

// NewWriter returns a Writer that streams the archive to w.
func NewWriter(w io.Writer, region domain.RegionID) *Writer {
	return &Writer{region: region, zw: zip.NewWriter(w)}
}

// Add appends the grid for g.Timestamp.
func (w *Writer) Add(g domain.HourlyPartitionGrid) error {
	var buf bytes.Buffer
	if err := EncodeGrid(&buf, g); err != nil {
		return err
	}
	hdr := &zip.FileHeader{
		Name:     EntryName(w.region, g.Timestamp),
		Method:   zip.Deflate,
		Modified: g.Timestamp.UTC(),
	}
	f, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Close writes the zip directory.
func (w *Writer) Close() error { return w.zw.Close() }

// Build encodes grids into an in-memory archive.
func Build(region domain.RegionID, grids []domain.HourlyPartitionGrid) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(&buf, region)
	for _, g := range grids {
		if err := w.Add(g); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SyntheticMonth fills every hour of ym with SyntheticHours grids.
func SyntheticMonth(region domain.RegionID, ym domain.YearMonth, extent domain.Bounds, rows, cols int, mask func(lon, lat float64) bool) []domain.HourlyPartitionGrid {
	hours := int(ym.Next().Start().Sub(ym.Start()) / time.Hour)
	return SyntheticHours(region, ym.Start(), hours, extent, rows, cols, mask)
}

// SyntheticHours builds n consecutive hourly grids over extent with a
// deterministic pattern. Cells where mask returns false hold no-data. It backs
// the mock source tree and tests.
func SyntheticHours(region domain.RegionID, from time.Time, n int, extent domain.Bounds, rows, cols int, mask func(lon, lat float64) bool) []domain.HourlyPartitionGrid {
	const noData = -9999
	grids := make([]domain.HourlyPartitionGrid, 0, n)
	dx := (extent.East - extent.West) / float64(cols)
	dy := (extent.North - extent.South) / float64(rows)
	for i := range n {
		t := from.UTC().Add(time.Duration(i) * time.Hour)
		values := make([]float32, rows*cols)
		for r := range rows {
			lat := extent.North - (float64(r)+0.5)*dy
			for c := range cols {
				lon := extent.West + (float64(c)+0.5)*dx
				if mask != nil && !mask(lon, lat) {
					values[r*cols+c] = noData
					continue
				}
				values[r*cols+c] = float32((t.Hour()+r+c)%7) * 0.25
			}
		}
		grids = append(grids, domain.HourlyPartitionGrid{
			Region:    region,
			Timestamp: t,
			Bounds:    extent,
			Rows:      rows,
			Cols:      cols,
			NoData:    noData,
			Values:    values,
		})
	}
	return grids
}
