// Package grid defines the national reference grid composites are written on,
// the static ownership mask that decides which region fills each cell, and
// nearest-cell regridding of regional grids onto it.
package grid

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// CRS is the coordinate reference system of every grid in the service.
const CRS = "EPSG:4326"

// Reference is the fixed national grid. Row 0 is the northern edge.
type Reference struct {
	Extent    domain.Bounds `json:"extent" yaml:"extent"`
	Rows      int           `json:"rows" yaml:"rows"`
	Cols      int           `json:"cols" yaml:"cols"`
	ChunkRows int           `json:"chunk_rows" yaml:"chunk_rows"`
	ChunkCols int           `json:"chunk_cols" yaml:"chunk_cols"`
	NoData    float32       `json:"nodata" yaml:"nodata"`
}

// DefaultReference covers the union of the default region extents at 1/30
// degree, close to the 4 km source resolution.
func DefaultReference() Reference {
	return Reference{
		Extent:    domain.Bounds{West: -125.0, South: 24.4, East: -66.9, North: 49.5},
		Rows:      753,
		Cols:      1743,
		ChunkRows: 251,
		ChunkCols: 581,
		NoData:    -9999,
	}
}

// Validate checks dimensions and chunking.
func (r Reference) Validate() error {
	switch {
	case !r.Extent.Valid():
		return errors.New("reference grid extent is empty")
	case r.Rows <= 0 || r.Cols <= 0:
		return fmt.Errorf("reference grid shape %dx%d must be positive", r.Rows, r.Cols)
	case r.ChunkRows <= 0 || r.ChunkCols <= 0:
		return fmt.Errorf("reference grid chunks %dx%d must be positive", r.ChunkRows, r.ChunkCols)
	case r.ChunkRows > r.Rows || r.ChunkCols > r.Cols:
		return fmt.Errorf("reference grid chunks %dx%d exceed shape %dx%d", r.ChunkRows, r.ChunkCols, r.Rows, r.Cols)
	}
	return nil
}

// Cells returns Rows*Cols.
func (r Reference) Cells() int { return r.Rows * r.Cols }

// CellSize returns the cell edge in degrees along each axis.
func (r Reference) CellSize() (dx, dy float64) {
	return (r.Extent.East - r.Extent.West) / float64(r.Cols), (r.Extent.North - r.Extent.South) / float64(r.Rows)
}

// Center returns the lon/lat of a cell centre.
func (r Reference) Center(row, col int) (lon, lat float64) {
	dx, dy := r.CellSize()
	return r.Extent.West + (float64(col)+0.5)*dx, r.Extent.North - (float64(row)+0.5)*dy
}

// ChunkGrid returns how many chunks tile each axis.
func (r Reference) ChunkGrid() (rows, cols int) {
	return (r.Rows + r.ChunkRows - 1) / r.ChunkRows, (r.Cols + r.ChunkCols - 1) / r.ChunkCols
}

// Regrid samples g at every reference cell centre. Cells outside g, or where g
// holds no-data, are set to r.NoData.
func (r Reference) Regrid(g domain.HourlyPartitionGrid) []float32 {
	out := make([]float32, r.Cells())
	for row := range r.Rows {
		for col := range r.Cols {
			lon, lat := r.Center(row, col)
			v, ok := g.At(lon, lat)
			if !ok || v == g.NoData {
				v = r.NoData
			}
			out[row*r.Cols+col] = v
		}
	}
	return out
}
