package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

var gridMagic = [4]byte{'A', 'G', 'R', 'D'}

const (
	gridVersion = 1
	// maxCells bounds a decoded grid so a corrupt header cannot force a huge allocation.
	maxCells = 1 << 26
)

// gridHeader is the fixed little-endian prefix of an encoded grid.
type gridHeader struct {
	Magic   [4]byte
	Version uint16
	Rows    uint32
	Cols    uint32
	West    float64
	South   float64
	East    float64
	North   float64
	NoData  float32
}

// EncodeGrid writes g in the hourly grid format: a header followed by
// rows*cols float32 values, north row first.
func EncodeGrid(w io.Writer, g domain.HourlyPartitionGrid) error {
	if g.Rows <= 0 || g.Cols <= 0 || len(g.Values) != g.Rows*g.Cols {
		return fmt.Errorf("grid %dx%d has %d values", g.Rows, g.Cols, len(g.Values))
	}
	h := gridHeader{
		Magic:   gridMagic,
		Version: gridVersion,
		Rows:    uint32(g.Rows),
		Cols:    uint32(g.Cols),
		West:    g.Bounds.West,
		South:   g.Bounds.South,
		East:    g.Bounds.East,
		North:   g.Bounds.North,
		NoData:  g.NoData,
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("write grid header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, g.Values); err != nil {
		return fmt.Errorf("write grid values: %w", err)
	}
	return nil
}

// DecodeGrid reads a grid written by EncodeGrid. Region and timestamp are left
// for the caller to fill in.
func DecodeGrid(r io.Reader) (domain.HourlyPartitionGrid, error) {
	h, err := readHeader(r)
	if err != nil {
		return domain.HourlyPartitionGrid{}, err
	}
	values := make([]float32, int(h.Rows)*int(h.Cols))
	if err := binary.Read(r, binary.LittleEndian, values); err != nil {
		return domain.HourlyPartitionGrid{}, fmt.Errorf("read grid values: %w", err)
	}
	return domain.HourlyPartitionGrid{
		Bounds: domain.Bounds{West: h.West, South: h.South, East: h.East, North: h.North},
		Rows:   int(h.Rows),
		Cols:   int(h.Cols),
		NoData: h.NoData,
		Values: values,
	}, nil
}

func readHeader(r io.Reader) (gridHeader, error) {
	var h gridHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("read grid header: %w", err)
	}
	if !bytes.Equal(h.Magic[:], gridMagic[:]) {
		return h, errors.New("not an hourly grid")
	}
	if h.Version != gridVersion {
		return h, fmt.Errorf("unsupported grid version %d", h.Version)
	}
	if h.Rows == 0 || h.Cols == 0 || uint64(h.Rows)*uint64(h.Cols) > maxCells {
		return h, fmt.Errorf("grid dimensions %dx%d out of range", h.Rows, h.Cols)
	}
	b := domain.Bounds{West: h.West, South: h.South, East: h.East, North: h.North}
	if !b.Valid() || math.IsNaN(h.West+h.South+h.East+h.North) {
		return h, fmt.Errorf("grid extent %+v is empty", b)
	}
	return h, nil
}

// Degree-to-metre factors used for the nominal spatial resolution over CONUS.
const (
	metresPerDegreeLat = 111000
	metresPerDegreeLon = 111320
)

// spatialResolution returns the coarser cell edge of h in metres.
func spatialResolution(h gridHeader) float64 {
	dx := (h.East - h.West) / float64(h.Cols) * metresPerDegreeLon
	dy := (h.North - h.South) / float64(h.Rows) * metresPerDegreeLat
	return math.Max(dx, dy)
}
