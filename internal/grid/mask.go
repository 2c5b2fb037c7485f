package grid

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Excluded marks a cell no region owns, such as open ocean.
const Excluded = -1

var maskMagic = [4]byte{'A', 'M', 'S', 'K'}

// Mask assigns every reference cell to at most one owning region, by index in
// the fixed region order. It is built once and never changes for a run.
type Mask struct {
	Rows, Cols int
	Regions    []domain.RegionID
	Owner      []int8
}

// BuildMask assigns each cell to the first region, in fixed order, whose extent
// contains the cell centre.
func BuildMask(ref Reference, regions *domain.RegionSet) *Mask {
	rs := regions.Regions()
	m := &Mask{Rows: ref.Rows, Cols: ref.Cols, Regions: regions.IDs(), Owner: make([]int8, ref.Cells())}
	for row := range ref.Rows {
		for col := range ref.Cols {
			lon, lat := ref.Center(row, col)
			owner := int8(Excluded)
			for i, reg := range rs {
				if reg.Extent.Contains(lon, lat) {
					owner = int8(i)
					break
				}
			}
			m.Owner[row*ref.Cols+col] = owner
		}
	}
	return m
}

// BuildMaskFromGrids assigns each cell to the first region, in fixed order,
// whose grid holds data there after regridding. Cells without data in any grid
// are excluded. Regions absent from grids own nothing.
func BuildMaskFromGrids(ref Reference, regions *domain.RegionSet, grids map[domain.RegionID]domain.HourlyPartitionGrid) *Mask {
	ids := regions.IDs()
	layers := make([][]float32, len(ids))
	for i, id := range ids {
		if g, ok := grids[id]; ok {
			layers[i] = ref.Regrid(g)
		}
	}
	m := &Mask{Rows: ref.Rows, Cols: ref.Cols, Regions: ids, Owner: make([]int8, ref.Cells())}
	for c := range m.Owner {
		owner := int8(Excluded)
		for i, layer := range layers {
			if layer != nil && layer[c] != ref.NoData {
				owner = int8(i)
				break
			}
		}
		m.Owner[c] = owner
	}
	return m
}

// OwnerOf returns the region owning cell i, or "" for excluded cells.
func (m *Mask) OwnerOf(i int) domain.RegionID {
	if o := m.Owner[i]; o >= 0 {
		return m.Regions[o]
	}
	return ""
}

// Counts returns how many cells each region owns.
func (m *Mask) Counts() map[domain.RegionID]int {
	counts := make(map[domain.RegionID]int, len(m.Regions))
	for _, o := range m.Owner {
		if o >= 0 {
			counts[m.Regions[o]]++
		}
	}
	return counts
}

// Check verifies the mask matches the reference grid and region order.
func (m *Mask) Check(ref Reference, regions *domain.RegionSet) error {
	if m.Rows != ref.Rows || m.Cols != ref.Cols {
		return fmt.Errorf("mask shape %dx%d does not match reference grid %dx%d", m.Rows, m.Cols, ref.Rows, ref.Cols)
	}
	ids := regions.IDs()
	if len(ids) != len(m.Regions) {
		return fmt.Errorf("mask has %d regions, region set has %d", len(m.Regions), len(ids))
	}
	for i := range ids {
		if ids[i] != m.Regions[i] {
			return fmt.Errorf("mask region %d is %q, region set has %q", i, m.Regions[i], ids[i])
		}
	}
	return nil
}

// WriteTo encodes the mask: magic, shape, region ids, then one byte per cell.
func (m *Mask) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Write(maskMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, [3]uint32{uint32(m.Rows), uint32(m.Cols), uint32(len(m.Regions))})
	for _, id := range m.Regions {
		if len(id) != 2 {
			return 0, fmt.Errorf("region id %q is not two letters", id)
		}
		buf.WriteString(string(id))
	}
	for _, o := range m.Owner {
		buf.WriteByte(byte(o))
	}
	return buf.WriteTo(w)
}

// ReadMask decodes a mask written by WriteTo.
func ReadMask(r io.Reader) (*Mask, error) {
	br := bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	if magic != maskMagic {
		return nil, errors.New("not an ownership mask")
	}
	var dims [3]uint32
	if err := binary.Read(br, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("read mask shape: %w", err)
	}
	if dims[0] == 0 || dims[1] == 0 || uint64(dims[0])*uint64(dims[1]) > 1<<28 || dims[2] > 127 {
		return nil, fmt.Errorf("mask header %v out of range", dims)
	}
	m := &Mask{Rows: int(dims[0]), Cols: int(dims[1])}
	ids := make([]byte, 2*dims[2])
	if _, err := io.ReadFull(br, ids); err != nil {
		return nil, fmt.Errorf("read mask regions: %w", err)
	}
	for i := 0; i < len(ids); i += 2 {
		m.Regions = append(m.Regions, domain.RegionID(ids[i:i+2]))
	}
	raw := make([]byte, m.Rows*m.Cols)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, fmt.Errorf("read mask cells: %w", err)
	}
	m.Owner = make([]int8, len(raw))
	for i, b := range raw {
		o := int8(b)
		if o != Excluded && (o < 0 || int(o) >= len(m.Regions)) {
			return nil, fmt.Errorf("mask cell %d has owner %d", i, o)
		}
		m.Owner[i] = o
	}
	return m, nil
}
