package grid

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

func twoRegions(t *testing.T) *domain.RegionSet {
	t.Helper()
	rs, err := domain.NewRegionSet([]domain.Region{
		{ID: "AA", Name: "WEST", Extent: domain.Bounds{West: -100, South: 30, East: -98, North: 32}},
		{ID: "BB", Name: "EAST", Extent: domain.Bounds{West: -99, South: 30, East: -96, North: 32}},
	})
	require.NoError(t, err)
	return rs
}

func smallRef() Reference {
	return Reference{
		Extent:    domain.Bounds{West: -100, South: 30, East: -95, North: 32},
		Rows:      2,
		Cols:      5,
		ChunkRows: 1,
		ChunkCols: 2,
		NoData:    -1,
	}
}

func TestDefaultReference_Valid(t *testing.T) {
	ref := DefaultReference()
	require.NoError(t, ref.Validate())
	dx, dy := ref.CellSize()
	assert.InDelta(t, 1.0/30, dx, 1e-3)
	assert.InDelta(t, 1.0/30, dy, 1e-3)
	rows, cols := ref.ChunkGrid()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 3, cols)
}

func TestReference_ValidateRejects(t *testing.T) {
	ref := smallRef()
	ref.ChunkCols = 10
	require.Error(t, ref.Validate())
	ref = smallRef()
	ref.Rows = 0
	require.Error(t, ref.Validate())
}

func TestBuildMask_FirstRegionInOrderWins(t *testing.T) {
	m := BuildMask(smallRef(), twoRegions(t))
	// centres at lon -99.5 -98.5 -97.5 -96.5 -95.5
	row := m.Owner[:5]
	assert.Equal(t, []int8{0, 0, 1, 1, Excluded}, row)
	assert.Equal(t, domain.RegionID("BB"), m.OwnerOf(2))
	assert.Equal(t, domain.RegionID(""), m.OwnerOf(4))
	assert.Equal(t, map[domain.RegionID]int{"AA": 4, "BB": 4}, m.Counts())
}

func TestMask_RoundTripAndCheck(t *testing.T) {
	rs := twoRegions(t)
	m := BuildMask(smallRef(), rs)

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)

	got, err := ReadMask(&buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	require.NoError(t, got.Check(smallRef(), rs))

	bigger := smallRef()
	bigger.Cols = 6
	require.Error(t, got.Check(bigger, rs))

	_, err = ReadMask(bytes.NewReader([]byte("nope")))
	require.Error(t, err)
}

func TestRegrid_NearestCell(t *testing.T) {
	g := domain.HourlyPartitionGrid{
		Region:    "AA",
		Timestamp: time.Unix(0, 0),
		Bounds:    domain.Bounds{West: -100, South: 30, East: -98, North: 32},
		Rows:      1,
		Cols:      2,
		NoData:    -9999,
		Values:    []float32{1.5, -9999},
	}
	out := smallRef().Regrid(g)
	assert.Equal(t, []float32{1.5, -1, -1, -1, -1, 1.5, -1, -1, -1, -1}, out)
}

func TestBuildMaskFromGrids_DataDecides(t *testing.T) {
	ref := smallRef()
	grids := map[domain.RegionID]domain.HourlyPartitionGrid{
		// AA has no data in its eastern cell.
		"AA": {Bounds: domain.Bounds{West: -100, South: 30, East: -98, North: 32}, Rows: 1, Cols: 2, NoData: -9999, Values: []float32{1, -9999}},
		"BB": {Bounds: domain.Bounds{West: -99, South: 30, East: -96, North: 32}, Rows: 1, Cols: 3, NoData: -9999, Values: []float32{2, 2, 2}},
	}
	m := BuildMaskFromGrids(ref, twoRegions(t), grids)
	assert.Equal(t, []int8{0, 1, 1, 1, Excluded}, m.Owner[:5])

	delete(grids, "BB")
	m = BuildMaskFromGrids(ref, twoRegions(t), grids)
	assert.Equal(t, []int8{0, Excluded, Excluded, Excluded, Excluded}, m.Owner[:5])
}
