package composite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
)

// ArrayName is the precipitation variable inside each composite group.
const ArrayName = "APCP_surface"

const zstdLevel = 3

type zarrCompressor struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// zarrArray is the zarr v2 array metadata document.
type zarrArray struct {
	ZarrFormat         int             `json:"zarr_format"`
	Shape              []int           `json:"shape"`
	Chunks             []int           `json:"chunks"`
	DType              string          `json:"dtype"`
	Compressor         *zarrCompressor `json:"compressor"`
	FillValue          float64         `json:"fill_value"`
	Order              string          `json:"order"`
	Filters            []any           `json:"filters"`
	DimensionSeparator string          `json:"dimension_separator"`
}

// ArrayWriter writes hourly composites as zarr v2 groups. Chunk objects go
// first and the group's .zgroup last, so a reader never sees a group whose
// chunks are not all in place.
type ArrayWriter struct {
	store   *blobstore.Store
	ref     grid.Reference
	encoder *zstd.Encoder
}

// NewArrayWriter creates a writer for the reference grid.
func NewArrayWriter(store *blobstore.Store, ref grid.Reference) (*ArrayWriter, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &ArrayWriter{store: store, ref: ref, encoder: enc}, nil
}

// Write stores values under the group key and returns the sha256 of the
// array's little-endian cell values.
func (w *ArrayWriter) Write(ctx context.Context, key string, values []float32, attrs map[string]any) (string, error) {
	ref := w.ref
	if len(values) != ref.Cells() {
		return "", fmt.Errorf("array has %d cells, reference grid has %d", len(values), ref.Cells())
	}
	arrayKey := path.Join(key, ArrayName)

	chunkRows, chunkCols := ref.ChunkGrid()
	for ci := range chunkRows {
		for cj := range chunkCols {
			raw := w.chunk(values, ci, cj)
			name := path.Join(arrayKey, strconv.Itoa(ci)+"."+strconv.Itoa(cj))
			if err := w.store.PutBytes(ctx, name, w.encoder.EncodeAll(raw, nil), "application/octet-stream", nil); err != nil {
				return "", err
			}
		}
	}

	meta := []struct {
		name string
		doc  any
	}{
		{path.Join(arrayKey, ".zattrs"), map[string]any{
			"_ARRAY_DIMENSIONS": []string{"latitude", "longitude"},
			"units":             "kg/m^2",
			"long_name":         "Total precipitation",
		}},
		{path.Join(arrayKey, ".zarray"), zarrArray{
			ZarrFormat:         2,
			Shape:              []int{ref.Rows, ref.Cols},
			Chunks:             []int{ref.ChunkRows, ref.ChunkCols},
			DType:              "<f4",
			Compressor:         &zarrCompressor{ID: "zstd", Level: zstdLevel},
			FillValue:          float64(ref.NoData),
			Order:              "C",
			DimensionSeparator: ".",
		}},
		{path.Join(key, ".zattrs"), attrs},
		{path.Join(key, ".zgroup"), map[string]int{"zarr_format": 2}},
	}
	for _, m := range meta {
		data, err := json.MarshalIndent(m.doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", m.name, err)
		}
		if err := w.store.PutBytes(ctx, m.name, data, "application/json", nil); err != nil {
			return "", err
		}
	}
	return Checksum(values), nil
}

// chunk extracts one chunk in C order. Edge chunks are padded with the fill
// value to the full chunk shape.
func (w *ArrayWriter) chunk(values []float32, ci, cj int) []byte {
	ref := w.ref
	buf := make([]byte, 4*ref.ChunkRows*ref.ChunkCols)
	fill := math.Float32bits(ref.NoData)
	i := 0
	for r := ci * ref.ChunkRows; r < (ci+1)*ref.ChunkRows; r++ {
		for c := cj * ref.ChunkCols; c < (cj+1)*ref.ChunkCols; c++ {
			bits := fill
			if r < ref.Rows && c < ref.Cols {
				bits = math.Float32bits(values[r*ref.Cols+c])
			}
			binary.LittleEndian.PutUint32(buf[i:], bits)
			i += 4
		}
	}
	return buf
}

// Checksum is the sha256 of the cell values in little-endian order.
func Checksum(values []float32) string {
	h := sha256.New()
	var b [4]byte
	for _, v := range values {
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
		h.Write(b[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadArray reads back a composite written by ArrayWriter.
func ReadArray(ctx context.Context, store *blobstore.Store, key string) ([]float32, []int, error) {
	arrayKey := path.Join(key, ArrayName)
	data, err := store.ReadAll(ctx, path.Join(arrayKey, ".zarray"))
	if err != nil {
		return nil, nil, err
	}
	var za zarrArray
	if err := json.Unmarshal(data, &za); err != nil {
		return nil, nil, fmt.Errorf("decode .zarray: %w", err)
	}
	if len(za.Shape) != 2 || len(za.Chunks) != 2 || za.DType != "<f4" {
		return nil, nil, fmt.Errorf("unsupported array %v/%v %s", za.Shape, za.Chunks, za.DType)
	}
	if za.Compressor == nil || !strings.EqualFold(za.Compressor.ID, "zstd") {
		return nil, nil, fmt.Errorf("unsupported compressor in %s", arrayKey)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	rows, cols := za.Shape[0], za.Shape[1]
	cr, cc := za.Chunks[0], za.Chunks[1]
	values := make([]float32, rows*cols)
	for ci := 0; ci*cr < rows; ci++ {
		for cj := 0; cj*cc < cols; cj++ {
			name := path.Join(arrayKey, strconv.Itoa(ci)+"."+strconv.Itoa(cj))
			compressed, err := store.ReadAll(ctx, name)
			if err != nil {
				return nil, nil, err
			}
			raw, err := dec.DecodeAll(compressed, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("decompress %s: %w", name, err)
			}
			if len(raw) != 4*cr*cc {
				return nil, nil, fmt.Errorf("chunk %s has %d bytes", name, len(raw))
			}
			rd := bytes.NewReader(raw)
			for r := ci * cr; r < (ci+1)*cr; r++ {
				for c := cj * cc; c < (cj+1)*cc; c++ {
					var bits uint32
					_ = binary.Read(rd, binary.LittleEndian, &bits)
					if r < rows && c < cols {
						values[r*cols+c] = math.Float32frombits(bits)
					}
				}
			}
		}
	}
	return values, za.Shape, nil
}
