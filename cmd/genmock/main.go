// Command genmock writes a synthetic AORC archive tree for local development.
// Serve the output directory with any static file server that renders
// directory indexes and point SOURCE_BASE_URL at it.
//
// Usage:
//
//	go run ./cmd/genmock -out data/mock/aorc-historic -from 2020-05 -to 2020-06
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/aorc-composite-service/internal/archive"
	"github.com/couchcryptid/aorc-composite-service/internal/config"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output directory for the archive tree")
	from := flag.String("from", "2020-05", "first month (YYYY-MM)")
	to := flag.String("to", "2020-05", "last month, inclusive (YYYY-MM)")
	rows := flag.Int("rows", 24, "rows per regional grid")
	cols := flag.Int("cols", 24, "columns per regional grid")
	only := flag.String("regions", "", "comma-separated region ids (default: all)")
	gridConfig := flag.String("grid-config", "", "GRID_CONFIG file with the region set (default: built-in CONUS regions)")
	coastal := flag.Bool("coastal", false, "mark cells outside an inscribed ellipse as no-data, like real coastlines and borders")
	flag.Parse()

	if *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flag: -out")
	}
	fromMonth, err := domain.ParseYearMonth(*from)
	if err != nil {
		return err
	}
	toMonth, err := domain.ParseYearMonth(*to)
	if err != nil {
		return err
	}
	months, err := domain.NewMonthRange(fromMonth, toMonth)
	if err != nil {
		return err
	}
	g, err := config.LoadGrid(*gridConfig)
	if err != nil {
		return err
	}

	selected := g.Regions.Regions()
	if *only != "" {
		selected = selected[:0]
		for _, id := range strings.Split(*only, ",") {
			reg, ok := g.Regions.Get(domain.RegionID(strings.ToUpper(strings.TrimSpace(id))))
			if !ok {
				return fmt.Errorf("unknown region %q", id)
			}
			selected = append(selected, reg)
		}
	}

	for _, reg := range selected {
		var mask func(lon, lat float64) bool
		if *coastal {
			mask = ellipse(reg.Extent)
		}
		for _, ym := range months.Months() {
			path := filepath.Join(*out, filepath.FromSlash(domain.SourcePath(reg.ID, ym)))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			data, err := archive.Build(reg.ID, archive.SyntheticMonth(reg.ID, ym, reg.Extent, *rows, *cols, mask))
			if err != nil {
				return fmt.Errorf("build %s %s: %w", reg.ID, ym, err)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // fixture files are world-readable
				return err
			}
			fmt.Printf("Wrote %s (%d bytes)\n", path, len(data))
		}
	}
	return nil
}

// ellipse keeps the cells inside the ellipse inscribed in b.
func ellipse(b domain.Bounds) func(lon, lat float64) bool {
	cx, cy := (b.West+b.East)/2, (b.South+b.North)/2
	rx, ry := (b.East-b.West)/2, (b.North-b.South)/2
	return func(lon, lat float64) bool {
		return math.Pow((lon-cx)/rx, 2)+math.Pow((lat-cy)/ry, 2) <= 1
	}
}
