package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
)

// Grid is the static spatial configuration: the fixed region set and the
// national reference grid composites are written on.
type Grid struct {
	Regions   *domain.RegionSet
	Reference grid.Reference
	// MaskPath points at a prebuilt ownership mask. Empty means the mask is
	// derived from region extents at startup.
	MaskPath string
}

type gridFile struct {
	Regions   []domain.Region `yaml:"regions"`
	Reference *grid.Reference `yaml:"reference"`
	MaskPath  string          `yaml:"mask_path"`
}

// LoadGrid reads the grid configuration from a YAML file. An empty path yields
// the built-in CONUS regions and reference grid. Omitted sections fall back to
// the same defaults.
func LoadGrid(path string) (*Grid, error) {
	var f gridFile
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read GRID_CONFIG: %w", err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse GRID_CONFIG %s: %w", path, err)
		}
	}
	return f.build()
}

func (f gridFile) build() (*Grid, error) {
	regions := f.Regions
	if len(regions) == 0 {
		regions = domain.DefaultRegions()
	}
	rs, err := domain.NewRegionSet(regions)
	if err != nil {
		return nil, fmt.Errorf("GRID_CONFIG regions: %w", err)
	}
	if rs.Len() > 127 {
		return nil, errors.New("GRID_CONFIG lists more than 127 regions")
	}
	ref := grid.DefaultReference()
	if f.Reference != nil {
		ref = *f.Reference
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("GRID_CONFIG reference: %w", err)
	}
	return &Grid{Regions: rs, Reference: ref, MaskPath: f.MaskPath}, nil
}
