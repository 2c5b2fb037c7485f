// Package align resolves, for one hour, the grid of every region from the
// recorded mirrors.
package align

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Catalog finds the mirrors that can hold an hour.
type Catalog interface {
	MirrorsCovering(region domain.RegionID, t time.Time) ([]domain.MirrorObject, error)
}

// Aligner maps an hour to one HourlyPartitionGrid per region.
type Aligner struct {
	catalog Catalog
	cache   *ArchiveCache
	regions *domain.RegionSet
	logger  *slog.Logger
}

// New creates an Aligner.
func New(catalog Catalog, cache *ArchiveCache, regions *domain.RegionSet, logger *slog.Logger) *Aligner {
	return &Aligner{catalog: catalog, cache: cache, regions: regions, logger: logger}
}

// ResolveHour returns the grid starting exactly at t for every region it can
// resolve. When a region has no such grid the resolved grids are returned
// together with a *domain.ResolutionGap naming the missing regions. A mirror
// that cannot be read fails the hour with a *domain.CompositionError.
func (a *Aligner) ResolveHour(ctx context.Context, t time.Time) (map[domain.RegionID]domain.HourlyPartitionGrid, error) {
	t = t.UTC()
	if !t.Truncate(time.Hour).Equal(t) {
		return nil, fmt.Errorf("resolve %s: not on the hour", t.Format(time.RFC3339))
	}

	grids := make(map[domain.RegionID]domain.HourlyPartitionGrid, a.regions.Len())
	present := make(map[domain.RegionID]bool, a.regions.Len())
	for _, region := range a.regions.IDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, ok, err := a.resolveRegion(ctx, region, t)
		if err != nil {
			return nil, &domain.CompositionError{Timestamp: t, Err: err}
		}
		if ok {
			grids[region] = g
			present[region] = true
		}
	}

	if missing := a.regions.Missing(present); len(missing) > 0 {
		a.logger.Debug("hour unresolved", "timestamp", t, "missing", missing)
		return grids, &domain.ResolutionGap{Timestamp: t, Missing: missing}
	}
	return grids, nil
}

func (a *Aligner) resolveRegion(ctx context.Context, region domain.RegionID, t time.Time) (domain.HourlyPartitionGrid, bool, error) {
	candidates, err := a.catalog.MirrorsCovering(region, t)
	if err != nil {
		return domain.HourlyPartitionGrid{}, false, fmt.Errorf("mirrors covering %s: %w", region, err)
	}
	Prefer(candidates, t)

	for _, mo := range candidates {
		r, release, err := a.cache.Open(ctx, mo)
		if err != nil {
			return domain.HourlyPartitionGrid{}, false, err
		}
		if !r.Has(t) {
			release()
			continue
		}
		g, err := r.Grid(t)
		release()
		if err != nil {
			return domain.HourlyPartitionGrid{}, false, err
		}
		g.MirrorKey = mo.StorageKey
		return g, true, nil
	}
	return domain.HourlyPartitionGrid{}, false, nil
}

// Prefer orders candidate mirrors for hour t: the archive of t's own month
// first, then earlier archives before later ones.
func Prefer(candidates []domain.MirrorObject, t time.Time) {
	own := domain.MonthOf(t)
	sort.SliceStable(candidates, func(i, j int) bool {
		mi, mj := candidates[i].YearMonth(), candidates[j].YearMonth()
		if (mi == own) != (mj == own) {
			return mi == own
		}
		return mi.Before(mj)
	})
}

// IsGap reports whether err is a resolution gap.
func IsGap(err error) bool {
	var gap *domain.ResolutionGap
	return errors.As(err, &gap)
}
