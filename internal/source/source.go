// Package source enumerates the regional monthly archives available on the
// remote server.
package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/noaa"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
)

// Lister is the remote side of the catalog: one directory index per region and
// one HEAD per archive.
type Lister interface {
	ListDir(ctx context.Context, dir string) ([]string, error)
	Stat(ctx context.Context, path string) (noaa.Entry, error)
}

// Catalog lists SourceObjects lazily in (region, year, month) order.
type Catalog struct {
	lister  Lister
	regions *domain.RegionSet
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewCatalog creates a Catalog over the fixed region set.
func NewCatalog(lister Lister, regions *domain.RegionSet, metrics *observability.Metrics, logger *slog.Logger) *Catalog {
	return &Catalog{lister: lister, regions: regions, metrics: metrics, logger: logger}
}

// Option narrows a listing.
type Option func(*listing)

type listing struct {
	regions     map[domain.RegionID]bool
	resume      bool
	afterRegion domain.RegionID
	afterMonth  domain.YearMonth
}

// ResumeAfter restarts a listing just past the given item, so a consumer that
// stopped on a transient error does not see earlier items twice.
func ResumeAfter(region domain.RegionID, ym domain.YearMonth) Option {
	return func(l *listing) {
		l.resume = true
		l.afterRegion = region
		l.afterMonth = ym
	}
}

// OnlyRegions limits the listing to the named regions.
func OnlyRegions(ids ...domain.RegionID) Option {
	return func(l *listing) {
		l.regions = make(map[domain.RegionID]bool, len(ids))
		for _, id := range ids {
			l.regions[id] = true
		}
	}
}

// ListAvailable yields every archive in r. Network calls happen as the
// sequence is consumed. Transient failures are yielded as
// *domain.TransientNetworkError; if the consumer keeps going, the listing
// moves on to the next item. Entries with unusable names or headers are
// logged and skipped.
func (c *Catalog) ListAvailable(ctx context.Context, r domain.DateRange, opts ...Option) iter.Seq2[domain.SourceObject, error] {
	var l listing
	for _, opt := range opts {
		opt(&l)
	}

	return func(yield func(domain.SourceObject, error) bool) {
		for _, region := range c.regions.IDs() {
			if l.regions != nil && !l.regions[region] {
				continue
			}
			if l.resume && c.regions.Index(region) < c.regions.Index(l.afterRegion) {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(domain.SourceObject{}, err)
				return
			}

			months, err := c.months(ctx, region, r)
			if err != nil {
				if !yield(domain.SourceObject{}, err) {
					return
				}
				continue
			}
			for _, ym := range months {
				if l.resume && region == l.afterRegion && !l.afterMonth.Before(ym) {
					continue
				}
				src, ok, err := c.stat(ctx, region, ym)
				if err != nil {
					if !yield(domain.SourceObject{}, err) {
						return
					}
					continue
				}
				if !ok {
					continue
				}
				c.metrics.SourcesListed.Inc()
				if !yield(src, nil) {
					return
				}
			}
		}
	}
}

// months returns the months of r that the region's directory index lists.
func (c *Catalog) months(ctx context.Context, region domain.RegionID, r domain.DateRange) ([]domain.YearMonth, error) {
	dir := domain.PartitionDir(region)
	names, err := c.lister.ListDir(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list region %s: %w", region, err)
	}

	var months []domain.YearMonth
	for _, name := range names {
		id, ym, err := domain.ParseArchiveName(name)
		if err != nil {
			c.malformed(region, name, err.Error())
			continue
		}
		if id != region {
			c.malformed(region, name, "archive belongs to another region")
			continue
		}
		if r.Contains(ym) {
			months = append(months, ym)
		}
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months, nil
}

// stat turns a HEAD response into a SourceObject. ok is false when the entry
// was skipped.
func (c *Catalog) stat(ctx context.Context, region domain.RegionID, ym domain.YearMonth) (domain.SourceObject, bool, error) {
	path := domain.SourcePath(region, ym)
	e, err := c.lister.Stat(ctx, path)
	if errors.Is(err, domain.ErrNotFound) {
		c.malformed(region, path, "listed but not found")
		return domain.SourceObject{}, false, nil
	}
	if err != nil {
		return domain.SourceObject{}, false, fmt.Errorf("stat %s: %w", path, err)
	}

	src := domain.SourceObject{
		Region:       region,
		Year:         ym.Year,
		Month:        ym.Month,
		RemotePath:   path,
		ByteSize:     e.Size,
		LastModified: e.LastModified,
		ETag:         e.ETag,
	}
	switch {
	case e.Size <= 0:
		c.malformed(region, path, "missing or invalid content length")
		return domain.SourceObject{}, false, nil
	case e.LastModified.IsZero():
		c.malformed(region, path, "missing or invalid last-modified")
		return domain.SourceObject{}, false, nil
	}
	return src, true, nil
}

func (c *Catalog) malformed(region domain.RegionID, entry, reason string) {
	c.metrics.SourcesMalformed.Inc()
	c.logger.Warn("skipping malformed source entry", "region", region, "entry", entry, "reason", reason)
}
