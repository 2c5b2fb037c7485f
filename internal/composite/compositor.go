// Package composite merges the hourly grids of every region into one national
// array on the reference grid.
package composite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/aorc-composite-service/internal/claim"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
)

// Resolver supplies the regional grids of one hour.
type Resolver interface {
	ResolveHour(ctx context.Context, t time.Time) (map[domain.RegionID]domain.HourlyPartitionGrid, error)
}

// Catalog is the part of the metadata catalog the compositor reads.
type Catalog interface {
	Composite(t time.Time) (domain.CompositeObject, error)
	Mirror(key string) (domain.MirrorObject, error)
}

// Recorder records the composite job.
type Recorder interface {
	Record(ctx context.Context, draft domain.Job) (domain.Job, error)
}

// Policy decides whether an hour with missing regions may be composited.
type Policy struct {
	// Partial allows composites that lack some regions.
	Partial bool
	// MinRegions is the fewest regions a partial composite may hold.
	MinRegions int
}

// Compositor builds one composite per hour.
type Compositor struct {
	resolver Resolver
	catalog  Catalog
	writer   *ArrayWriter
	recorder Recorder
	claims   *claim.Set
	regions  *domain.RegionSet
	ref      grid.Reference
	mask     *grid.Mask
	policy   Policy
	script   domain.ScriptIdentity
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New creates a Compositor. The mask must match ref and regions.
func New(
	resolver Resolver,
	catalog Catalog,
	writer *ArrayWriter,
	recorder Recorder,
	claims *claim.Set,
	regions *domain.RegionSet,
	ref grid.Reference,
	mask *grid.Mask,
	policy Policy,
	script domain.ScriptIdentity,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*Compositor, error) {
	if err := mask.Check(ref, regions); err != nil {
		return nil, err
	}
	return &Compositor{
		resolver: resolver,
		catalog:  catalog,
		writer:   writer,
		recorder: recorder,
		claims:   claims,
		regions:  regions,
		ref:      ref,
		mask:     mask,
		policy:   policy,
		script:   script,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Status is the result of compositing one hour.
type Status string

const (
	StatusWritten    Status = "written"
	StatusExisting   Status = "existing"
	StatusDeferred   Status = "deferred"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// Outcome reports what happened to one hour.
type Outcome struct {
	Timestamp time.Time
	Composite domain.CompositeObject
	Status    Status
	Err       error
}

// Composite builds, writes and records the composite for hour t, or returns
// the one already recorded. It returns domain.ErrInProgress when another
// worker holds the hour, a *domain.ResolutionGap when regions are missing and
// the policy does not allow a partial composite, and a
// *domain.CompositionError when the hour's grids cannot be merged.
func (c *Compositor) Composite(ctx context.Context, t time.Time) (domain.CompositeObject, error) {
	o := c.Hour(ctx, t)
	return o.Composite, o.Err
}

// Hour is Composite with the outcome classified for run summaries.
func (c *Compositor) Hour(ctx context.Context, t time.Time) Outcome {
	t = t.UTC()
	co, existing, err := c.compose(ctx, t)
	o := Outcome{Timestamp: t, Composite: co, Err: err}
	var gap *domain.ResolutionGap
	switch {
	case err == nil && existing:
		o.Status = StatusExisting
	case err == nil:
		o.Status = StatusWritten
	case errors.Is(err, domain.ErrInProgress):
		o.Status = StatusInProgress
	case errors.As(err, &gap):
		o.Status = StatusDeferred
	default:
		o.Status = StatusFailed
	}
	c.metrics.CompositeOutcomes.WithLabelValues(string(o.Status)).Inc()

	log := c.logger.With("timestamp", t, "status", o.Status)
	switch o.Status {
	case StatusFailed:
		log.Warn("composite failed", "error", err)
	case StatusDeferred, StatusInProgress:
		log.Info("composite deferred", "reason", domain.Reason(err))
	default:
		log.Info("composite done", "key", co.StorageKey, "partial", co.Partial)
	}
	return o
}

func (c *Compositor) compose(ctx context.Context, t time.Time) (domain.CompositeObject, bool, error) {
	key := domain.CompositeKey(t)
	release, ok := c.claims.TryClaim(key)
	if !ok {
		return domain.CompositeObject{}, false, domain.ErrInProgress
	}
	defer release()

	if existing, err := c.catalog.Composite(t); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.CompositeObject{}, false, fmt.Errorf("catalog lookup %s: %w", key, err)
	}

	start := c.clock.Now()
	grids, err := c.resolver.ResolveHour(ctx, t)
	partial := false
	if err != nil {
		var gap *domain.ResolutionGap
		if !errors.As(err, &gap) || !c.policy.Partial || len(grids) < c.policy.MinRegions || len(grids) == 0 {
			return domain.CompositeObject{}, false, err
		}
		partial = true
		c.logger.Info("compositing partial hour", "timestamp", t, "missing", gap.Missing)
	}

	values, err := c.stitch(grids)
	if err != nil {
		return domain.CompositeObject{}, false, &domain.CompositionError{Timestamp: t, Err: err}
	}

	contributing := make([]domain.RegionID, 0, len(grids))
	used := make([]domain.MirrorObject, 0, len(grids))
	usedKeys := make([]string, 0, len(grids))
	usedSums := make(map[string]string, len(grids))
	seen := make(map[string]bool)
	for _, id := range c.regions.IDs() {
		g, ok := grids[id]
		if !ok {
			continue
		}
		contributing = append(contributing, id)
		if seen[g.MirrorKey] {
			continue
		}
		seen[g.MirrorKey] = true
		mo, err := c.catalog.Mirror(g.MirrorKey)
		if err != nil {
			return domain.CompositeObject{}, false, fmt.Errorf("used mirror %s: %w", g.MirrorKey, err)
		}
		used = append(used, mo)
		usedKeys = append(usedKeys, mo.StorageKey)
		usedSums[mo.StorageKey] = mo.Checksum
	}

	checksum, err := c.writer.Write(ctx, key, values, c.attributes(t, contributing, partial))
	if err != nil {
		return domain.CompositeObject{}, false, &domain.CompositionError{Timestamp: t, Err: err}
	}

	co := domain.CompositeObject{
		Timestamp:           t,
		StorageKey:          key,
		ContributingRegions: contributing,
		Partial:             partial,
		Checksum:            checksum,
		Shape:               [2]int{c.ref.Rows, c.ref.Cols},
		Chunks:              [2]int{c.ref.ChunkRows, c.ref.ChunkCols},
		Extent:              c.ref.Extent,
		Used:                usedKeys,
		UsedChecksums:       usedSums,
	}
	_, err = c.recorder.Record(ctx, &domain.CompositeJob{
		StartedAt: start,
		Identity:  c.script,
		Used:      used,
		Produced:  []domain.CompositeObject{co},
	})
	if err != nil {
		return domain.CompositeObject{}, false, fmt.Errorf("record composite %s: %w", key, err)
	}
	c.metrics.CompositeDuration.Observe(c.clock.Since(start).Seconds())
	return co, false, nil
}

// stitch regrids every grid and fills each cell from its owner. A cell whose
// owner has no data there takes the first region in fixed order that does.
// Cells owned by a present region must end up with data.
func (c *Compositor) stitch(grids map[domain.RegionID]domain.HourlyPartitionGrid) ([]float32, error) {
	ids := c.regions.IDs()
	layers := make([][]float32, len(ids))
	for i, id := range ids {
		if g, ok := grids[id]; ok {
			layers[i] = c.ref.Regrid(g)
		}
	}

	noData := c.ref.NoData
	out := make([]float32, c.ref.Cells())
	holes := make(map[domain.RegionID]int)
	for cell := range out {
		out[cell] = noData
		owner := c.mask.Owner[cell]
		if owner == grid.Excluded {
			continue
		}
		if layer := layers[owner]; layer != nil && layer[cell] != noData {
			out[cell] = layer[cell]
			continue
		}
		for _, layer := range layers {
			if layer != nil && layer[cell] != noData {
				out[cell] = layer[cell]
				break
			}
		}
		if out[cell] == noData && layers[owner] != nil {
			holes[ids[owner]]++
		}
	}

	if len(holes) > 0 {
		parts := make([]string, 0, len(holes))
		for _, id := range ids {
			if n := holes[id]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s:%d", id, n))
			}
		}
		return nil, fmt.Errorf("cells without data inside present regions (%s)", strings.Join(parts, ", "))
	}
	return out, nil
}

func (c *Compositor) attributes(t time.Time, members []domain.RegionID, partial bool) map[string]any {
	ids := make([]string, len(members))
	for i, id := range members {
		ids[i] = string(id)
	}
	return map[string]any{
		"start_time":       t.Format(time.RFC3339),
		"end_time":         t.Add(time.Hour).Format(time.RFC3339),
		"members":          strings.Join(ids, ","),
		"partial":          partial,
		"crs":              grid.CRS,
		"extent":           c.ref.Extent.WKT(),
		"docker_image_url": c.script.ImageTag + "@" + c.script.ImageDigest,
		"composite_script": c.script.SourceRevisionURI,
	}
}
