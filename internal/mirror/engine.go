// Package mirror copies remote archives into the durable store, one unit per
// regional monthly archive.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/claim"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
)

// Status is the final state of one mirror unit.
type Status string

const (
	StatusTransferred Status = "transferred"
	StatusSkipped     Status = "skipped"
	StatusRecovered   Status = "recovered"
	StatusFailed      Status = "failed"
)

// Outcome reports what happened to one source.
type Outcome struct {
	Source   domain.SourceObject
	Mirror   domain.MirrorObject
	Status   Status
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Fetcher streams a remote archive.
type Fetcher interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Catalog is the read side the engine consults for idempotence.
type Catalog interface {
	Mirror(key string) (domain.MirrorObject, error)
}

// Recorder records the transfer job for a new mirror.
type Recorder interface {
	Record(ctx context.Context, draft domain.Job) (domain.Job, error)
}

// Settings tune retries and scratch space.
type Settings struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// TempDir holds in-flight downloads. Empty means os.TempDir.
	TempDir string
}

// Engine runs mirror units on a bounded worker pool.
type Engine struct {
	fetcher  Fetcher
	store    *blobstore.Store
	catalog  Catalog
	recorder Recorder
	claims   *claim.Set
	script   domain.ScriptIdentity
	settings Settings
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewEngine creates an Engine. claims is shared with anything else that
// writes mirror keys.
func NewEngine(
	fetcher Fetcher,
	store *blobstore.Store,
	catalog Catalog,
	recorder Recorder,
	claims *claim.Set,
	script domain.ScriptIdentity,
	settings Settings,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Engine {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	return &Engine{
		fetcher:  fetcher,
		store:    store,
		catalog:  catalog,
		recorder: recorder,
		claims:   claims,
		script:   script,
		settings: settings,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// Mirror consumes sources with limit workers and emits one Outcome per
// scheduled unit. The channel closes when every scheduled unit has finished.
// Cancelling ctx stops scheduling; units already running finish or abort.
// A dangling provenance reference stops the whole run.
//
// The caller must drain the channel.
func (e *Engine) Mirror(ctx context.Context, sources iter.Seq[domain.SourceObject], limit int) <-chan Outcome {
	if limit < 1 {
		limit = 1
	}
	work := make(chan domain.SourceObject, limit)
	out := make(chan Outcome, limit)

	go func() {
		defer close(out)
		e.metrics.RunActive.WithLabelValues("mirror").Set(1)
		defer e.metrics.RunActive.WithLabelValues("mirror").Set(0)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(work)
			for src := range sources {
				select {
				case work <- src:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
		for range limit {
			g.Go(func() error {
				for src := range work {
					if gctx.Err() != nil {
						continue
					}
					o := e.mirrorOne(gctx, src)
					out <- o
					if errors.Is(o.Err, domain.ErrDanglingReference) {
						return o.Err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.logger.Error("mirror run aborted", "error", err)
		}
	}()
	return out
}

func (e *Engine) mirrorOne(ctx context.Context, src domain.SourceObject) Outcome {
	start := e.clock.Now()
	o := e.run(ctx, src, start)
	o.Source = src
	o.Elapsed = e.clock.Since(start)

	e.metrics.MirrorOutcomes.WithLabelValues(string(o.Status)).Inc()
	e.metrics.MirrorDuration.Observe(o.Elapsed.Seconds())
	log := e.logger.With("region", src.Region, "key", src.Key(), "status", o.Status, "attempts", o.Attempts)
	if o.Err != nil {
		log.Warn("mirror unit failed", "error", o.Err)
	} else {
		log.Info("mirror unit done", "bytes", o.Mirror.ByteSize)
	}
	return o
}

func (e *Engine) run(ctx context.Context, src domain.SourceObject, start time.Time) Outcome {
	key := src.Key()
	release, err := e.claims.Claim(ctx, key)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("claim %s: %w", key, err)}
	}
	defer release()

	existing, err := e.catalog.Mirror(key)
	switch {
	case err == nil && existing.SourceRef.SameVersion(src):
		return Outcome{Status: StatusSkipped, Mirror: existing}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("catalog lookup %s: %w", key, err)}
	}

	if mo, ok := e.recover(ctx, src); ok {
		if err := e.record(ctx, src, mo, start); err != nil {
			return Outcome{Status: StatusFailed, Err: err}
		}
		return Outcome{Status: StatusRecovered, Mirror: mo}
	}

	mo, attempts, err := e.transfer(ctx, src)
	if err != nil {
		return Outcome{Status: StatusFailed, Attempts: attempts, Err: err}
	}
	if err := e.record(ctx, src, mo, start); err != nil {
		return Outcome{Status: StatusFailed, Attempts: attempts, Mirror: mo, Err: err}
	}
	return Outcome{Status: StatusTransferred, Attempts: attempts, Mirror: mo}
}

func (e *Engine) record(ctx context.Context, src domain.SourceObject, mo domain.MirrorObject, start time.Time) error {
	_, err := e.recorder.Record(ctx, &domain.TransferJob{
		StartedAt: start,
		Identity:  e.script,
		Produced:  []domain.MirrorObject{mo},
		Used:      []domain.SourceObject{src},
	})
	if err != nil {
		return fmt.Errorf("record transfer of %s: %w", mo.StorageKey, err)
	}
	return nil
}
