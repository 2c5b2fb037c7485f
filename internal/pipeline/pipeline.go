// Package pipeline runs whole mirror and composite runs and keeps the summary
// of the last one.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/aorc-composite-service/internal/composite"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/mirror"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
	"github.com/couchcryptid/aorc-composite-service/internal/source"
)

// Lister enumerates remote archives.
type Lister interface {
	ListAvailable(ctx context.Context, r domain.DateRange, opts ...source.Option) iter.Seq2[domain.SourceObject, error]
}

// Mirrorer copies archives into the durable store.
type Mirrorer interface {
	Mirror(ctx context.Context, sources iter.Seq[domain.SourceObject], limit int) <-chan mirror.Outcome
}

// Compositor builds the composite of one hour.
type Compositor interface {
	Hour(ctx context.Context, t time.Time) composite.Outcome
}

// Settings bound both stages.
type Settings struct {
	MirrorConcurrency    int
	CompositeConcurrency int
	// Regions limits mirror runs to these regions. Empty means all.
	Regions []domain.RegionID
	// ListAttempts bounds retries of one transient listing failure.
	ListAttempts    int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Pipeline orchestrates runs. Either stage may be nil when a command only
// needs the other.
type Pipeline struct {
	lister     Lister
	mirrorer   Mirrorer
	compositor Compositor
	settings   Settings
	clock      clockwork.Clock
	metrics    *observability.Metrics
	logger     *slog.Logger

	mu   sync.Mutex
	last *Summary
}

// New creates a Pipeline.
func New(lister Lister, mirrorer Mirrorer, compositor Compositor, settings Settings, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		lister:     lister,
		mirrorer:   mirrorer,
		compositor: compositor,
		settings:   settings,
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
	}
}

// Last returns the summary of the most recent finished run.
func (p *Pipeline) Last() (Summary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Summary{}, false
	}
	return *p.last, true
}

func (p *Pipeline) finish(ctx context.Context, s *Summary) {
	s.FinishedAt = p.clock.Now().UTC()
	s.Interrupted = ctx.Err() != nil
	s.sortUnits()
	p.mu.Lock()
	p.last = s
	p.mu.Unlock()
	p.logger.Info("run finished",
		"stage", s.Stage,
		"succeeded", s.Succeeded,
		"skipped", s.Skipped,
		"deferred", s.Deferred,
		"failed", s.Failed,
		"interrupted", s.Interrupted,
	)
}

// RunMirror mirrors every archive listed for r. Unit failures are reported in
// the summary; the error is non-nil only when the catalog cannot account for
// a provenance reference.
func (p *Pipeline) RunMirror(ctx context.Context, r domain.DateRange) (Summary, error) {
	s := newSummary(StageMirror, p.clock.Now())
	p.logger.Info("mirror run started", "from", r.From, "to", r.To, "concurrency", p.settings.MirrorConcurrency)

	var (
		mu    sync.Mutex
		fatal error
	)
	listFailed := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		s.add("listing", string(mirror.StatusFailed), classFailed, domain.Reason(err))
	}

	for o := range p.mirrorer.Mirror(ctx, p.sources(ctx, r, listFailed), p.settings.MirrorConcurrency) {
		mu.Lock()
		s.add(o.Source.Key(), string(o.Status), mirrorClass(o.Status), domain.Reason(o.Err))
		mu.Unlock()
		if errors.Is(o.Err, domain.ErrDanglingReference) {
			fatal = o.Err
		}
	}
	p.finish(ctx, &s)
	return s, fatal
}

func mirrorClass(st mirror.Status) class {
	switch st {
	case mirror.StatusTransferred, mirror.StatusRecovered:
		return classSucceeded
	case mirror.StatusSkipped:
		return classSkipped
	}
	return classFailed
}

// sources adapts the listing to the engine. A transient listing failure is
// retried with backoff by restarting the listing after the last item seen;
// once retries run out the failure is reported and the listing moves on.
func (p *Pipeline) sources(ctx context.Context, r domain.DateRange, failed func(error)) iter.Seq[domain.SourceObject] {
	return func(yield func(domain.SourceObject) bool) {
		b := p.newBackoff()
		var base []source.Option
		if len(p.settings.Regions) > 0 {
			base = append(base, source.OnlyRegions(p.settings.Regions...))
		}
		opts := base
		for {
			restart := false
			for src, err := range p.lister.ListAvailable(ctx, r, opts...) {
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if domain.IsRetryable(err) {
						if wait := b.NextBackOff(); wait != backoff.Stop {
							p.logger.Warn("listing failed, retrying", "error", err, "wait", wait)
							if !retry.SleepWithContext(ctx, wait) {
								return
							}
							restart = true
							break
						}
					}
					p.logger.Error("listing failed", "error", err)
					failed(err)
					b.Reset()
					continue
				}
				b.Reset()
				opts = append(slices.Clip(base), source.ResumeAfter(src.Region, src.YearMonth()))
				if !yield(src) {
					return
				}
			}
			if !restart {
				return
			}
		}
	}
}

func (p *Pipeline) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.settings.InitialInterval
	b.MaxInterval = p.settings.MaxInterval
	b.MaxElapsedTime = 0
	attempts := max(p.settings.ListAttempts, 1)
	bo := backoff.WithMaxRetries(b, uint64(attempts-1))
	bo.Reset()
	return bo
}

// RunComposite composites every hour from from to to, both inclusive.
func (p *Pipeline) RunComposite(ctx context.Context, from, to time.Time) (Summary, error) {
	from, to = from.UTC(), to.UTC()
	if !from.Truncate(time.Hour).Equal(from) || !to.Truncate(time.Hour).Equal(to) {
		return Summary{}, fmt.Errorf("composite range %s..%s must start and end on the hour",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if to.Before(from) {
		return Summary{}, fmt.Errorf("composite range ends (%s) before it starts (%s)",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	s := newSummary(StageComposite, p.clock.Now())
	p.logger.Info("composite run started", "from", from, "to", to, "concurrency", p.settings.CompositeConcurrency)
	p.metrics.RunActive.WithLabelValues(string(StageComposite)).Set(1)
	defer p.metrics.RunActive.WithLabelValues(string(StageComposite)).Set(0)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.settings.CompositeConcurrency, 1))
	for t := from; !t.After(to); t = t.Add(time.Hour) {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o := p.compositor.Hour(gctx, t)
			mu.Lock()
			s.add(domain.CompositeKey(t), string(o.Status), compositeClass(o.Status), domain.Reason(o.Err))
			mu.Unlock()
			if errors.Is(o.Err, domain.ErrDanglingReference) {
				return o.Err
			}
			return nil
		})
	}
	err := g.Wait()
	p.finish(ctx, &s)
	return s, err
}

func compositeClass(st composite.Status) class {
	switch st {
	case composite.StatusWritten:
		return classSucceeded
	case composite.StatusExisting:
		return classSkipped
	case composite.StatusDeferred, composite.StatusInProgress:
		return classDeferred
	}
	return classFailed
}
