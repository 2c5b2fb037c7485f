package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/composite"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/mirror"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
	"github.com/couchcryptid/aorc-composite-service/internal/pipeline"
	"github.com/couchcryptid/aorc-composite-service/internal/source"
)

func TestRun_HappyPath(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server)
	server.publishAll(t, e.regions)
	ctx := context.Background()

	_, ok := e.pipeline.Last()
	assert.False(t, ok)

	ms, err := e.pipeline.RunMirror(ctx, mayRange(t))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageMirror, ms.Stage)
	assert.Equal(t, 12, ms.Succeeded)
	assert.Zero(t, ms.Failed)
	assert.Empty(t, ms.Failures())
	assert.False(t, ms.Interrupted)

	last, ok := e.pipeline.Last()
	require.True(t, ok)
	assert.Equal(t, ms.Units, last.Units)

	hour := time.Date(2020, time.May, 15, 6, 0, 0, 0, time.UTC)
	cs, err := e.pipeline.RunComposite(ctx, hour, hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Succeeded)
	require.Len(t, cs.Units, 1)
	assert.Equal(t, pipeline.UnitResult{Key: domain.CompositeKey(hour), Status: "written"}, cs.Units[0])

	co, err := e.catalog.Composite(hour)
	require.NoError(t, err)
	assert.False(t, co.Partial)
	if diff := cmp.Diff(e.regions.IDs(), co.ContributingRegions); diff != "" {
		t.Errorf("contributing regions mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, co.Used, 12)
	assert.Equal(t, []string{domain.CompositeKey(hour) + "/.zgroup"}, filterSuffix(e.compositeKeys(t), ".zgroup"))
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server)
	server.publishAll(t, e.regions)
	ctx := context.Background()

	_, err := e.pipeline.RunMirror(ctx, mayRange(t))
	require.NoError(t, err)
	from := time.Date(2020, time.May, 15, 5, 0, 0, 0, time.UTC)
	_, err = e.pipeline.RunComposite(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	keys := e.compositeKeys(t)

	ms, err := e.pipeline.RunMirror(ctx, mayRange(t))
	require.NoError(t, err)
	assert.Equal(t, 12, ms.Skipped)
	assert.Zero(t, ms.Succeeded)
	for _, reg := range e.regions.IDs() {
		assert.Equal(t, 1, server.getCount(domain.SourcePath(reg, may2020)), reg)
	}

	cs, err := e.pipeline.RunComposite(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, cs.Skipped)
	assert.Equal(t, "existing", cs.Units[0].Status)
	assert.Equal(t, keys, e.compositeKeys(t))
}

func TestRun_OneRegionFailsIntegrity(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server)
	server.publishAll(t, e.regions)
	server.corruptRegion("LM")
	ctx := context.Background()

	ms, err := e.pipeline.RunMirror(ctx, mayRange(t))
	require.NoError(t, err)
	assert.Equal(t, 11, ms.Succeeded)
	assert.Equal(t, 1, ms.Failed)
	failures := ms.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, domain.MirrorKey("LM", may2020), failures[0].Key)
	assert.Contains(t, failures[0].Reason, "integrity")
	assert.Equal(t, 2, server.getCount(domain.SourcePath("LM", may2020)), "integrity failures are retried once")

	from := time.Date(2020, time.May, 15, 5, 0, 0, 0, time.UTC)
	cs, err := e.pipeline.RunComposite(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, cs.Deferred)
	assert.Zero(t, cs.Succeeded)
	for _, u := range cs.Units {
		assert.Equal(t, "deferred", u.Status)
		assert.Contains(t, u.Reason, "missing regions [LM]")
	}
	assert.Empty(t, e.compositeKeys(t))
}

func TestRun_PartialPolicyAcceptsMissingRegion(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server, withPolicy(composite.Policy{Partial: true, MinRegions: 11}))
	server.publishAll(t, e.regions)
	server.corruptRegion("LM")
	ctx := context.Background()

	_, err := e.pipeline.RunMirror(ctx, mayRange(t))
	require.NoError(t, err)

	hour := time.Date(2020, time.May, 15, 6, 0, 0, 0, time.UTC)
	cs, err := e.pipeline.RunComposite(ctx, hour, hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Succeeded)

	co, err := e.catalog.Composite(hour)
	require.NoError(t, err)
	assert.True(t, co.Partial)
	assert.Len(t, co.ContributingRegions, 11)
	assert.NotContains(t, co.ContributingRegions, domain.RegionID("LM"))
}

func TestRun_InterruptedMirrorResumes(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server, withMirrorConcurrency(1))
	server.publishAll(t, e.regions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.onGet = func(r *http.Request, distinct int) {
		if distinct != 7 {
			return
		}
		cancel()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}

	first, err := e.pipeline.RunMirror(ctx, mayRange(t))
	require.NoError(t, err)
	assert.True(t, first.Interrupted)
	assert.Equal(t, 6, first.Succeeded)

	server.mu.Lock()
	server.onGet = nil
	server.mu.Unlock()

	second, err := e.pipeline.RunMirror(context.Background(), mayRange(t))
	require.NoError(t, err)
	assert.False(t, second.Interrupted)
	assert.Equal(t, 6, second.Skipped)
	assert.Equal(t, 6, second.Succeeded)
	assert.Zero(t, second.Failed)

	ids := e.regions.IDs()
	for _, reg := range ids[:6] {
		assert.Equal(t, 1, server.getCount(domain.SourcePath(reg, may2020)), "%s was transferred again", reg)
	}
	for _, reg := range ids[7:] {
		assert.Equal(t, 1, server.getCount(domain.SourcePath(reg, may2020)), reg)
	}
}

func TestRun_ListingRetriesResumeAfterLastItem(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server)
	server.publishAll(t, e.regions)
	server.failDir[domain.PartitionDir("CN")] = 1

	ms, err := e.pipeline.RunMirror(context.Background(), mayRange(t))
	require.NoError(t, err)
	assert.Equal(t, 12, ms.Succeeded)
	assert.Zero(t, ms.Failed)

	assert.Equal(t, 1, server.hitCount(http.MethodGet, domain.PartitionDir("AB")))
	assert.Equal(t, 1, server.hitCount(http.MethodHead, domain.SourcePath("AB", may2020)))
	assert.Equal(t, 2, server.hitCount(http.MethodGet, domain.PartitionDir("CN")))
}

func TestRun_ListingFailureIsReported(t *testing.T) {
	server := newArchiveServer()
	e := newEnv(t, server)
	server.publishAll(t, e.regions)
	server.failDir[domain.PartitionDir("CN")] = 100

	ms, err := e.pipeline.RunMirror(context.Background(), mayRange(t))
	require.NoError(t, err)
	assert.Equal(t, 11, ms.Succeeded)
	assert.Equal(t, 1, ms.Failed)
	failures := ms.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "listing", failures[0].Key)
	assert.Contains(t, failures[0].Reason, "network")
	assert.Equal(t, 3, server.hitCount(http.MethodGet, domain.PartitionDir("CN")))
}

func TestRunComposite_RejectsBadRanges(t *testing.T) {
	p := pipeline.New(nil, nil, &fakeCompositor{}, pipeline.Settings{CompositeConcurrency: 1},
		clockwork.NewFakeClock(), observability.NewMetricsForTesting(), discard())
	hour := time.Date(2020, time.May, 15, 6, 0, 0, 0, time.UTC)

	_, err := p.RunComposite(context.Background(), hour.Add(30*time.Minute), hour.Add(2*time.Hour))
	require.Error(t, err)
	_, err = p.RunComposite(context.Background(), hour, hour.Add(-time.Hour))
	require.Error(t, err)
}

func TestRunComposite_ClassifiesOutcomes(t *testing.T) {
	hour := time.Date(2020, time.May, 15, 0, 0, 0, 0, time.UTC)
	fc := &fakeCompositor{outcomes: map[time.Time]composite.Outcome{
		hour:                    {Status: composite.StatusWritten},
		hour.Add(time.Hour):     {Status: composite.StatusExisting},
		hour.Add(2 * time.Hour): {Status: composite.StatusDeferred, Err: &domain.ResolutionGap{Timestamp: hour, Missing: []domain.RegionID{"AB"}}},
		hour.Add(3 * time.Hour): {Status: composite.StatusInProgress, Err: domain.ErrInProgress},
		hour.Add(4 * time.Hour): {Status: composite.StatusFailed, Err: &domain.CompositionError{Timestamp: hour, Err: fmt.Errorf("boom")}},
	}}
	p := pipeline.New(nil, nil, fc, pipeline.Settings{CompositeConcurrency: 3},
		clockwork.NewFakeClock(), observability.NewMetricsForTesting(), discard())

	s, err := p.RunComposite(context.Background(), hour, hour.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 2, s.Deferred)
	assert.Equal(t, 1, s.Failed)
	require.Len(t, s.Units, 5)
	assert.Equal(t, domain.CompositeKey(hour), s.Units[0].Key)
	assert.Equal(t, "boom", s.Units[4].Reason)
}

func TestRunComposite_DanglingReferenceIsFatal(t *testing.T) {
	hour := time.Date(2020, time.May, 15, 0, 0, 0, 0, time.UTC)
	fc := &fakeCompositor{outcomes: map[time.Time]composite.Outcome{
		hour: {Status: composite.StatusFailed, Err: fmt.Errorf("record: %w", domain.ErrDanglingReference)},
	}}
	p := pipeline.New(nil, nil, fc, pipeline.Settings{CompositeConcurrency: 1},
		clockwork.NewFakeClock(), observability.NewMetricsForTesting(), discard())

	_, err := p.RunComposite(context.Background(), hour, hour.Add(5*time.Hour))
	require.ErrorIs(t, err, domain.ErrDanglingReference)
}

func TestRunMirror_DanglingReferenceIsFatal(t *testing.T) {
	src := domain.SourceObject{Region: "AB", Year: 2020, Month: time.May}
	lister := listerFunc(func(yield func(domain.SourceObject, error) bool) { yield(src, nil) })
	m := mirrorerFunc(func(seq iter.Seq[domain.SourceObject]) []mirror.Outcome {
		var out []mirror.Outcome
		for s := range seq {
			out = append(out, mirror.Outcome{Source: s, Status: mirror.StatusFailed, Err: domain.ErrDanglingReference})
		}
		return out
	})
	p := pipeline.New(lister, m, nil, pipeline.Settings{MirrorConcurrency: 1},
		clockwork.NewFakeClock(), observability.NewMetricsForTesting(), discard())

	s, err := p.RunMirror(context.Background(), domain.DateRange{})
	require.ErrorIs(t, err, domain.ErrDanglingReference)
	assert.Equal(t, 1, s.Failed)
}

func TestSummary_WriteJSON(t *testing.T) {
	s := pipeline.Summary{Stage: pipeline.StageComposite, Deferred: 1, Units: []pipeline.UnitResult{{Key: "k", Status: "deferred", Reason: "gap"}}}
	var buf bytes.Buffer
	require.NoError(t, s.WriteJSON(&buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "composite", decoded["stage"])
	assert.InDelta(t, 1, decoded["deferred"], 0)
	assert.NotContains(t, decoded, "interrupted")
}

type fakeCompositor struct {
	outcomes map[time.Time]composite.Outcome
}

func (f *fakeCompositor) Hour(_ context.Context, t time.Time) composite.Outcome {
	o, ok := f.outcomes[t]
	if !ok {
		o = composite.Outcome{Status: composite.StatusWritten}
	}
	o.Timestamp = t
	return o
}

type listerFunc func(yield func(domain.SourceObject, error) bool)

func (f listerFunc) ListAvailable(context.Context, domain.DateRange, ...source.Option) iter.Seq2[domain.SourceObject, error] {
	return iter.Seq2[domain.SourceObject, error](f)
}

type mirrorerFunc func(iter.Seq[domain.SourceObject]) []mirror.Outcome

func (f mirrorerFunc) Mirror(_ context.Context, sources iter.Seq[domain.SourceObject], _ int) <-chan mirror.Outcome {
	out := f(sources)
	ch := make(chan mirror.Outcome, len(out))
	for _, o := range out {
		ch <- o
	}
	close(ch)
	return ch
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func filterSuffix(keys []string, suffix string) []string {
	var out []string
	for _, k := range keys {
		if len(k) >= len(suffix) && k[len(k)-len(suffix):] == suffix {
			out = append(out, k)
		}
	}
	return out
}
