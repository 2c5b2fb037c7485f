package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/noaa"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
)

var modified = time.Date(2021, time.January, 5, 12, 0, 0, 0, time.UTC)

// fakeLister serves every region with the same set of archive names.
type fakeLister struct {
	mu       sync.Mutex
	names    []string
	entries  map[string]noaa.Entry
	listErr  map[string]error
	statErr  map[string]error
	listings int
	stats    int
}

func newFakeLister(months ...string) *fakeLister {
	return &fakeLister{
		names:   months,
		entries: map[string]noaa.Entry{},
		listErr: map[string]error{},
		statErr: map[string]error{},
	}
}

func (f *fakeLister) ListDir(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	if err := f.listErr[dir]; err != nil {
		return nil, err
	}
	region := domain.RegionID(dir[5:7])
	var out []string
	for _, m := range f.names {
		if m == "README.txt" {
			out = append(out, m)
			continue
		}
		ym, err := domain.ParseYearMonth(m)
		if err != nil {
			panic(err)
		}
		out = append(out, domain.ArchiveName(region, ym))
	}
	return out, nil
}

func (f *fakeLister) Stat(_ context.Context, path string) (noaa.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats++
	if err := f.statErr[path]; err != nil {
		return noaa.Entry{}, err
	}
	if e, ok := f.entries[path]; ok {
		return e, nil
	}
	return noaa.Entry{Size: 1024, LastModified: modified, ETag: `"etag"`}, nil
}

func newTestCatalog(t *testing.T, l Lister) *Catalog {
	t.Helper()
	rs, err := domain.NewRegionSet(domain.DefaultRegions())
	require.NoError(t, err)
	return NewCatalog(l, rs, observability.NewMetricsForTesting(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func mustRange(t *testing.T, from, to string) domain.DateRange {
	t.Helper()
	f, err := domain.ParseYearMonth(from)
	require.NoError(t, err)
	tt, err := domain.ParseYearMonth(to)
	require.NoError(t, err)
	r, err := domain.NewMonthRange(f, tt)
	require.NoError(t, err)
	return r
}

func TestListAvailable_OrderAndRange(t *testing.T) {
	l := newFakeLister("2020-06", "2020-04", "2020-05", "README.txt")
	c := newTestCatalog(t, l)

	var got []domain.SourceObject
	for src, err := range c.ListAvailable(context.Background(), mustRange(t, "2020-05", "2020-06")) {
		require.NoError(t, err)
		got = append(got, src)
	}
	require.Len(t, got, 24)
	assert.Equal(t, domain.RegionID("AB"), got[0].Region)
	assert.Equal(t, time.May, got[0].Month)
	assert.Equal(t, time.June, got[1].Month)
	assert.Equal(t, domain.RegionID("WG"), got[23].Region)
	assert.Equal(t, domain.SourcePath("AB", domain.YearMonth{Year: 2020, Month: time.May}), got[0].RemotePath)
	assert.Equal(t, int64(1024), got[0].ByteSize)
	assert.Equal(t, 12, l.listings)
	assert.Equal(t, 24, l.stats)
}

func TestListAvailable_IsLazy(t *testing.T) {
	l := newFakeLister("2020-05", "2020-06")
	c := newTestCatalog(t, l)

	for range c.ListAvailable(context.Background(), mustRange(t, "2020-05", "2020-06")) {
		break
	}
	assert.Equal(t, 1, l.listings)
	assert.Equal(t, 1, l.stats)
}

func TestListAvailable_SkipsMalformed(t *testing.T) {
	l := newFakeLister("2020-05", "2020-06")
	l.entries[domain.SourcePath("AB", domain.YearMonth{Year: 2020, Month: time.May})] = noaa.Entry{Size: -1, LastModified: modified}
	l.entries[domain.SourcePath("CB", domain.YearMonth{Year: 2020, Month: time.June})] = noaa.Entry{Size: 10}
	c := newTestCatalog(t, l)

	n := 0
	for _, err := range c.ListAvailable(context.Background(), mustRange(t, "2020-05", "2020-06")) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 22, n)
}

func TestListAvailable_TransientErrorsAreYielded(t *testing.T) {
	l := newFakeLister("2020-05")
	l.listErr[domain.PartitionDir("CN")] = &domain.TransientNetworkError{Op: "list", Err: errors.New("reset")}
	c := newTestCatalog(t, l)

	var (
		ok   int
		errs []error
	)
	for _, err := range c.ListAvailable(context.Background(), mustRange(t, "2020-05", "2020-05")) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}
	assert.Equal(t, 11, ok)
	require.Len(t, errs, 1)
	assert.True(t, domain.IsRetryable(errs[0]))
}

func TestListAvailable_ResumeAfter(t *testing.T) {
	l := newFakeLister("2020-05", "2020-06")
	c := newTestCatalog(t, l)

	var got []domain.SourceObject
	resume := ResumeAfter("MB", domain.YearMonth{Year: 2020, Month: time.May})
	for src, err := range c.ListAvailable(context.Background(), mustRange(t, "2020-05", "2020-06"), resume) {
		require.NoError(t, err)
		got = append(got, src)
	}
	require.NotEmpty(t, got)
	assert.Equal(t, domain.RegionID("MB"), got[0].Region)
	assert.Equal(t, time.June, got[0].Month)
	assert.Len(t, got, 13)
}

func TestListAvailable_OnlyRegions(t *testing.T) {
	c := newTestCatalog(t, newFakeLister("2020-05"))
	n := 0
	for src, err := range c.ListAvailable(context.Background(), mustRange(t, "2020-05", "2020-05"), OnlyRegions("SE", "AB")) {
		require.NoError(t, err)
		assert.Contains(t, []domain.RegionID{"AB", "SE"}, src.Region)
		n++
	}
	assert.Equal(t, 2, n)
}

func TestListAvailable_StopsOnCancel(t *testing.T) {
	c := newTestCatalog(t, newFakeLister("2020-05"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errs []error
	for _, err := range c.ListAvailable(ctx, mustRange(t, "2020-05", "2020-05")) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}
