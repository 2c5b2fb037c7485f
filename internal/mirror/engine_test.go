package mirror_test

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // test fixture ETag
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/adapter/noaa"
	"github.com/couchcryptid/aorc-composite-service/internal/archive"
	"github.com/couchcryptid/aorc-composite-service/internal/catalog"
	"github.com/couchcryptid/aorc-composite-service/internal/claim"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/mirror"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

var (
	may2020  = domain.YearMonth{Year: 2020, Month: time.May}
	modified = time.Date(2021, time.January, 5, 12, 0, 0, 0, time.UTC)
	script   = domain.ScriptIdentity{ImageTag: "aorc:test", ImageDigest: "sha256:00", SourceRevisionURI: "https://example.com/rev/1"}
)

// fakeFetcher serves archive bodies by remote path and can inject failures.
type fakeFetcher struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	failures map[string][]error
	calls    map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: map[string][]byte{}, failures: map[string][]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[path]++
	if errs := f.failures[path]; len(errs) > 0 {
		f.failures[path] = errs[1:]
		return nil, errs[0]
	}
	body, ok := f.bodies[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type harness struct {
	engine  *mirror.Engine
	fetcher *fakeFetcher
	store   *blobstore.Store
	catalog *catalog.Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, blobstore.NewMemory(), newFakeFetcher())
}

// newHarnessWith builds an engine with a fresh catalog over an existing store
// and source server.
func newHarnessWith(t *testing.T, store *blobstore.Store, fetcher *fakeFetcher) *harness {
	t.Helper()
	engine, cat := newEngine(t, store, fetcher)
	return &harness{engine: engine, fetcher: fetcher, store: store, catalog: cat}
}

func newEngine(t *testing.T, store *blobstore.Store, fetcher mirror.Fetcher) (*mirror.Engine, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC))
	rs := regions(t)
	rec := provenance.NewRecorder(cat, provenance.NewMapper(rs, "mem://", "https://source"), rs, metrics, logger,
		provenance.WithClock(clock))

	settings := mirror.Settings{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, TempDir: t.TempDir()}
	engine := mirror.NewEngine(fetcher, store, cat, rec, claim.NewSet(), script, settings, clock, metrics, logger)
	return engine, cat
}

func regions(t *testing.T) *domain.RegionSet {
	t.Helper()
	rs, err := domain.NewRegionSet(domain.DefaultRegions())
	require.NoError(t, err)
	return rs
}

// publish places a synthetic archive for region on the fake server and
// returns its listing.
func (h *harness) publish(t *testing.T, region domain.RegionID) domain.SourceObject {
	t.Helper()
	reg, ok := regions(t).Get(region)
	require.True(t, ok)
	data, err := archive.Build(region, archive.SyntheticHours(region, may2020.Start(), 3, reg.Extent, 4, 4, nil))
	require.NoError(t, err)
	sum := md5.Sum(data) //nolint:gosec
	src := domain.SourceObject{
		Region:       region,
		Year:         may2020.Year,
		Month:        may2020.Month,
		RemotePath:   domain.SourcePath(region, may2020),
		ByteSize:     int64(len(data)),
		LastModified: modified,
		ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
	}
	h.fetcher.bodies[src.RemotePath] = data
	return src
}

func collect(ch <-chan mirror.Outcome) []mirror.Outcome {
	var out []mirror.Outcome
	for o := range ch {
		out = append(out, o)
	}
	return out
}

func TestMirror_TransfersThenSkips(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "AB")
	ctx := context.Background()

	first := collect(h.engine.Mirror(ctx, slices.Values([]domain.SourceObject{src}), 2))
	require.Len(t, first, 1)
	require.NoError(t, first[0].Err)
	assert.Equal(t, mirror.StatusTransferred, first[0].Status)
	assert.Equal(t, 1, first[0].Attempts)

	mo := first[0].Mirror
	assert.Equal(t, domain.MirrorKey("AB", may2020), mo.StorageKey)
	assert.Equal(t, may2020.Start(), mo.Coverage.Start)
	assert.Equal(t, may2020.Start().Add(3*time.Hour), mo.Coverage.End)
	assert.Equal(t, time.Hour, mo.TemporalResolution)

	stored, err := h.store.ReadAll(ctx, mo.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, h.fetcher.bodies[src.RemotePath], stored)

	job, err := h.catalog.JobFor(mo.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, domain.KindTransfer, job.Kind())

	second := collect(h.engine.Mirror(ctx, slices.Values([]domain.SourceObject{src}), 2))
	require.Len(t, second, 1)
	assert.Equal(t, mirror.StatusSkipped, second[0].Status)
	assert.Equal(t, 1, h.fetcher.totalCalls(), "skipped units make no network transfer")
}

func TestMirror_RecoversUnrecordedObject(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "CB")
	ctx := context.Background()

	// A previous run wrote the object and crashed before recording it.
	first := collect(h.engine.Mirror(ctx, slices.Values([]domain.SourceObject{src}), 1))
	require.NoError(t, first[0].Err)

	h2 := newHarnessWith(t, h.store, h.fetcher)
	out := collect(h2.engine.Mirror(ctx, slices.Values([]domain.SourceObject{src}), 1))
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, mirror.StatusRecovered, out[0].Status)
	assert.Equal(t, first[0].Mirror.Checksum, out[0].Mirror.Checksum)
	assert.Equal(t, 1, h.fetcher.totalCalls())

	_, err := h2.catalog.Mirror(src.Key())
	require.NoError(t, err)
}

func TestMirror_RetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "CN")
	transient := &domain.TransientNetworkError{Op: "get", Err: errors.New("connection reset")}
	h.fetcher.failures[src.RemotePath] = []error{transient, transient}

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{src}), 1))
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	assert.Equal(t, mirror.StatusTransferred, out[0].Status)
	assert.Equal(t, 3, out[0].Attempts)
}

func TestMirror_ExhaustedRetriesFailUnitOnly(t *testing.T) {
	h := newHarness(t)
	bad := h.publish(t, "LM")
	good := h.publish(t, "MA")
	transient := &domain.TransientNetworkError{Op: "get", Err: errors.New("timeout")}
	h.fetcher.failures[bad.RemotePath] = []error{transient, transient, transient, transient, transient}

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{bad, good}), 2))
	require.Len(t, out, 2)
	byRegion := map[domain.RegionID]mirror.Outcome{}
	for _, o := range out {
		byRegion[o.Source.Region] = o
	}
	assert.Equal(t, mirror.StatusFailed, byRegion["LM"].Status)
	assert.Equal(t, 4, byRegion["LM"].Attempts)
	assert.True(t, domain.IsRetryable(byRegion["LM"].Err))
	assert.Equal(t, mirror.StatusTransferred, byRegion["MA"].Status)

	exists, err := h.store.Exists(context.Background(), bad.Key())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMirror_IntegrityRetriedOnce(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "MB")
	src.ByteSize++ // the server under-delivers every time

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{src}), 1))
	require.Len(t, out, 1)
	assert.Equal(t, mirror.StatusFailed, out[0].Status)
	assert.Equal(t, 2, out[0].Attempts)
	var ie *domain.IntegrityError
	require.ErrorAs(t, out[0].Err, &ie)
	assert.Contains(t, ie.Reason, "bytes")
}

func TestMirror_ETagMismatch(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "NC")
	src.ETag = `"00000000000000000000000000000000"`

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{src}), 1))
	require.Len(t, out, 1)
	var ie *domain.IntegrityError
	require.ErrorAs(t, out[0].Err, &ie)
	assert.Contains(t, ie.Reason, "md5")
}

func TestMirror_NotAnArchive(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "NE")
	h.fetcher.bodies[src.RemotePath] = bytes.Repeat([]byte{'x'}, int(src.ByteSize))
	src.ETag = ""

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{src}), 1))
	require.Len(t, out, 1)
	var ie *domain.IntegrityError
	require.ErrorAs(t, out[0].Err, &ie)
}

func TestMirror_PermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "NW")
	delete(h.fetcher.bodies, src.RemotePath)

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{src}), 1))
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Attempts)
	assert.ErrorIs(t, out[0].Err, domain.ErrNotFound)
}

func TestMirror_SameKeyTwiceTransfersOnce(t *testing.T) {
	h := newHarness(t)
	src := h.publish(t, "OH")

	out := collect(h.engine.Mirror(context.Background(), slices.Values([]domain.SourceObject{src, src}), 2))
	require.Len(t, out, 2)
	statuses := []mirror.Status{out[0].Status, out[1].Status}
	assert.ElementsMatch(t, []mirror.Status{mirror.StatusTransferred, mirror.StatusSkipped}, statuses)
	assert.Equal(t, 1, h.fetcher.totalCalls())
}

func TestMirror_CancelStopsScheduling(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srcs := []domain.SourceObject{h.publish(t, "SE"), h.publish(t, "WG")}
	out := collect(h.engine.Mirror(ctx, slices.Values(srcs), 1))
	assert.Empty(t, out)
	assert.Zero(t, h.fetcher.totalCalls())
}

func TestMirror_StalledDownloadFailsUnitOnly(t *testing.T) {
	h := newHarness(t)
	stalled := h.publish(t, "NC")
	srcs := []domain.SourceObject{h.publish(t, "AB"), stalled, h.publish(t, "CB"), h.publish(t, "CN")}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		data, ok := h.fetcher.bodies[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if path != stalled.RemotePath {
			_, _ = w.Write(data)
			return
		}
		_, _ = w.Write(data[:10])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := noaa.NewClient(srv.URL, 100*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine, _ := newEngine(t, h.store, client)

	done := make(chan []mirror.Outcome, 1)
	go func() { done <- collect(engine.Mirror(context.Background(), slices.Values(srcs), 2)) }()

	var out []mirror.Outcome
	select {
	case out = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("a stalled download held the batch")
	}
	require.Len(t, out, 4)
	for _, o := range out {
		if o.Source.Region == "NC" {
			assert.Equal(t, mirror.StatusFailed, o.Status)
			assert.True(t, domain.IsRetryable(o.Err), "%v", o.Err)
			assert.Equal(t, 4, o.Attempts)
			continue
		}
		require.NoError(t, o.Err, o.Source.Region)
		assert.Equal(t, mirror.StatusTransferred, o.Status, o.Source.Region)
	}
}
