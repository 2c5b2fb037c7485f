package pipeline_test

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // archive server ETag
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/adapter/noaa"
	"github.com/couchcryptid/aorc-composite-service/internal/align"
	"github.com/couchcryptid/aorc-composite-service/internal/archive"
	"github.com/couchcryptid/aorc-composite-service/internal/catalog"
	"github.com/couchcryptid/aorc-composite-service/internal/claim"
	"github.com/couchcryptid/aorc-composite-service/internal/composite"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/grid"
	"github.com/couchcryptid/aorc-composite-service/internal/mirror"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
	"github.com/couchcryptid/aorc-composite-service/internal/pipeline"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
	"github.com/couchcryptid/aorc-composite-service/internal/source"
)

var (
	may2020  = domain.YearMonth{Year: 2020, Month: time.May}
	modified = time.Date(2021, time.January, 5, 12, 0, 0, 0, time.UTC)
	// Archives hold eight hours starting here.
	firstHour = time.Date(2020, time.May, 15, 0, 0, 0, 0, time.UTC)
	script    = domain.ScriptIdentity{ImageTag: "aorc:test", ImageDigest: "sha256:00", SourceRevisionURI: "https://example.com/rev/1"}
)

// archiveServer serves an AORC-style directory tree. Directory paths render
// an index page; file paths answer HEAD and GET.
type archiveServer struct {
	mu sync.Mutex
	// files maps a remote path to the bytes HEAD describes.
	files map[string][]byte
	// corrupt maps a remote path to different bytes of the same length
	// served on GET.
	corrupt map[string][]byte
	// failDir makes the next n listings of a directory answer 503.
	failDir map[string]int
	// onGet runs before a GET is answered. distinct counts the paths
	// fetched so far, this one included.
	onGet func(r *http.Request, distinct int)
	hits  map[string]int
	gets  map[string]int
}

func newArchiveServer() *archiveServer {
	return &archiveServer{
		files:   map[string][]byte{},
		corrupt: map[string][]byte{},
		failDir: map[string]int{},
		hits:    map[string]int{},
		gets:    map[string]int{},
	}
}

func (s *archiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.Lock()
	s.hits[r.Method+" "+p]++
	if strings.HasSuffix(p, "/") {
		if s.failDir[p] > 0 {
			s.failDir[p]--
			s.mu.Unlock()
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var names []string
		for name := range s.files {
			if path.Dir(name)+"/" == p {
				names = append(names, path.Base(name))
			}
		}
		s.mu.Unlock()
		sort.Strings(names)
		var page bytes.Buffer
		page.WriteString("<html><body>\n<a href=\"../\">Parent Directory</a>\n")
		for _, n := range names {
			fmt.Fprintf(&page, "<a href=%q>%s</a>\n", n, n)
		}
		page.WriteString("</body></html>\n")
		_, _ = w.Write(page.Bytes())
		return
	}

	data, ok := s.files[p]
	body := data
	if bad, isCorrupt := s.corrupt[p]; isCorrupt {
		body = bad
	}
	var onGet func(*http.Request, int)
	distinct := 0
	if r.Method == http.MethodGet {
		s.gets[p]++
		distinct = len(s.gets)
		onGet = s.onGet
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if onGet != nil {
		onGet(r, distinct)
		if r.Context().Err() != nil {
			return
		}
	}
	sum := md5.Sum(data) //nolint:gosec
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

func (s *archiveServer) getCount(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[p]
}

func (s *archiveServer) hitCount(method, p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+p]
}

// publishAll places a synthetic May 2020 archive for every region.
func (s *archiveServer) publishAll(t *testing.T, regions *domain.RegionSet) {
	t.Helper()
	for _, reg := range regions.Regions() {
		data, err := archive.Build(reg.ID, archive.SyntheticHours(reg.ID, firstHour, 8, reg.Extent, 4, 4, nil))
		require.NoError(t, err)
		s.files[domain.SourcePath(reg.ID, may2020)] = data
	}
}

// corruptRegion serves flipped bytes for region's archive on every GET.
func (s *archiveServer) corruptRegion(region domain.RegionID) {
	p := domain.SourcePath(region, may2020)
	bad := bytes.Clone(s.files[p])
	for i := range bad {
		bad[i] ^= 0xff
	}
	s.corrupt[p] = bad
}

// testRef is a one-degree CONUS grid.
func testRef() grid.Reference {
	return grid.Reference{
		Extent:    domain.Bounds{West: -125, South: 24, East: -65, North: 50},
		Rows:      26,
		Cols:      60,
		ChunkRows: 13,
		ChunkCols: 20,
		NoData:    -9999,
	}
}

type env struct {
	server   *archiveServer
	http     *httptest.Server
	store    *blobstore.Store
	catalog  *catalog.Catalog
	regions  *domain.RegionSet
	pipeline *pipeline.Pipeline
}

type envOption func(*envConfig)

type envConfig struct {
	policy            composite.Policy
	mirrorConcurrency int
}

func withPolicy(p composite.Policy) envOption {
	return func(c *envConfig) { c.policy = p }
}

func withMirrorConcurrency(n int) envOption {
	return func(c *envConfig) { c.mirrorConcurrency = n }
}

func newEnv(t *testing.T, server *archiveServer, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{mirrorConcurrency: 4}
	for _, opt := range opts {
		opt(&cfg)
	}

	rs, err := domain.NewRegionSet(domain.DefaultRegions())
	require.NoError(t, err)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC))
	store := blobstore.NewMemory()
	claims := claim.NewSet()

	client := noaa.NewClient(srv.URL, 5*time.Second, logger)
	lister := source.NewCatalog(client, rs, metrics, logger)
	rec := provenance.NewRecorder(cat, provenance.NewMapper(rs, "mem://aorc", srv.URL), rs, metrics, logger,
		provenance.WithClock(clock))

	engine := mirror.NewEngine(client, store, cat, rec, claims, script, mirror.Settings{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		TempDir:         t.TempDir(),
	}, clock, metrics, logger)

	cache, err := align.NewArchiveCache(store, 4, t.TempDir(), metrics)
	require.NoError(t, err)
	ref := testRef()
	writer, err := composite.NewArrayWriter(store, ref)
	require.NoError(t, err)
	comp, err := composite.New(align.New(cat, cache, rs, logger), cat, writer, rec, claims, rs, ref,
		grid.BuildMask(ref, rs), cfg.policy, script, clock, metrics, logger)
	require.NoError(t, err)

	p := pipeline.New(lister, engine, comp, pipeline.Settings{
		MirrorConcurrency:    cfg.mirrorConcurrency,
		CompositeConcurrency: 2,
		ListAttempts:         3,
		InitialInterval:      time.Millisecond,
		MaxInterval:          5 * time.Millisecond,
	}, clock, metrics, logger)

	return &env{server: server, http: srv, store: store, catalog: cat, regions: rs, pipeline: p}
}

func mayRange(t *testing.T) domain.DateRange {
	t.Helper()
	r, err := domain.NewMonthRange(may2020, may2020)
	require.NoError(t, err)
	return r
}

func (e *env) compositeKeys(t *testing.T) []string {
	t.Helper()
	keys, err := e.store.List(context.Background(), domain.CompositePrefix)
	require.NoError(t, err)
	return keys
}
