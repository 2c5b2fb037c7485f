package align

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/couchcryptid/aorc-composite-service/internal/adapter/blobstore"
	"github.com/couchcryptid/aorc-composite-service/internal/archive"
	"github.com/couchcryptid/aorc-composite-service/internal/claim"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
)

// ArchiveCache keeps recently opened mirrors on local disk. Evicted archives
// are deleted once no caller still reads from them.
type ArchiveCache struct {
	store   *blobstore.Store
	dir     string
	lru     *lru.Cache[string, *openArchive]
	loading *claim.Set
	metrics *observability.Metrics
}

// NewArchiveCache creates a cache holding up to size archives under dir.
// Empty dir means os.TempDir.
func NewArchiveCache(store *blobstore.Store, size int, dir string, metrics *observability.Metrics) (*ArchiveCache, error) {
	cache, err := lru.NewWithEvict(size, func(_ string, a *openArchive) { a.evict() })
	if err != nil {
		return nil, fmt.Errorf("archive cache: %w", err)
	}
	return &ArchiveCache{
		store:   store,
		dir:     dir,
		lru:     cache,
		loading: claim.NewSet(),
		metrics: metrics,
	}, nil
}

// Open returns a reader for the mirror. The caller must call release when it
// is done with the reader.
func (c *ArchiveCache) Open(ctx context.Context, mo domain.MirrorObject) (r *archive.Reader, release func(), err error) {
	if a, ok := c.lookup(mo); ok {
		c.metrics.ArchiveCache.WithLabelValues("hit").Inc()
		return a.reader, a.release, nil
	}

	// One download per key; later callers wait and then hit.
	done, err := c.loading.Claim(ctx, mo.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	defer done()
	if a, ok := c.lookup(mo); ok {
		c.metrics.ArchiveCache.WithLabelValues("hit").Inc()
		return a.reader, a.release, nil
	}

	c.metrics.ArchiveCache.WithLabelValues("miss").Inc()
	a, err := c.load(ctx, mo)
	if err != nil {
		return nil, nil, err
	}
	a.acquire()
	c.lru.Add(mo.StorageKey, a)
	return a.reader, a.release, nil
}

// Purge evicts everything.
func (c *ArchiveCache) Purge() { c.lru.Purge() }

// Len reports the number of cached archives.
func (c *ArchiveCache) Len() int { return c.lru.Len() }

// lookup returns a cached archive and takes a reference on it. A cached copy
// of a superseded mirror is dropped.
func (c *ArchiveCache) lookup(mo domain.MirrorObject) (*openArchive, bool) {
	a, ok := c.lru.Get(mo.StorageKey)
	if !ok {
		return nil, false
	}
	if a.checksum != mo.Checksum {
		c.lru.Remove(mo.StorageKey)
		return nil, false
	}
	if !a.acquire() {
		return nil, false
	}
	return a, true
}

func (c *ArchiveCache) load(ctx context.Context, mo domain.MirrorObject) (*openArchive, error) {
	f, err := os.CreateTemp(c.dir, "aorc-archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	a := &openArchive{file: f, checksum: mo.Checksum}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	sum := sha256.New()
	n, err := c.store.Download(ctx, mo.StorageKey, io.MultiWriter(f, sum))
	if err != nil {
		return nil, err
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != mo.Checksum {
		return nil, &domain.IntegrityError{Key: mo.StorageKey, Reason: fmt.Sprintf("stored checksum %s, recorded %s", got, mo.Checksum)}
	}
	a.reader, err = archive.Open(f, n, mo.Region)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mo.StorageKey, err)
	}
	ok = true
	return a, nil
}

// openArchive is one downloaded mirror with a reference count.
type openArchive struct {
	reader   *archive.Reader
	file     *os.File
	checksum string

	mu      sync.Mutex
	refs    int
	evicted bool
}

func (a *openArchive) acquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.evicted {
		return false
	}
	a.refs++
	return true
}

func (a *openArchive) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs--
	if a.refs == 0 && a.evicted {
		a.close()
	}
}

func (a *openArchive) evict() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.evicted = true
	if a.refs == 0 {
		a.close()
	}
}

func (a *openArchive) close() {
	name := a.file.Name()
	_ = a.file.Close()
	_ = os.Remove(name)
}
