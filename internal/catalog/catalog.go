// Package catalog is the transactional metadata store behind the metadata
// query interface. It records mirrors, composites and the append-only jobs
// that produced them in a single bolt file.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

var (
	mirrorsBucket      = []byte("mirrors")
	supersededBucket   = []byte("superseded_mirrors")
	compositesBucket   = []byte("composites")
	jobsBucket         = []byte("jobs")
	fingerprintsBucket = []byte("fingerprints")
	producedByBucket   = []byte("produced_by")
)

var allBuckets = [][]byte{
	mirrorsBucket, supersededBucket, compositesBucket, jobsBucket, fingerprintsBucket, producedByBucket,
}

// Catalog is safe for concurrent use; bolt serializes writers.
type Catalog struct {
	db *bolt.DB
}

// Open opens or creates the catalog file at path.
func Open(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

// Close syncs and closes the underlying file.
func (c *Catalog) Close() error {
	if err := c.db.Sync(); err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	return c.db.Close()
}

// CheckReadiness runs a read transaction.
func (c *Catalog) CheckReadiness(_ context.Context) error {
	return c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(jobsBucket) == nil {
			return errors.New("catalog: jobs bucket missing")
		}
		return nil
	})
}

// MirrorKeys returns the storage keys recorded for a region and month. Keys are
// deterministic, so the set holds at most one key.
func (c *Catalog) MirrorKeys(region domain.RegionID, ym domain.YearMonth) ([]string, error) {
	key := domain.MirrorKey(region, ym)
	keys := []string{}
	err := c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(mirrorsBucket).Get([]byte(key)) != nil {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

// Mirror returns the mirror recorded at key, or domain.ErrNotFound.
func (c *Catalog) Mirror(key string) (domain.MirrorObject, error) {
	var m domain.MirrorObject
	err := c.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(mirrorsBucket), key, &m)
	})
	return m, err
}

// Mirrors lists every current mirror ordered by storage key.
func (c *Catalog) Mirrors() ([]domain.MirrorObject, error) {
	var out []domain.MirrorObject
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mirrorsBucket).ForEach(func(_, v []byte) error {
			var m domain.MirrorObject
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode mirror: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// Superseded lists mirrors replaced after their upstream archive changed.
func (c *Catalog) Superseded() ([]domain.MirrorObject, error) {
	var out []domain.MirrorObject
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(supersededBucket).ForEach(func(_, v []byte) error {
			var m domain.MirrorObject
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode superseded mirror: %w", err)
			}
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// MirrorsCovering returns the region's mirrors whose recorded coverage holds a
// record starting at t. Only the month of t and its neighbours can qualify.
func (c *Catalog) MirrorsCovering(region domain.RegionID, t time.Time) ([]domain.MirrorObject, error) {
	ym := domain.MonthOf(t)
	var out []domain.MirrorObject
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mirrorsBucket)
		for _, cand := range []domain.YearMonth{ym.Prev(), ym, ym.Next()} {
			var m domain.MirrorObject
			err := get(b, domain.MirrorKey(region, cand), &m)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if m.Coverage.Contains(t.UTC()) {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

// Composite returns the composite for hour t, or domain.ErrNotFound.
func (c *Catalog) Composite(t time.Time) (domain.CompositeObject, error) {
	var co domain.CompositeObject
	err := c.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(compositesBucket), domain.CompositeKey(t), &co)
	})
	return co, err
}

// Composites lists every composite ordered by storage key, which is time order.
func (c *Catalog) Composites() ([]domain.CompositeObject, error) {
	var out []domain.CompositeObject
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(compositesBucket).ForEach(func(_, v []byte) error {
			var co domain.CompositeObject
			if err := json.Unmarshal(v, &co); err != nil {
				return fmt.Errorf("decode composite: %w", err)
			}
			out = append(out, co)
			return nil
		})
	})
	return out, err
}

// Job returns the job with the given id, or domain.ErrNotFound.
func (c *Catalog) Job(id string) (domain.Job, error) {
	var job domain.Job
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	return job, err
}

// JobByFingerprint returns the job recorded under fp, or domain.ErrNotFound.
func (c *Catalog) JobByFingerprint(fp string) (domain.Job, error) {
	var job domain.Job
	err := c.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(fingerprintsBucket).Get([]byte(fp))
		if id == nil {
			return fmt.Errorf("fingerprint %s: %w", fp, domain.ErrNotFound)
		}
		var err error
		job, err = getJob(tx, string(id))
		return err
	})
	return job, err
}

// JobFor returns the latest job that produced the artifact at key.
func (c *Catalog) JobFor(key string) (domain.Job, error) {
	var job domain.Job
	err := c.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(producedByBucket).Get([]byte(key))
		if id == nil {
			return fmt.Errorf("producer of %s: %w", key, domain.ErrNotFound)
		}
		var err error
		job, err = getJob(tx, string(id))
		return err
	})
	return job, err
}

// Jobs lists all jobs ordered by start time, then id.
func (c *Catalog) Jobs() ([]domain.Job, error) {
	var jobs []domain.Job
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(_, v []byte) error {
			job, err := domain.UnmarshalJob(v)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		})
	})
	sort.SliceStable(jobs, func(i, j int) bool {
		si, _ := jobs[i].Window()
		sj, _ := jobs[j].Window()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		return jobs[i].JobID() < jobs[j].JobID()
	})
	return jobs, err
}

func getJob(tx *bolt.Tx, id string) (domain.Job, error) {
	v := tx.Bucket(jobsBucket).Get([]byte(id))
	if v == nil {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return domain.UnmarshalJob(v)
}

func get(b *bolt.Bucket, key string, dst any) error {
	v := b.Get([]byte(key))
	if v == nil {
		return fmt.Errorf("%s: %w", key, domain.ErrNotFound)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}
