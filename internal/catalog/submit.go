package catalog

import (
	"errors"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// SubmitJob records job together with every entity it produced, in one
// transaction. When a job with the same fingerprint already exists it is
// returned unchanged and existing is true.
//
// The transaction rejects the whole submission when:
//   - a used mirror is not recorded (domain.ErrDanglingReference);
//   - a produced mirror collides with a recorded mirror of the same source
//     version but different checksum (*domain.CatalogConflict);
//   - a produced composite's key is already recorded (*domain.CatalogConflict).
//
// A produced mirror whose source version differs from the recorded one
// supersedes it. The replaced record moves to the superseded bucket, marked
// with the checksum that replaced it, unless the bytes are unchanged.
func (c *Catalog) SubmitJob(job domain.Job) (recorded domain.Job, existing bool, err error) {
	data, err := domain.MarshalJob(job)
	if err != nil {
		return nil, false, err
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		if id := tx.Bucket(fingerprintsBucket).Get([]byte(job.Fingerprint())); id != nil {
			prior, err := getJob(tx, string(id))
			if err != nil {
				return err
			}
			recorded, existing = prior, true
			return nil
		}
		if tx.Bucket(jobsBucket).Get([]byte(job.JobID())) != nil {
			return fmt.Errorf("job id %s already recorded under another fingerprint", job.JobID())
		}

		switch j := job.(type) {
		case *domain.TransferJob:
			for _, m := range j.Produced {
				if err := putMirror(tx, m); err != nil {
					return err
				}
			}
		case *domain.CompositeJob:
			if err := checkUsedMirrors(tx, j.Used); err != nil {
				return err
			}
			for _, co := range j.Produced {
				if err := putComposite(tx, co); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown job type %T", job)
		}

		produced := tx.Bucket(producedByBucket)
		for _, key := range job.ProducedKeys() {
			if err := produced.Put([]byte(key), []byte(job.JobID())); err != nil {
				return err
			}
		}
		if err := tx.Bucket(fingerprintsBucket).Put([]byte(job.Fingerprint()), []byte(job.JobID())); err != nil {
			return err
		}
		recorded = job
		return tx.Bucket(jobsBucket).Put([]byte(job.JobID()), data)
	})
	if err != nil {
		return nil, false, err
	}
	return recorded, existing, nil
}

// CheckUsed verifies that every key names a recorded mirror.
func (c *Catalog) CheckUsed(keys []string) error {
	return c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mirrorsBucket)
		for _, key := range keys {
			if b.Get([]byte(key)) == nil {
				return fmt.Errorf("used mirror %s: %w", key, domain.ErrDanglingReference)
			}
		}
		return nil
	})
}

func checkUsedMirrors(tx *bolt.Tx, used []domain.MirrorObject) error {
	b := tx.Bucket(mirrorsBucket)
	for _, m := range used {
		var rec domain.MirrorObject
		err := get(b, m.StorageKey, &rec)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("used mirror %s: %w", m.StorageKey, domain.ErrDanglingReference)
		}
		if err != nil {
			return err
		}
		if rec.Checksum != m.Checksum {
			return fmt.Errorf("used mirror %s has checksum %s, catalog holds %s: %w",
				m.StorageKey, m.Checksum, rec.Checksum, domain.ErrDanglingReference)
		}
	}
	return nil
}

func putMirror(tx *bolt.Tx, m domain.MirrorObject) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b := tx.Bucket(mirrorsBucket)
	var prior domain.MirrorObject
	err := get(b, m.StorageKey, &prior)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return err
	case prior.SourceRef.SameVersion(m.SourceRef):
		if prior.Checksum != m.Checksum {
			return &domain.CatalogConflict{Key: m.StorageKey, Existing: prior.Checksum, Incoming: m.Checksum}
		}
	case prior.Checksum != m.Checksum:
		prior.ReplacedBy = m.Checksum
		if err := put(tx.Bucket(supersededBucket), m.StorageKey+"@"+prior.Checksum, prior); err != nil {
			return err
		}
	}
	return put(b, m.StorageKey, m)
}

func putComposite(tx *bolt.Tx, co domain.CompositeObject) error {
	b := tx.Bucket(compositesBucket)
	var prior domain.CompositeObject
	err := get(b, co.StorageKey, &prior)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return put(b, co.StorageKey, co)
	case err != nil:
		return err
	}
	return &domain.CatalogConflict{Key: co.StorageKey, Existing: prior.Checksum, Incoming: co.Checksum}
}
