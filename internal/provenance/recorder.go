package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/observability"
)

// Catalog is the write side of the metadata catalog.
type Catalog interface {
	SubmitJob(job domain.Job) (recorded domain.Job, existing bool, err error)
	CheckUsed(keys []string) error
}

// Publisher forwards newly recorded jobs to downstream consumers.
type Publisher interface {
	PublishJob(ctx context.Context, job domain.Job, stmts []Statement) error
}

// Recorder turns a draft job into an immutable catalog record.
type Recorder struct {
	catalog   Catalog
	mapper    *Mapper
	regions   *domain.RegionSet
	clock     clockwork.Clock
	bucket    time.Duration
	publisher Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock sets the clock used for finish times and the fingerprint bucket.
func WithClock(c clockwork.Clock) RecorderOption { return func(r *Recorder) { r.clock = c } }

// WithTimeBucket sets the fingerprint time bucket.
func WithTimeBucket(d time.Duration) RecorderOption { return func(r *Recorder) { r.bucket = d } }

// WithPublisher forwards every new job to p after it is committed.
func WithPublisher(p Publisher) RecorderOption { return func(r *Recorder) { r.publisher = p } }

// NewRecorder creates a Recorder.
func NewRecorder(catalog Catalog, mapper *Mapper, regions *domain.RegionSet, metrics *observability.Metrics, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		catalog: catalog,
		mapper:  mapper,
		regions: regions,
		clock:   clockwork.NewRealClock(),
		bucket:  24 * time.Hour,
		metrics: metrics,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stamps a draft *domain.TransferJob or *domain.CompositeJob with its
// finish time, fingerprint and id, checks that everything it used is already
// recorded, and submits it with its produced entities in one transaction.
// Submitting a job whose fingerprint is already recorded returns the recorded
// job instead.
//
// An error wrapping domain.ErrDanglingReference means the catalog cannot
// account for an input; callers treat it as fatal for the run.
func (r *Recorder) Record(ctx context.Context, draft domain.Job) (domain.Job, error) {
	if err := draft.Script().Validate(); err != nil {
		return nil, err
	}
	now := r.clock.Now().UTC()
	fp, err := Fingerprint(draft, now.Truncate(r.bucket))
	if err != nil {
		return nil, err
	}
	id := JobID(fp)

	var job domain.Job
	switch d := draft.(type) {
	case *domain.TransferJob:
		if len(d.Produced) == 0 {
			return nil, errors.New("transfer job produced nothing")
		}
		j := *d
		j.ID, j.Hash, j.FinishedAt = id, fp, now
		job = &j
	case *domain.CompositeJob:
		if len(d.Produced) == 0 || len(d.Used) == 0 {
			return nil, errors.New("composite job needs used mirrors and a produced composite")
		}
		for _, co := range d.Produced {
			if err := co.Validate(r.regions); err != nil {
				return nil, err
			}
		}
		if err := r.catalog.CheckUsed(d.UsedKeys()); err != nil {
			return nil, err
		}
		j := *d
		j.ID, j.Hash, j.FinishedAt = id, fp, now
		job = &j
	default:
		return nil, fmt.Errorf("cannot record job of type %T", draft)
	}

	recorded, existing, err := r.catalog.SubmitJob(job)
	if err != nil {
		return nil, fmt.Errorf("submit %s job: %w", job.Kind(), err)
	}
	result := "new"
	if existing {
		result = "existing"
	}
	r.metrics.JobsRecorded.WithLabelValues(string(recorded.Kind()), result).Inc()
	r.logger.Info("job recorded", "job_id", recorded.JobID(), "kind", recorded.Kind(),
		"produced", recorded.ProducedKeys(), "existing", existing)

	if !existing && r.publisher != nil {
		r.publish(ctx, recorded)
	}
	return recorded, nil
}

// publish is best effort: the catalog is the record of truth and the export
// command can replay it.
func (r *Recorder) publish(ctx context.Context, job domain.Job) {
	stmts, err := r.mapper.Statements(job)
	if err == nil {
		err = r.publisher.PublishJob(ctx, job, stmts)
	}
	if err != nil {
		r.logger.Warn("job publish failed", "job_id", job.JobID(), "error", err)
		return
	}
	r.metrics.JobsPublished.Inc()
}

// Fingerprint hashes the job kind, the sorted produced keys with their
// checksums, the script identity and the time bucket.
func Fingerprint(job domain.Job, bucket time.Time) (string, error) {
	produced := producedChecksums(job)
	keys := make([]string, 0, len(produced))
	for k := range produced {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([][2]string, len(keys))
	for i, k := range keys {
		pairs[i] = [2]string{k, produced[k]}
	}
	payload, err := json.Marshal(struct {
		Kind     domain.JobKind        `json:"kind"`
		Produced [][2]string           `json:"produced"`
		Script   domain.ScriptIdentity `json:"script"`
		Bucket   int64                 `json:"bucket"`
	}{job.Kind(), pairs, job.Script(), bucket.Unix()})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// JobID derives the deterministic job id from a fingerprint.
func JobID(fingerprint string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(AORC+"job/"+fingerprint)).String()
}

func producedChecksums(job domain.Job) map[string]string {
	out := make(map[string]string)
	switch j := job.(type) {
	case *domain.TransferJob:
		for _, m := range j.Produced {
			out[m.StorageKey] = m.Checksum
		}
	case *domain.CompositeJob:
		for _, c := range j.Produced {
			out[c.StorageKey] = c.Checksum
		}
	}
	return out
}
