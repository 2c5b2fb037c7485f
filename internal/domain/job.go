package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind tags the two job variants.
type JobKind string

const (
	KindTransfer  JobKind = "transfer"
	KindComposite JobKind = "composite"
)

// ScriptIdentity pins the software that executed a job.
type ScriptIdentity struct {
	ImageTag          string   `json:"image_tag"`
	ImageDigest       string   `json:"image_digest"`
	SourceRevisionURI string   `json:"source_revision_uri"`
	ScriptPath        string   `json:"script_path,omitempty"`
	Command           []string `json:"command,omitempty"`
}

// Validate requires the three reproducibility fields.
func (s ScriptIdentity) Validate() error {
	if s.ImageTag == "" || s.ImageDigest == "" || s.SourceRevisionURI == "" {
		return fmt.Errorf("script identity requires image tag, image digest and source revision (got %q, %q, %q)",
			s.ImageTag, s.ImageDigest, s.SourceRevisionURI)
	}
	return nil
}

// Job is the common view of an append-only pipeline activity.
type Job interface {
	JobID() string
	Kind() JobKind
	Fingerprint() string
	// ProducedKeys are the storage keys of the artifacts the job generated.
	ProducedKeys() []string
	// UsedKeys identify the job's inputs: remote paths for transfers, mirror
	// storage keys for composites.
	UsedKeys() []string
	Script() ScriptIdentity
	Window() (started, finished time.Time)
}

// TransferJob records one mirror transfer.
type TransferJob struct {
	ID         string         `json:"id"`
	Hash       string         `json:"fingerprint"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Identity   ScriptIdentity `json:"script_identity"`
	Produced   []MirrorObject `json:"produced"`
	Used       []SourceObject `json:"used"`
}

func (j *TransferJob) JobID() string          { return j.ID }
func (j *TransferJob) Kind() JobKind          { return KindTransfer }
func (j *TransferJob) Fingerprint() string    { return j.Hash }
func (j *TransferJob) Script() ScriptIdentity { return j.Identity }

func (j *TransferJob) Window() (time.Time, time.Time) { return j.StartedAt, j.FinishedAt }

func (j *TransferJob) ProducedKeys() []string {
	keys := make([]string, len(j.Produced))
	for i, m := range j.Produced {
		keys[i] = m.StorageKey
	}
	return keys
}

func (j *TransferJob) UsedKeys() []string {
	keys := make([]string, len(j.Used))
	for i, s := range j.Used {
		keys[i] = s.RemotePath
	}
	return keys
}

// CompositeJob records the construction of one or more composites.
type CompositeJob struct {
	ID         string            `json:"id"`
	Hash       string            `json:"fingerprint"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Identity   ScriptIdentity    `json:"script_identity"`
	Used       []MirrorObject    `json:"used"`
	Produced   []CompositeObject `json:"produced"`
}

func (j *CompositeJob) JobID() string          { return j.ID }
func (j *CompositeJob) Kind() JobKind          { return KindComposite }
func (j *CompositeJob) Fingerprint() string    { return j.Hash }
func (j *CompositeJob) Script() ScriptIdentity { return j.Identity }

func (j *CompositeJob) Window() (time.Time, time.Time) { return j.StartedAt, j.FinishedAt }

func (j *CompositeJob) ProducedKeys() []string {
	keys := make([]string, len(j.Produced))
	for i, c := range j.Produced {
		keys[i] = c.StorageKey
	}
	return keys
}

func (j *CompositeJob) UsedKeys() []string {
	keys := make([]string, len(j.Used))
	for i, m := range j.Used {
		keys[i] = m.StorageKey
	}
	return keys
}

// jobEnvelope is the persisted form of a Job.
type jobEnvelope struct {
	Kind      JobKind       `json:"kind"`
	Transfer  *TransferJob  `json:"transfer,omitempty"`
	Composite *CompositeJob `json:"composite,omitempty"`
}

// MarshalJob encodes either job variant with its kind tag.
func MarshalJob(j Job) ([]byte, error) {
	env := jobEnvelope{Kind: j.Kind()}
	switch v := j.(type) {
	case *TransferJob:
		env.Transfer = v
	case *CompositeJob:
		env.Composite = v
	default:
		return nil, fmt.Errorf("unknown job type %T", j)
	}
	return json.Marshal(env)
}

// UnmarshalJob decodes a job written by MarshalJob.
func UnmarshalJob(data []byte) (Job, error) {
	var env jobEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	switch {
	case env.Kind == KindTransfer && env.Transfer != nil:
		return env.Transfer, nil
	case env.Kind == KindComposite && env.Composite != nil:
		return env.Composite, nil
	}
	return nil, fmt.Errorf("decode job: unknown kind %q", env.Kind)
}
