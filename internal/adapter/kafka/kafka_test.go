package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

func TestSerializeToMessage(t *testing.T) {
	finished := time.Date(2024, 3, 3, 10, 5, 0, 0, time.UTC)
	job := &domain.TransferJob{
		ID:         "6f1c0b1e-0000-5000-8000-000000000001",
		Hash:       "abc123",
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		Identity:   domain.ScriptIdentity{ImageTag: "aorc:1", ImageDigest: "sha256:00", SourceRevisionURI: "https://example.com/rev"},
		Produced:   []domain.MirrorObject{{StorageKey: domain.MirrorKey("AB", domain.YearMonth{Year: 2020, Month: time.May})}},
	}
	stmts := []provenance.Statement{{
		Subject:   provenance.JobIRI(job.ID),
		Predicate: provenance.RDFType,
		Object:    provenance.Ref(provenance.ClassTransferJob),
	}}

	msg, err := serializeToMessage(job, stmts)
	require.NoError(t, err)

	assert.Equal(t, []byte(job.ID), msg.Key)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "job_kind", msg.Headers[0].Key)
	assert.Equal(t, []byte("transfer"), msg.Headers[0].Value)
	assert.Equal(t, []byte("abc123"), msg.Headers[1].Value)
	assert.Equal(t, []byte(finished.Format(time.RFC3339)), msg.Headers[2].Value)

	var decoded JobMessage
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, domain.KindTransfer, decoded.Kind)
	assert.Equal(t, stmts, decoded.Statements)
	assert.Contains(t, string(decoded.Job), `"fingerprint":"abc123"`)
}
