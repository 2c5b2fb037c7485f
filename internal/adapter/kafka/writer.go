package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/aorc-composite-service/internal/config"
	"github.com/couchcryptid/aorc-composite-service/internal/domain"
	"github.com/couchcryptid/aorc-composite-service/internal/provenance"
)

// Writer publishes recorded provenance jobs to a Kafka topic for the external
// linked-data generator. It implements provenance.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured provenance topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaProvenanceTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// JobMessage is the published form of one job: the catalog record plus the
// statements describing it.
type JobMessage struct {
	Kind       domain.JobKind         `json:"kind"`
	Job        json.RawMessage        `json:"job"`
	Statements []provenance.Statement `json:"statements"`
}

// PublishJob writes one message keyed by job ID.
func (w *Writer) PublishJob(ctx context.Context, job domain.Job, stmts []provenance.Statement) error {
	msg, err := serializeToMessage(job, stmts)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", job.JobID(), err)
	}
	w.logger.Debug("job published", "job_id", job.JobID(), "kind", job.Kind(), "statements", len(stmts))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a job and its statements into a Kafka message.
func serializeToMessage(job domain.Job, stmts []provenance.Statement) (kafkago.Message, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize job %s: %w", job.JobID(), err)
	}
	data, err := json.Marshal(JobMessage{Kind: job.Kind(), Job: raw, Statements: stmts})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize job %s: %w", job.JobID(), err)
	}
	_, finished := job.Window()
	return kafkago.Message{
		Key:   []byte(job.JobID()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "job_kind", Value: []byte(job.Kind())},
			{Key: "fingerprint", Value: []byte(job.Fingerprint())},
			{Key: "finished_at", Value: []byte(finished.UTC().Format(time.RFC3339))},
		},
	}, nil
}
