// Package gateway accepts canonical lab results: it validates them, stores
// the payload under incoming/ and queues a reference for the worker.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
	"labpipeline/internal/queue"
	"labpipeline/internal/storage"
	"labpipeline/internal/validate"
)

const acceptedMessage = "Lab result received and queued for processing"

// IngestOptions describe a submission beyond its payload.
type IngestOptions struct {
	SourceFormat model.SourceFormat
}

// Accepted identifies a stored and queued submission.
type Accepted struct {
	ResultID  string `json:"result_id"`
	MessageID string `json:"message_id"`
	ObjectKey string `json:"s3_key"`
}

type Gateway struct {
	store       storage.ObjectStore
	queue       queue.Sender
	environment string
	now         func() time.Time
	log         *zap.Logger
}

func New(store storage.ObjectStore, q queue.Sender, environment string, log *zap.Logger) *Gateway {
	return &Gateway{
		store:       store,
		queue:       q,
		environment: environment,
		now:         time.Now,
		log:         log,
	}
}

// Ingest validates payload, writes it to the object store and enqueues a
// reference to it. Nothing is written when validation fails; the error is
// then a *validate.Error.
func (g *Gateway) Ingest(ctx context.Context, payload []byte, opts IngestOptions) (*Accepted, error) {
	doc, err := validate.Payload(payload)
	if err != nil {
		return nil, err
	}

	format := opts.SourceFormat
	if format == "" {
		format = model.FormatJSON
	}

	now := g.now().UTC()
	rec := doc.Record
	resultID := newResultID(rec.LabID, rec.PatientID, now)
	ingestedAt := now.Format("2006-01-02T15:04:05.000000")
	key := storage.IncomingKey(string(format), now, resultID)

	fields := doc.Fields
	fields["ingested_at"] = ingestedAt
	fields["result_id"] = resultID
	fields["environment"] = g.environment
	fields["source_format"] = string(format)
	fields["payload_schema_version"] = model.SchemaVersion

	body, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal stored payload: %w", err)
	}

	metadata := map[string]string{
		"result-id":     resultID,
		"patient-id":    rec.PatientID,
		"lab-id":        rec.LabID,
		"test-type":     rec.TestType,
		"source-format": string(format),
		"ingested-at":   ingestedAt,
	}
	if err := g.store.Put(ctx, key, body, metadata); err != nil {
		return nil, failure.NewTransient("store payload", err)
	}
	g.log.Info("Stored lab result payload",
		zap.String("result_id", resultID),
		zap.String("bucket", g.store.Bucket()),
		zap.String("key", key))

	ref := model.QueuedReference{
		ResultID:      resultID,
		Bucket:        g.store.Bucket(),
		Key:           key,
		PatientID:     rec.PatientID,
		TestType:      rec.TestType,
		LabID:         rec.LabID,
		LabName:       rec.LabName,
		SourceFormat:  format,
		SchemaVersion: model.SchemaVersion,
		Timestamp:     ingestedAt,
		Environment:   g.environment,
	}
	msg, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal queue message: %w", err)
	}

	messageID, err := g.queue.Send(ctx, msg, map[string]string{
		"result_id":     resultID,
		"patient_id":    rec.PatientID,
		"test_type":     rec.TestType,
		"lab_id":        rec.LabID,
		"source_format": string(format),
	})
	if err != nil {
		g.log.Error("Payload stored but not queued",
			zap.String("result_id", resultID),
			zap.String("orphaned_key", key),
			zap.Error(err))
		return nil, failure.NewTransient("enqueue reference",
			fmt.Errorf("object %s stored but not queued: %w", key, err))
	}
	g.log.Info("Queued lab result",
		zap.String("result_id", resultID),
		zap.String("message_id", messageID))

	return &Accepted{ResultID: resultID, MessageID: messageID, ObjectKey: key}, nil
}

// newResultID is {lab_id}-{patient_id}-{UTC yyyymmddHHMMSSffffff}-{8 hex}.
func newResultID(labID, patientID string, at time.Time) string {
	stamp := at.Format("20060102150405") + fmt.Sprintf("%06d", at.Nanosecond()/1000)
	return fmt.Sprintf("%s-%s-%s-%s", labID, patientID, stamp, uuid.NewString()[:8])
}
