// Package worker drains the processing queue: each reference is fetched,
// validated, persisted, relocated, announced and finally acknowledged.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
	"labpipeline/internal/notify"
	"labpipeline/internal/queue"
	"labpipeline/internal/repository"
	"labpipeline/internal/storage"
	"labpipeline/internal/validate"
)

// ResultStore is the persistence the worker writes through.
type ResultStore interface {
	Ping(ctx context.Context) error
	SaveResult(ctx context.Context, in repository.SaveInput) (*repository.SaveOutcome, error)
	SetProcessedKey(ctx context.Context, resultID int64, key string) error
}

type Options struct {
	BatchSize   int32
	WaitSeconds int32
	// MaxReceiveCount is the delivery attempt at which a permanently failing
	// message is moved to the dead-letter queue.
	MaxReceiveCount int
	// ErrorDelay is the pause after a failed poll or health check.
	ErrorDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.WaitSeconds < 0 {
		o.WaitSeconds = 0
	}
	if o.MaxReceiveCount <= 0 {
		o.MaxReceiveCount = 5
	}
	if o.ErrorDelay <= 0 {
		o.ErrorDelay = 5 * time.Second
	}
	return o
}

type Worker struct {
	queue     queue.Queue
	deadQueue queue.Sender
	objects   storage.ObjectStore
	results   ResultStore
	publisher notify.Publisher
	opts      Options
	now       func() time.Time
	log       *zap.Logger
}

// New builds a worker. deadQueue may be nil, in which case permanently
// failing messages keep being redelivered.
func New(q queue.Queue, deadQueue queue.Sender, objects storage.ObjectStore, results ResultStore, publisher notify.Publisher, opts Options, log *zap.Logger) *Worker {
	return &Worker{
		queue:     q,
		deadQueue: deadQueue,
		objects:   objects,
		results:   results,
		publisher: publisher,
		opts:      opts.withDefaults(),
		now:       time.Now,
		log:       log,
	}
}

// Run polls until ctx is cancelled. A message already started is finished
// on a context detached from ctx; no further messages are started.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("Worker started",
		zap.Int32("batch_size", w.opts.BatchSize),
		zap.Int32("wait_seconds", w.opts.WaitSeconds),
		zap.Int("max_receive_count", w.opts.MaxReceiveCount),
	)
	for ctx.Err() == nil {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("Poll failed", zap.Error(err), zap.Duration("retry_in", w.opts.ErrorDelay))
			w.sleep(ctx, w.opts.ErrorDelay)
		}
	}
	w.log.Info("Worker stopped")
	return nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Poll checks the database connection, receives one batch and processes it.
// It returns the number of messages received.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	if err := w.results.Ping(ctx); err != nil {
		return 0, fmt.Errorf("database health check: %w", err)
	}

	msgs, err := w.queue.Receive(ctx, w.opts.BatchSize, w.opts.WaitSeconds)
	if err != nil {
		return 0, fmt.Errorf("receive messages: %w", err)
	}
	if len(msgs) > 0 {
		w.log.Info("Received messages", zap.Int("count", len(msgs)))
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			w.log.Info("Shutdown requested, leaving remaining messages", zap.String("message_id", msg.ID))
			break
		}
		w.Handle(context.WithoutCancel(ctx), msg)
	}
	return len(msgs), nil
}

// Handle processes one delivery and routes its failure.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	log := w.log.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	err := w.process(ctx, msg, log)
	if err == nil {
		return
	}

	class := failure.ClassOf(err)
	if !failure.IsPermanent(err) {
		log.Error("Message processing failed, leaving for redelivery",
			zap.String("failure_class", class.String()),
			zap.Error(err),
		)
		return
	}

	if w.deadQueue == nil || msg.ReceiveCount < w.opts.MaxReceiveCount {
		log.Error("Message cannot be processed",
			zap.String("failure_class", class.String()),
			zap.Error(err),
		)
		return
	}
	w.deadLetter(ctx, msg, err, log)
}

func (w *Worker) deadLetter(ctx context.Context, msg queue.Message, cause error, log *zap.Logger) {
	attrs := map[string]string{
		"failure_reason": cause.Error(),
		"result_id":      msg.Attributes["result_id"],
		"source_message": msg.ID,
	}
	if _, err := w.deadQueue.Send(ctx, []byte(msg.Body), attrs); err != nil {
		log.Error("Dead-letter send failed", zap.Error(err))
		return
	}
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Error("Delete after dead-letter failed", zap.Error(err))
		return
	}
	log.Warn("Message dead-lettered", zap.Error(cause))
}

func (w *Worker) process(ctx context.Context, msg queue.Message, log *zap.Logger) error {
	var ref model.QueuedReference
	if err := json.Unmarshal([]byte(msg.Body), &ref); err != nil {
		return failure.NewPermanent("decode queue body", err)
	}
	if ref.ResultID == "" || ref.Key == "" {
		return failure.NewPermanent("decode queue body", errors.New("reference is missing result_id or s3_key"))
	}
	log = log.With(zap.String("result_id", ref.ResultID), zap.String("s3_key", ref.Key))
	if ref.Bucket != "" && ref.Bucket != w.objects.Bucket() {
		log.Warn("Reference names another bucket", zap.String("s3_bucket", ref.Bucket))
	}

	// Fetch.
	raw, objectKey, relocated, err := w.fetch(ctx, ref.Key)
	if err != nil {
		return err
	}
	if relocated {
		log.Info("Object already relocated, continuing with processed copy", zap.String("processed_key", objectKey))
	}

	// Validate.
	doc, err := validate.Payload(raw)
	if err != nil {
		return fmt.Errorf("validate stored payload: %w", err)
	}

	// Persist.
	outcome, err := w.results.SaveResult(ctx, repository.SaveInput{
		IngestID:     ref.ResultID,
		Record:       doc.Record,
		RawKey:       ref.Key,
		SourceFormat: sourceFormat(ref, doc),
		Metadata:     rowMetadata(ref, doc, msg),
	})
	if err != nil {
		return err
	}
	log = log.With(zap.Int64("record_id", outcome.ResultID))
	if outcome.Duplicate {
		log.Info("Result already persisted")
	} else {
		log.Info("Result persisted", zap.Int("test_values", len(doc.Record.Results)))
	}

	// Relocate.
	w.relocate(ctx, ref.Key, relocated, outcome.ResultID, log)

	// Notify.
	w.notify(ctx, ref, doc.Record, outcome.ResultID, log)

	// Acknowledge.
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		return failure.NewTransient("delete message", err)
	}
	log.Info("Message acknowledged")
	return nil
}

// fetch reads key, falling back to its processed/ copy when an earlier
// delivery already relocated it.
func (w *Worker) fetch(ctx context.Context, key string) ([]byte, string, bool, error) {
	raw, err := w.objects.Get(ctx, key)
	if err == nil {
		return raw, key, storage.IsProcessed(key), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, "", false, failure.NewTransient("fetch object", err)
	}

	processed := storage.ProcessedKey(key)
	if processed != key {
		raw, perr := w.objects.Get(ctx, processed)
		if perr == nil {
			return raw, processed, true, nil
		}
		if !errors.Is(perr, storage.ErrNotFound) {
			return nil, "", false, failure.NewTransient("fetch processed object", perr)
		}
	}
	return nil, "", false, failure.NewPermanent("fetch object", err)
}

func (w *Worker) relocate(ctx context.Context, key string, relocated bool, resultID int64, log *zap.Logger) {
	dst := storage.ProcessedKey(key)
	if !relocated {
		if err := w.objects.Move(ctx, key, dst); err != nil {
			log.Warn("Relocation failed", zap.String("processed_key", dst), zap.Error(err))
			return
		}
		log.Info("Object relocated", zap.String("processed_key", dst))
	}
	if err := w.results.SetProcessedKey(ctx, resultID, dst); err != nil {
		log.Warn("Recording processed key failed", zap.Error(err))
	}
}

func (w *Worker) notify(ctx context.Context, ref model.QueuedReference, rec *model.CanonicalLabResult, resultID int64, log *zap.Logger) {
	messageID, err := w.publisher.Publish(ctx, model.ResultReadyEvent{
		ResultID:  ref.ResultID,
		RecordID:  resultID,
		PatientID: rec.PatientID,
		Timestamp: w.now().UTC(),
		EventType: model.EventTypeLabResultReady,
	})
	switch {
	case errors.Is(err, notify.ErrNoTopic):
		log.Warn("No notification topic configured, skipping notification")
	case err != nil:
		log.Error("Notification failed", zap.Error(err))
	default:
		log.Info("Notification published", zap.String("sns_message_id", messageID))
	}
}

func sourceFormat(ref model.QueuedReference, doc *validate.Document) string {
	if ref.SourceFormat != "" {
		return string(ref.SourceFormat)
	}
	if s, ok := doc.Fields["source_format"].(string); ok && s != "" {
		return s
	}
	return string(model.FormatJSON)
}

func rowMetadata(ref model.QueuedReference, doc *validate.Document, msg queue.Message) map[string]any {
	md := map[string]any{
		"message_id":     msg.ID,
		"receive_count":  msg.ReceiveCount,
		"s3_bucket":      ref.Bucket,
		"environment":    ref.Environment,
		"schema_version": ref.SchemaVersion,
	}
	if v, ok := doc.Fields["ingested_at"]; ok {
		md["ingested_at"] = v
	}
	return md
}
