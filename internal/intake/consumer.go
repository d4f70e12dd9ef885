// Package intake consumes raw lab files from Kafka and hands them to the
// format adapter.
package intake

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/gateway"
	"labpipeline/internal/model"
	"labpipeline/internal/normalize"
)

// FormatHeader names the Kafka header that carries the source format.
const FormatHeader = "source-format"

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

type Consumer struct {
	reader     Reader
	adapter    gateway.FileAdapter
	retryDelay time.Duration
	log        *zap.Logger
}

func NewConsumer(reader Reader, adapter gateway.FileAdapter, log *zap.Logger) *Consumer {
	return &Consumer{reader: reader, adapter: adapter, retryDelay: 5 * time.Second, log: log}
}

// Run consumes until ctx is cancelled. Offsets are committed once a file is
// accepted by the gateway or rejected as unprocessable.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Kafka intake started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.Info("Kafka intake stopped")
				return nil
			}
			return err
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.log.Info("Kafka intake stopped before commit", zap.Int64("offset", msg.Offset))
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			return err
		}
	}
}

// handle retries transient failures until they clear or ctx ends.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	log := c.log.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
	log.Info("Received Kafka message", zap.String("key", string(msg.Key)), zap.Int("bytes", len(msg.Value)))

	format, err := MessageFormat(msg)
	if err != nil {
		log.Error("Skipping lab file with unknown format", zap.Error(err))
		return nil
	}

	for {
		accepted, err := c.adapter.Direct(ctx, format, string(msg.Value))
		switch {
		case err == nil:
			log.Info("Lab file ingested",
				zap.String("source_format", string(format)),
				zap.String("result_id", accepted.ResultID),
			)
			return nil
		case failure.IsPermanent(err):
			log.Error("Skipping unprocessable lab file",
				zap.String("source_format", string(format)),
				zap.String("failure_class", failure.ClassOf(err).String()),
				zap.Error(err),
			)
			return nil
		}

		log.Warn("Lab file ingest failed, retrying", zap.Duration("delay", c.retryDelay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay):
		}
	}
}

// MessageFormat reads the source format from the message header, falling
// back to the message key.
func MessageFormat(msg kafka.Message) (model.SourceFormat, error) {
	header, ok := lo.Find(msg.Headers, func(h kafka.Header) bool {
		return strings.EqualFold(h.Key, FormatHeader)
	})
	if ok {
		return normalize.ParseFormat(string(header.Value))
	}
	return normalize.ParseFormat(string(msg.Key))
}
