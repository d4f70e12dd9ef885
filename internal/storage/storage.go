// Package storage keeps canonical payloads in the object store, under
// incoming/ until the worker has persisted them and processed/ afterwards.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	IncomingPrefix  = "incoming/"
	ProcessedPrefix = "processed/"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the bucket the pipeline reads and writes.
type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, key string, body []byte, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Move copies src to dst, keeping metadata and encryption, then deletes src.
	Move(ctx context.Context, src, dst string) error
}

// IncomingKey is incoming/<format>/<yyyy>/<mm>/<dd>/<result_id>.json.
func IncomingKey(format string, at time.Time, resultID string) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s/%04d/%02d/%02d/%s.json",
		IncomingPrefix, strings.ToLower(format), at.Year(), int(at.Month()), at.Day(), resultID)
}

// ProcessedKey maps an incoming key onto its processed/ location. Keys
// outside incoming/ are placed under processed/ unchanged.
func ProcessedKey(key string) string {
	if strings.HasPrefix(key, ProcessedPrefix) {
		return key
	}
	return ProcessedPrefix + strings.TrimPrefix(key, IncomingPrefix)
}

func IsProcessed(key string) bool {
	return strings.HasPrefix(key, ProcessedPrefix)
}
