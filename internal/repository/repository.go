// Package repository persists lab results. The worker is its only writer.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
	"labpipeline/internal/validate"
)

const (
	auditUser   = "worker"
	auditSource = "sqs_processor"
)

// SaveInput is one validated record and where it came from.
type SaveInput struct {
	IngestID     string
	Record       *model.CanonicalLabResult
	RawKey       string
	SourceFormat string
	Metadata     map[string]any
}

// SaveOutcome reports the row that holds the record.
type SaveOutcome struct {
	ResultID int64
	// Duplicate is set when the ingest id was already persisted and nothing
	// was written.
	Duplicate bool
}

type Repository struct {
	mu     sync.RWMutex
	db     *gorm.DB
	reopen Opener
	log    *zap.Logger
}

// New wraps db. reopen replaces the handle when the liveness probe fails and
// may be nil.
func New(db *gorm.DB, reopen Opener, log *zap.Logger) *Repository {
	return &Repository{db: db, reopen: reopen, log: log}
}

func (r *Repository) conn() *gorm.DB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db
}

// Ping runs SELECT 1 and reconnects once when it fails.
func (r *Repository) Ping(ctx context.Context) error {
	err := r.conn().WithContext(ctx).Exec("SELECT 1").Error
	if err == nil {
		return nil
	}
	if r.reopen == nil {
		return failure.NewTransient("ping database", err)
	}

	r.log.Warn("Database connection lost, reconnecting", zap.Error(err))
	db, openErr := r.reopen(ctx)
	if openErr != nil {
		return failure.NewTransient("reconnect database", openErr)
	}

	r.mu.Lock()
	old := r.db
	r.db = db
	r.mu.Unlock()

	if sqlDB, err := old.DB(); err == nil {
		_ = sqlDB.Close()
	}
	r.log.Info("Database connection re-established")
	return nil
}

// SaveResult writes the parent row, its test values and the audit entry in
// one transaction. A record whose ingest id already exists is not written
// again.
func (r *Repository) SaveResult(ctx context.Context, in SaveInput) (*SaveOutcome, error) {
	row, err := labResultRow(in)
	if err != nil {
		return nil, failure.NewPermanent("build lab result row", err)
	}

	outcome := &SaveOutcome{}
	err = r.conn().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.LabResult
		err := tx.Select("result_id").Where("ingest_id = ?", in.IngestID).Take(&existing).Error
		if err == nil {
			outcome.ResultID = existing.ID
			outcome.Duplicate = true
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("look up ingest id: %w", err)
		}

		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert lab result: %w", err)
		}

		values := lo.Map(in.Record.Results, func(res model.TestResult, _ int) model.TestValue {
			return model.TestValue{
				ResultID:       row.ID,
				TestCode:       res.TestCode,
				TestName:       res.TestName,
				Value:          res.Value,
				Unit:           res.Unit,
				ReferenceRange: res.ReferenceRange,
				IsAbnormal:     res.IsAbnormal,
				Severity:       string(lo.Ternary(res.Severity == "", model.SeverityNormal, res.Severity)),
			}
		})
		if err := tx.Create(&values).Error; err != nil {
			return fmt.Errorf("insert test values: %w", err)
		}

		changes, _ := json.Marshal(map[string]string{"source": auditSource})
		audit := &model.AuditLog{
			TargetTable: model.LabResult{}.TableName(),
			RecordID:    row.ID,
			EventType:   "INSERT",
			UserID:      auditUser,
			Changes:     datatypes.JSON(changes),
		}
		if err := tx.Create(audit).Error; err != nil {
			return fmt.Errorf("insert audit log: %w", err)
		}

		outcome.ResultID = row.ID
		return nil
	})
	if err != nil {
		return nil, failure.NewTransient("save lab result", err)
	}
	return outcome, nil
}

func labResultRow(in SaveInput) (*model.LabResult, error) {
	rec := in.Record
	testDate, err := validate.ParseTimestamp(rec.TestDate)
	if err != nil {
		return nil, err
	}

	var metadata datatypes.JSON
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = datatypes.JSON(raw)
	}

	row := &model.LabResult{
		IngestID:     in.IngestID,
		PatientID:    rec.PatientID,
		LabID:        rec.LabID,
		LabName:      rec.LabName,
		TestType:     rec.TestType,
		TestDate:     testDate,
		Status:       model.ResultStatusCompleted,
		RawObjectKey: in.RawKey,
		SourceFormat: in.SourceFormat,
		Metadata:     metadata,
	}
	if rec.Physician != nil {
		row.PhysicianName = lo.EmptyableToPtr(rec.Physician.Name)
		row.PhysicianNPI = lo.EmptyableToPtr(rec.Physician.NPI)
	}
	row.Notes = lo.EmptyableToPtr(rec.Notes)
	return row, nil
}

// SetProcessedKey records where the raw object was relocated to.
func (r *Repository) SetProcessedKey(ctx context.Context, resultID int64, key string) error {
	err := r.conn().WithContext(ctx).
		Model(&model.LabResult{}).
		Where("result_id = ?", resultID).
		Updates(map[string]any{
			"processed_object_key": key,
			"status":               model.ResultStatusProcessed,
		}).Error
	if err != nil {
		return failure.NewBestEffort("set processed key", err)
	}
	return nil
}

// ListRecent returns the newest results with their test values.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]model.LabResult, error) {
	var rows []model.LabResult
	err := r.conn().WithContext(ctx).
		Preload("TestValues").
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list recent results: %w", err)
	}
	return rows, nil
}

// DB returns the current handle.
func (r *Repository) DB() *gorm.DB {
	return r.conn()
}

// Close releases the underlying connection.
func (r *Repository) Close() error {
	sqlDB, err := r.conn().DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
