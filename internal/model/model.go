package model

import (
	"time"

	"gorm.io/datatypes"
)

// LabResult represents the lab_results table
type LabResult struct {
	ID                 int64          `gorm:"column:result_id;primaryKey;autoIncrement"`
	IngestID           string         `gorm:"column:ingest_id;type:varchar(128);uniqueIndex;not null"`
	PatientID          string         `gorm:"type:varchar(64);index;not null"`
	LabID              string         `gorm:"type:varchar(64);not null"`
	LabName            string         `gorm:"type:varchar(200);not null"`
	TestType           string         `gorm:"type:varchar(200);not null"`
	TestDate           time.Time      `gorm:"not null"`
	PhysicianName      *string        `gorm:"type:varchar(200)"`
	PhysicianNPI       *string        `gorm:"column:physician_npi;type:varchar(20)"`
	Status             ResultStatus   `gorm:"type:varchar(32);not null;default:completed"`
	RawObjectKey       string         `gorm:"type:text;not null"`
	ProcessedObjectKey *string        `gorm:"type:text"`
	Notes              *string        `gorm:"type:text"`
	SourceFormat       string         `gorm:"type:varchar(16);not null"`
	Metadata           datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt          time.Time      `gorm:"autoCreateTime"`

	TestValues []TestValue `gorm:"foreignKey:ResultID;references:ID"`
}

func (LabResult) TableName() string { return "lab_results" }

// TestValue represents the test_values table, many per lab result
type TestValue struct {
	ID             int64    `gorm:"column:value_id;primaryKey;autoIncrement"`
	ResultID       int64    `gorm:"column:result_id;index;not null"` // FK to lab_results.result_id
	TestCode       string   `gorm:"type:varchar(64)"`
	TestName       string   `gorm:"type:varchar(200);not null"`
	Value          *float64 `gorm:"type:double precision"`
	Unit           string   `gorm:"type:varchar(64)"`
	ReferenceRange string   `gorm:"type:varchar(64)"`
	IsAbnormal     bool     `gorm:"not null;default:false"`
	Severity       string   `gorm:"type:varchar(16);not null;default:normal"`
}

func (TestValue) TableName() string { return "test_values" }

// AuditLog is the append-only insert ledger
type AuditLog struct {
	ID          int64          `gorm:"column:audit_id;primaryKey;autoIncrement"`
	TargetTable string         `gorm:"column:table_name;type:varchar(64);not null"`
	RecordID    int64          `gorm:"not null"`
	EventType   string         `gorm:"type:varchar(32);not null"`
	UserID      string         `gorm:"type:varchar(64);not null"`
	Changes     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
}

func (AuditLog) TableName() string { return "audit_log" }

type ResultStatus string

const (
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusProcessed ResultStatus = "processed"
)
