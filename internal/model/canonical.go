package model

import "time"

// SchemaVersion is stamped on every stored payload and queue message.
const SchemaVersion = "1.0"

// CanonicalLabResult is the normalized record every source format is turned into.
type CanonicalLabResult struct {
	PatientID string       `json:"patient_id"`
	LabID     string       `json:"lab_id"`
	LabName   string       `json:"lab_name"`
	TestType  string       `json:"test_type"`
	TestDate  string       `json:"test_date"`
	Results   []TestResult `json:"results"`
	Physician *Physician   `json:"physician,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// TestResult is one observation inside a canonical record.
type TestResult struct {
	TestCode       string   `json:"test_code"`
	TestName       string   `json:"test_name"`
	Value          *float64 `json:"value"`
	Unit           string   `json:"unit"`
	ReferenceRange string   `json:"reference_range"`
	IsAbnormal     bool     `json:"is_abnormal"`
	Severity       Severity `json:"severity"`
}

type Physician struct {
	Name string `json:"name,omitempty"`
	NPI  string `json:"npi,omitempty"`
}

type Severity string

const (
	SeverityNormal Severity = "normal"
	SeverityHigh   Severity = "high"
	SeverityLow    Severity = "low"
)

// SourceFormat names the wire format a record arrived in.
type SourceFormat string

const (
	FormatJSON SourceFormat = "JSON"
	FormatCSV  SourceFormat = "CSV"
	FormatHL7  SourceFormat = "HL7"
	FormatXML  SourceFormat = "XML"
)

// QueuedReference is the body of the processing message placed on the queue.
type QueuedReference struct {
	ResultID      string       `json:"result_id"`
	Bucket        string       `json:"s3_bucket"`
	Key           string       `json:"s3_key"`
	PatientID     string       `json:"patient_id"`
	TestType      string       `json:"test_type"`
	LabID         string       `json:"lab_id"`
	LabName       string       `json:"lab_name"`
	SourceFormat  SourceFormat `json:"source_format"`
	SchemaVersion string       `json:"schema_version"`
	Timestamp     string       `json:"timestamp"`
	Environment   string       `json:"environment"`
}

// ResultReadyEvent is published once a result has been committed.
type ResultReadyEvent struct {
	ResultID  string    `json:"result_id"`
	RecordID  int64     `json:"record_id"`
	PatientID string    `json:"patient_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
}

const EventTypeLabResultReady = "lab_result_ready"
