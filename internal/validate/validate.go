// Package validate holds the structural rules a canonical lab result must
// satisfy before it is stored, and again before it is persisted.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
)

var requiredFields = []string{
	"patient_id",
	"lab_id",
	"lab_name",
	"test_type",
	"test_date",
	"results",
}

var requiredResultFields = []string{"test_code", "test_name", "value", "unit"}

// Error carries every rule violation found in a payload.
type Error struct {
	Errors []string
}

func (e *Error) Error() string {
	return strings.Join(e.Errors, "; ")
}

func (e *Error) FailureClass() failure.Class {
	return failure.Validation
}

// Document is a payload that passed validation: the raw field map, kept so
// the payload can be stored verbatim, and its typed form.
type Document struct {
	Fields map[string]any
	Record *model.CanonicalLabResult
}

// Payload validates a JSON canonical record. A non-nil error is always a *Error.
func Payload(raw []byte) (*Document, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return nil, &Error{Errors: []string{err.Error()}}
	}

	if errs := Fields(fields); len(errs) > 0 {
		return nil, &Error{Errors: errs}
	}

	var rec model.CanonicalLabResult
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, &Error{Errors: []string{fmt.Sprintf("Invalid payload: %v", err)}}
	}

	return &Document{Fields: fields, Record: &rec}, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("Invalid JSON in request body: %v", err)
	}
	fields, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("Request body must be a JSON object")
	}
	return fields, nil
}

// Fields applies the rules to a decoded payload and returns the violations in
// a stable order.
func Fields(data map[string]any) []string {
	var errs []string

	for _, field := range requiredFields {
		v, ok := data[field]
		if !ok {
			errs = append(errs, fmt.Sprintf("Missing required field: %s", field))
			continue
		}
		if isEmpty(v) {
			errs = append(errs, fmt.Sprintf("Field '%s' cannot be empty", field))
			continue
		}
		if field != "results" {
			if _, isString := v.(string); !isString {
				errs = append(errs, fmt.Sprintf("Field '%s' must be a string", field))
			}
		}
	}

	if v, ok := data["results"]; ok && v != nil {
		switch results := v.(type) {
		case []any:
			for idx, entry := range results {
				errs = append(errs, testResult(entry, idx)...)
			}
		default:
			errs = append(errs, "Field 'results' must be a list")
		}
	}

	if v, ok := data["patient_id"]; ok && !isEmpty(v) {
		if !strings.HasPrefix(fmt.Sprint(v), "P") {
			errs = append(errs, "patient_id must start with 'P'")
		}
	}

	if v, ok := data["test_date"].(string); ok && v != "" {
		if _, err := ParseTimestamp(v); err != nil {
			errs = append(errs, "test_date must be in ISO 8601 format")
		}
	}

	return errs
}

func testResult(entry any, index int) []string {
	prefix := fmt.Sprintf("results[%d]", index)

	result, ok := entry.(map[string]any)
	if !ok {
		return []string{fmt.Sprintf("%s: entry must be an object", prefix)}
	}

	var errs []string
	for _, field := range requiredResultFields {
		if _, ok := result[field]; !ok {
			errs = append(errs, fmt.Sprintf("%s: Missing field '%s'", prefix, field))
		}
	}

	if name, ok := result["test_name"]; ok {
		if s, isString := name.(string); !isString || strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("%s: 'test_name' cannot be empty", prefix))
		}
	}

	if value, ok := result["value"]; ok && value != nil {
		if _, isNumber := value.(json.Number); !isNumber {
			if _, isFloat := value.(float64); !isFloat {
				errs = append(errs, fmt.Sprintf("%s: 'value' must be numeric", prefix))
			}
		}
	}

	return errs
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts the ISO 8601 shapes lab systems send. Values without
// a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO 8601 timestamp: %q", s)
}
