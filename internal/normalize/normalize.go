// Package normalize turns lab files in their source wire format into the
// canonical lab result record.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"labpipeline/internal/model"
)

// Hints carries what a normalizer cannot read from the source itself.
type Hints struct {
	LabID   string
	LabName string
	Now     func() time.Time
	Log     *zap.Logger
}

type labDefaults struct {
	id   string
	name string
}

var defaults = map[model.SourceFormat]labDefaults{
	model.FormatCSV: {id: "SMALL001", name: "Small Lab"},
	model.FormatHL7: {id: "LAB002", name: "LabCorp"},
	model.FormatXML: {id: "HOSP001", name: "Hospital Lab"},
}

func (h Hints) resolve(format model.SourceFormat) Hints {
	d := defaults[format]
	if h.LabID == "" {
		h.LabID = d.id
	}
	if h.LabName == "" {
		h.LabName = d.name
	}
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	return h
}

func (h Hints) nowISO() string {
	return h.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// ParseFormat maps a user supplied format name onto a SourceFormat.
func ParseFormat(s string) (model.SourceFormat, error) {
	switch f := model.SourceFormat(strings.ToUpper(strings.TrimSpace(s))); f {
	case model.FormatJSON, model.FormatCSV, model.FormatHL7, model.FormatXML:
		return f, nil
	case "":
		return model.FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported source format %q", s)
}

// Normalize dispatches raw to the normalizer for format.
func Normalize(format model.SourceFormat, raw string, hints Hints) (*model.CanonicalLabResult, error) {
	switch format {
	case model.FormatCSV:
		return CSV(raw, hints)
	case model.FormatHL7:
		return HL7(raw, hints)
	case model.FormatXML:
		return XML(raw, hints)
	case model.FormatJSON:
		return JSON(raw)
	}
	return nil, fmt.Errorf("unsupported source format %q", format)
}

// TestType composes the record level test description.
func TestType(code, name string) string {
	switch {
	case code != "" && name != "":
		return code + " / " + name
	case name != "":
		return name
	case code != "":
		return code
	}
	return "Unknown"
}

// Flag maps an abnormal flag onto the abnormal marker and severity.
func Flag(flag string) (bool, model.Severity) {
	flag = strings.ToUpper(strings.TrimSpace(flag))
	abnormal := flag != "" && flag != "N"

	switch flag {
	case "H", "HH":
		return abnormal, model.SeverityHigh
	case "L", "LL":
		return abnormal, model.SeverityLow
	}
	return abnormal, model.SeverityNormal
}

// ParseValue returns nil for anything that is not a finite number.
func ParseValue(s string) *float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func testResult(code, name, value, unit, refRange, flag string) model.TestResult {
	if name == "" {
		name = code
	}
	abnormal, severity := Flag(flag)
	return model.TestResult{
		TestCode:       code,
		TestName:       name,
		Value:          ParseValue(value),
		Unit:           unit,
		ReferenceRange: refRange,
		IsAbnormal:     abnormal,
		Severity:       severity,
	}
}
