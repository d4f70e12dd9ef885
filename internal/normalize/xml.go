package normalize

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"labpipeline/internal/model"
)

type xmlLabResult struct {
	LabID   *string     `xml:"LabID"`
	Patient *xmlPatient `xml:"Patient"`
	Tests   []xmlTest   `xml:"Tests>Test"`
}

type xmlPatient struct {
	ID   string `xml:"ID,attr"`
	Name string `xml:"Name"`
}

type xmlTest struct {
	Code       string         `xml:"code,attr"`
	Name       string         `xml:"name,attr"`
	Date       string         `xml:"date,attr"`
	Components []xmlComponent `xml:"Component"`
}

type xmlComponent struct {
	Code     string  `xml:"code,attr"`
	Name     string  `xml:"name,attr"`
	Value    string  `xml:"value,attr"`
	Unit     string  `xml:"unit,attr"`
	RefRange string  `xml:"refRange,attr"`
	Flag     *string `xml:"flag,attr"`
}

// XML normalizes a <LabResult> document. Components of every Test become
// results; the first Test names the record.
func XML(raw string, hints Hints) (*model.CanonicalLabResult, error) {
	hints = hints.resolve(model.FormatXML)

	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("xml: document is empty")
	}

	var doc xmlLabResult
	if err := xml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("xml: parse document: %w", err)
	}

	labID := hints.LabID
	if doc.LabID != nil && strings.TrimSpace(*doc.LabID) != "" {
		labID = strings.TrimSpace(*doc.LabID)
	}

	patientID := "UNKNOWN"
	if doc.Patient != nil {
		patientID = doc.Patient.ID
	}

	rec := &model.CanonicalLabResult{
		PatientID: patientID,
		LabID:     labID,
		LabName:   hints.LabName,
		TestType:  "Unknown",
		TestDate:  hints.nowISO(),
	}

	if len(doc.Tests) > 0 {
		first := doc.Tests[0]
		rec.TestType = TestType(first.Code, first.Name)
		if first.Date != "" {
			rec.TestDate = xmlTestDate(first.Date)
		}
	}

	for _, test := range doc.Tests {
		for _, c := range test.Components {
			flag := "N"
			if c.Flag != nil {
				flag = *c.Flag
			}
			rec.Results = append(rec.Results, testResult(c.Code, c.Name, c.Value, c.Unit, c.RefRange, flag))
		}
	}

	return rec, nil
}

// xmlTestDate renders an ISO 8601 date in UTC, or returns it unchanged.
func xmlTestDate(raw string) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return raw
}
