package normalize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"labpipeline/internal/model"
)

// ErrNoDataRows is returned for a CSV file holding at most a header.
var ErrNoDataRows = errors.New("csv has no data rows")

// CSV normalizes a file with the columns
// PatientID,LabID,TestDate,TestCode,TestName,Value,Unit,RefRange.
// The file describes one patient; record level fields come from the first row.
func CSV(raw string, hints Hints) (*model.CanonicalLabResult, error) {
	hints = hints.resolve(model.FormatCSV)

	rows, err := readCSVRows(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoDataRows
	}

	first := rows[0]

	patientID := first["PatientID"]
	if patientID == "" {
		patientID = "UNKNOWN"
	}
	labID := first["LabID"]
	if labID == "" {
		labID = hints.LabID
	}

	rec := &model.CanonicalLabResult{
		PatientID: patientID,
		LabID:     labID,
		LabName:   hints.LabName,
		TestType:  TestType(first["TestCode"], first["TestName"]),
		TestDate:  csvTestDate(first["TestDate"], hints),
		Results:   make([]model.TestResult, 0, len(rows)),
	}

	for _, row := range rows {
		// no flag column: every value is normal
		rec.Results = append(rec.Results,
			testResult(row["TestCode"], row["TestName"], row["Value"], row["Unit"], row["RefRange"], ""))
	}

	return rec, nil
}

func csvTestDate(raw string, hints Hints) string {
	if raw == "" {
		return hints.nowISO()
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		hints.Log.Info("TestDate is not YYYY-MM-DD, passing it through", zap.String("test_date", raw))
		return raw
	}
	return t.Format("2006-01-02T15:04:05Z")
}

func readCSVRows(raw string) ([]map[string]string, error) {
	r := csv.NewReader(strings.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}

		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
