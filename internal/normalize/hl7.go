package normalize

import (
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"

	"labpipeline/internal/model"
)

var (
	ErrEmptyMessage = errors.New("hl7: message is empty")
	ErrMissingMSH   = errors.New("hl7: MSH segment not found")
)

// segment is one pipe-delimited HL7 line. Fields are indexed the way the
// line splits, so fields[0] is the segment name.
type segment struct {
	name   string
	fields []string
}

func (s segment) field(i int) string {
	if i < len(s.fields) {
		return s.fields[i]
	}
	return ""
}

// component returns the j-th ^ separated component of field i.
func (s segment) component(i, j int) string {
	parts := strings.Split(s.field(i), "^")
	if j < len(parts) {
		return parts[j]
	}
	return ""
}

// hl7Message keeps the last segment of each type, except OBX which repeats.
type hl7Message struct {
	byName       map[string]segment
	observations []segment
}

func parseHL7(text string) (*hl7Message, error) {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	lines := lo.Filter(
		lo.Map(strings.Split(text, "\r"), func(l string, _ int) string { return strings.TrimSpace(l) }),
		func(l string, _ int) bool { return l != "" },
	)
	if len(lines) == 0 {
		return nil, ErrEmptyMessage
	}

	msg := &hl7Message{byName: make(map[string]segment)}
	for _, line := range lines {
		fields := strings.Split(line, "|")
		seg := segment{name: fields[0], fields: fields}
		if seg.name == "OBX" {
			msg.observations = append(msg.observations, seg)
		}
		msg.byName[seg.name] = seg
	}

	if _, ok := msg.byName["MSH"]; !ok {
		return nil, ErrMissingMSH
	}
	return msg, nil
}

func (m *hl7Message) segment(name string) segment {
	return m.byName[name]
}

// HL7 normalizes an ORU style message with MSH, PID, OBR and OBX segments.
func HL7(raw string, hints Hints) (*model.CanonicalLabResult, error) {
	hints = hints.resolve(model.FormatHL7)

	msg, err := parseHL7(raw)
	if err != nil {
		return nil, err
	}

	msh := msg.segment("MSH")

	labID := msh.field(3)
	if labID == "" {
		labID = hints.LabID
	}
	labName := hints.LabName
	if labName == "" {
		labName = msh.field(2)
	}

	testDate := hints.nowISO()
	if ts, err := time.Parse("20060102150405", msh.field(6)); err == nil {
		testDate = ts.Format("2006-01-02T15:04:05Z")
	}

	patientID := msg.segment("PID").field(3)
	if patientID == "" {
		patientID = "UNKNOWN"
	}

	obr := msg.segment("OBR")

	rec := &model.CanonicalLabResult{
		PatientID: patientID,
		LabID:     labID,
		LabName:   labName,
		TestType:  TestType(obr.component(4, 0), obr.component(4, 1)),
		TestDate:  testDate,
		Results:   make([]model.TestResult, 0, len(msg.observations)),
	}

	for _, obx := range msg.observations {
		flag := "N"
		if len(obx.fields) > 8 {
			flag = obx.field(8)
		}
		rec.Results = append(rec.Results, testResult(
			obx.component(3, 0),
			obx.component(3, 1),
			obx.field(5),
			obx.field(6),
			obx.field(7),
			flag,
		))
	}

	return rec, nil
}
