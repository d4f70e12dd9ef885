package adapter

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/samber/lo"

	"labpipeline/internal/model"
)

// Input is a resolved adapter event: a DirectInput or an ObjectInput.
type Input interface {
	isInput()
}

// DirectInput carries the source text inline.
type DirectInput struct {
	Format model.SourceFormat
	Body   string
}

// ObjectInput names an object holding the source text.
type ObjectInput struct {
	Bucket string
	Key    string
}

func (DirectInput) isInput() {}
func (ObjectInput) isInput() {}

// UnrecognizedEventShapeError is returned for events matching none of the
// known shapes.
type UnrecognizedEventShapeError struct {
	Keys []string
}

func (e *UnrecognizedEventShapeError) Error() string {
	if len(e.Keys) == 0 {
		return "unrecognized adapter event: not a JSON object"
	}
	return fmt.Sprintf("unrecognized adapter event with keys [%s]", strings.Join(e.Keys, ", "))
}

var directFields = []struct {
	name   string
	format model.SourceFormat
}{
	{"csv_body", model.FormatCSV},
	{"hl7_message", model.FormatHL7},
	{"xml_body", model.FormatXML},
}

// ParseEvent resolves a raw adapter event into an Input.
func ParseEvent(raw []byte) (Input, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &UnrecognizedEventShapeError{}
	}

	for _, f := range directFields {
		if v, ok := fields[f.name]; ok {
			var body string
			if err := json.Unmarshal(v, &body); err != nil {
				return nil, fmt.Errorf("field %q must be a string: %w", f.name, err)
			}
			return DirectInput{Format: f.format, Body: body}, nil
		}
	}

	if _, ok := fields["Records"]; ok {
		var event events.S3Event
		if err := json.Unmarshal(raw, &event); err == nil && len(event.Records) > 0 {
			rec := event.Records[0]
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			if rec.S3.Bucket.Name != "" && key != "" {
				return ObjectInput{Bucket: rec.S3.Bucket.Name, Key: key}, nil
			}
		}
	}

	var obj struct {
		Bucket string `json:"bucket"`
		Key    string `json:"key"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Bucket != "" && obj.Key != "" {
		return ObjectInput{Bucket: obj.Bucket, Key: obj.Key}, nil
	}

	keys := lo.Keys(fields)
	sort.Strings(keys)
	return nil, &UnrecognizedEventShapeError{Keys: keys}
}

// FormatForKey picks the source format from an object key's extension.
func FormatForKey(key string, fallback model.SourceFormat) model.SourceFormat {
	switch strings.ToLower(path.Ext(key)) {
	case ".csv":
		return model.FormatCSV
	case ".hl7", ".txt":
		return model.FormatHL7
	case ".xml":
		return model.FormatXML
	case ".json":
		return model.FormatJSON
	}
	return fallback
}
