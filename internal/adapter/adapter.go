// Package adapter normalizes raw lab files and forwards the canonical
// record to the ingest gateway.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/gateway"
	"labpipeline/internal/model"
	"labpipeline/internal/normalize"
	"labpipeline/internal/validate"
)

// Fetcher reads an object from any bucket.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key string) ([]byte, error)
}

type Adapter struct {
	fetch         Fetcher
	forward       Forwarder
	hints         normalize.Hints
	defaultFormat model.SourceFormat
	log           *zap.Logger
}

// New builds an adapter. Object inputs whose key extension is not
// recognized are read as defaultFormat.
func New(fetch Fetcher, forward Forwarder, hints normalize.Hints, defaultFormat model.SourceFormat, log *zap.Logger) *Adapter {
	if defaultFormat == "" {
		defaultFormat = model.FormatCSV
	}
	hints.Log = log
	return &Adapter{
		fetch:         fetch,
		forward:       forward,
		hints:         hints,
		defaultFormat: defaultFormat,
		log:           log,
	}
}

type acceptedBody struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	ResultID string `json:"result_id"`
}

type errorBody struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors,omitempty"`
}

// Handle resolves a raw invocation event and processes it.
func (a *Adapter) Handle(ctx context.Context, event json.RawMessage) (events.APIGatewayProxyResponse, error) {
	input, err := ParseEvent(event)
	if err != nil {
		a.log.Warn("Rejected adapter event", zap.Error(err))
		return respond(http.StatusBadRequest, errorBody{Error: err.Error()})
	}

	format, accepted, err := a.Process(ctx, input)
	var verr *validate.Error
	switch {
	case err == nil:
		return respond(http.StatusAccepted, acceptedBody{
			Status:   "accepted",
			Message:  fmt.Sprintf("%s received, normalized and sent to ingest", format),
			ResultID: accepted.ResultID,
		})
	case errors.As(err, &verr):
		return respond(http.StatusBadRequest, errorBody{Error: verr.Error(), Errors: verr.Errors})
	case failure.ClassOf(err) == failure.Permanent:
		return respond(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		a.log.Error("Adapter processing failed", zap.Error(err))
		return respond(http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}

// Process normalizes input and forwards it, returning the format used.
func (a *Adapter) Process(ctx context.Context, input Input) (model.SourceFormat, *gateway.Accepted, error) {
	switch in := input.(type) {
	case DirectInput:
		accepted, err := a.Direct(ctx, in.Format, in.Body)
		return in.Format, accepted, err
	case ObjectInput:
		format := FormatForKey(in.Key, a.defaultFormat)
		raw, err := a.fetch.Fetch(ctx, in.Bucket, in.Key)
		if err != nil {
			return format, nil, failure.NewTransient("fetch source file", err)
		}
		a.log.Info("Fetched source file",
			zap.String("bucket", in.Bucket),
			zap.String("key", in.Key),
			zap.Int("bytes", len(raw)),
		)
		accepted, err := a.Direct(ctx, format, string(raw))
		return format, accepted, err
	}
	return "", nil, fmt.Errorf("unsupported adapter input %T", input)
}

// Direct normalizes body as format and forwards the canonical record.
// JSON bodies are already canonical and are forwarded byte for byte so the
// gateway validates exactly what was sent.
func (a *Adapter) Direct(ctx context.Context, format model.SourceFormat, body string) (*gateway.Accepted, error) {
	if format == model.FormatJSON {
		accepted, err := a.forward.Forward(ctx, []byte(body), format)
		if err != nil {
			return nil, err
		}
		a.log.Info("Forwarded canonical lab file",
			zap.String("source_format", string(format)),
			zap.String("result_id", accepted.ResultID),
		)
		return accepted, nil
	}

	record, err := normalize.Normalize(format, body, a.hints)
	if err != nil {
		return nil, failure.NewPermanent("normalize", err)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, failure.NewPermanent("encode canonical record", err)
	}

	accepted, err := a.forward.Forward(ctx, payload, format)
	if err != nil {
		return nil, err
	}
	a.log.Info("Normalized lab file",
		zap.String("source_format", string(format)),
		zap.String("patient_id", record.PatientID),
		zap.String("result_id", accepted.ResultID),
		zap.Int("tests", len(record.Results)),
	)
	return accepted, nil
}

func respond(status int, body any) (events.APIGatewayProxyResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}, nil
}
