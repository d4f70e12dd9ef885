package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/gateway"
	"labpipeline/internal/model"
	"labpipeline/internal/validate"
)

// Forwarder hands a canonical record to the ingest gateway.
type Forwarder interface {
	Forward(ctx context.Context, payload []byte, format model.SourceFormat) (*gateway.Accepted, error)
}

type gatewayError struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

// HTTPForwarder posts canonical records to a remote gateway. Requests are
// not retried: every accepted submission is given a fresh result id.
type HTTPForwarder struct {
	client *resty.Client
	log    *zap.Logger
}

// DefaultForwardTimeout bounds a single HTTP forward.
const DefaultForwardTimeout = 30 * time.Second

func NewHTTPForwarder(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPForwarder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPForwarder{client: client, log: log}
}

func (f *HTTPForwarder) Forward(ctx context.Context, payload []byte, format model.SourceFormat) (*gateway.Accepted, error) {
	var accepted gateway.Accepted
	var apiErr gatewayError
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader(gateway.SourceFormatHeader, string(format)).
		SetBody(payload).
		SetResult(&accepted).
		SetError(&apiErr).
		Post("/v1/results")
	if err != nil {
		return nil, failure.NewTransient("forward to gateway", err)
	}

	switch {
	case resp.StatusCode() == http.StatusAccepted:
		f.log.Info("Forwarded lab result",
			zap.String("result_id", accepted.ResultID),
			zap.String("source_format", string(format)),
		)
		return &accepted, nil
	case resp.StatusCode() == http.StatusBadRequest:
		if len(apiErr.Errors) == 0 && apiErr.Error != "" {
			apiErr.Errors = []string{apiErr.Error}
		}
		return nil, &validate.Error{Errors: apiErr.Errors}
	default:
		f.log.Error("Gateway rejected lab result",
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", apiErr.Error),
		)
		return nil, failure.NewTransient("forward to gateway",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), apiErr.Error))
	}
}
