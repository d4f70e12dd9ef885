package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"labpipeline/internal/model"
	"labpipeline/internal/normalize"
	"labpipeline/internal/validate"
)

const SourceFormatHeader = "X-Source-Format"

type acceptedBody struct {
	Accepted
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorBody struct {
	Error     string   `json:"error"`
	Errors    []string `json:"errors,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Response is the status code and JSON body of a gateway outcome.
type Response struct {
	StatusCode int
	Body       any
}

// Respond maps an Ingest outcome onto its response.
func (g *Gateway) Respond(accepted *Accepted, err error) Response {
	timestamp := g.now().UTC().Format("2006-01-02T15:04:05.000000")

	var verr *validate.Error
	switch {
	case err == nil:
		return Response{StatusCode: http.StatusAccepted, Body: acceptedBody{
			Accepted: *accepted,
			Status:   "accepted",
			Message:  acceptedMessage,
		}}
	case errors.As(err, &verr):
		return Response{StatusCode: http.StatusBadRequest, Body: errorBody{
			Error:     verr.Error(),
			Errors:    verr.Errors,
			Timestamp: timestamp,
		}}
	default:
		g.log.Error("Ingest failed", zap.Error(err))
		return Response{StatusCode: http.StatusInternalServerError, Body: errorBody{
			Error:     "Internal server error",
			Timestamp: timestamp,
		}}
	}
}

// Handle ingests a direct invocation event: either the canonical record
// itself or an HTTP style envelope carrying it as a string in "body".
func (g *Gateway) Handle(ctx context.Context, event json.RawMessage) (events.APIGatewayProxyResponse, error) {
	payload := event

	var envelope struct {
		Body    *json.RawMessage  `json:"body"`
		Headers map[string]string `json:"headers"`
	}
	opts := IngestOptions{}
	if err := json.Unmarshal(event, &envelope); err == nil && envelope.Body != nil {
		var s string
		if err := json.Unmarshal(*envelope.Body, &s); err == nil {
			payload = []byte(s)
		} else {
			payload = *envelope.Body
		}
		opts.SourceFormat = headerFormat(envelope.Headers)
	}

	accepted, err := g.Ingest(ctx, payload, opts)
	return g.proxyResponse(g.Respond(accepted, err))
}

// HandleAPIGateway serves the API Gateway proxy integration.
func (g *Gateway) HandleAPIGateway(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	payload := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return g.proxyResponse(g.Respond(nil, &validate.Error{Errors: []string{"Request body is not valid base64"}}))
		}
		payload = decoded
	}

	accepted, err := g.Ingest(ctx, payload, IngestOptions{SourceFormat: headerFormat(req.Headers)})
	return g.proxyResponse(g.Respond(accepted, err))
}

func (g *Gateway) proxyResponse(resp Response) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(resp.Body)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: resp.StatusCode,
		Headers: map[string]string{
			"Content-Type":                "application/json",
			"Access-Control-Allow-Origin": "*",
		},
		Body: string(body),
	}, nil
}

// headerFormat reads the source format header case-insensitively. Unknown
// values fall back to JSON.
func headerFormat(headers map[string]string) model.SourceFormat {
	for k, v := range headers {
		if strings.EqualFold(k, SourceFormatHeader) {
			if f, err := normalize.ParseFormat(v); err == nil {
				return f
			}
		}
	}
	return model.FormatJSON
}

// LocalForwarder hands canonical records to an in-process gateway.
type LocalForwarder struct {
	Gateway *Gateway
}

func (f LocalForwarder) Forward(ctx context.Context, payload []byte, format model.SourceFormat) (*Accepted, error) {
	return f.Gateway.Ingest(ctx, payload, IngestOptions{SourceFormat: format})
}
