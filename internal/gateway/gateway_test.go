package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
	"labpipeline/internal/queue"
	"labpipeline/internal/storage"
)

const canonicalPayload = `{
  "patient_id": "P234567",
  "lab_id": "LAB002",
  "lab_name": "Small Lab",
  "test_type": "WBC / White Blood Cell Count",
  "test_date": "2024-01-15T00:00:00Z",
  "results": [
    {"test_code": "WBC", "test_name": "White Blood Cell Count", "value": 7.5, "unit": "10^3/uL",
     "reference_range": "4.5-11.0", "is_abnormal": false, "severity": "normal"}
  ]
}`

var resultIDPattern = regexp.MustCompile(`^LAB002-P234567-20240115103000123456-[0-9a-f]{8}$`)

func newTestGateway(q queue.Sender) (*Gateway, *storage.MemoryStore) {
	store := storage.NewMemoryStore("healthcare-lab-dev-data")
	g := New(store, q, "dev", zap.NewNop())
	g.now = func() time.Time { return time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC) }
	return g, store
}

type failingSender struct{}

func (failingSender) Send(context.Context, []byte, map[string]string) (string, error) {
	return "", errors.New("AWS.SimpleQueueService.NonExistentQueue")
}

func TestIngest_StoresAndQueues(t *testing.T) {
	q := queue.NewMemoryQueue()
	g, store := newTestGateway(q)

	accepted, err := g.Ingest(context.Background(), []byte(canonicalPayload), IngestOptions{SourceFormat: model.FormatCSV})
	require.NoError(t, err)

	assert.Regexp(t, resultIDPattern, accepted.ResultID)
	assert.Equal(t, "incoming/csv/2024/01/15/"+accepted.ResultID+".json", accepted.ObjectKey)
	assert.Equal(t, "msg-1", accepted.MessageID)

	obj, ok := store.Object(accepted.ObjectKey)
	require.True(t, ok)
	assert.Equal(t, map[string]string{
		"result-id":     accepted.ResultID,
		"patient-id":    "P234567",
		"lab-id":        "LAB002",
		"test-type":     "WBC / White Blood Cell Count",
		"source-format": "CSV",
		"ingested-at":   "2024-01-15T10:30:00.123456",
	}, obj.Metadata)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(obj.Body, &stored))
	assert.Equal(t, accepted.ResultID, stored["result_id"])
	assert.Equal(t, "dev", stored["environment"])
	assert.Equal(t, "CSV", stored["source_format"])
	assert.Equal(t, model.SchemaVersion, stored["payload_schema_version"])
	assert.Equal(t, 7.5, stored["results"].([]any)[0].(map[string]any)["value"])
	assert.True(t, strings.HasPrefix(string(obj.Body), "{\n  \""))

	msgs := q.Messages()
	require.Len(t, msgs, 1)
	var ref model.QueuedReference
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &ref))
	assert.Equal(t, model.QueuedReference{
		ResultID:      accepted.ResultID,
		Bucket:        "healthcare-lab-dev-data",
		Key:           accepted.ObjectKey,
		PatientID:     "P234567",
		TestType:      "WBC / White Blood Cell Count",
		LabID:         "LAB002",
		LabName:       "Small Lab",
		SourceFormat:  model.FormatCSV,
		SchemaVersion: model.SchemaVersion,
		Timestamp:     "2024-01-15T10:30:00.123456",
		Environment:   "dev",
	}, ref)
	assert.Equal(t, map[string]string{
		"result_id":     accepted.ResultID,
		"patient_id":    "P234567",
		"test_type":     "WBC / White Blood Cell Count",
		"lab_id":        "LAB002",
		"source_format": "CSV",
	}, msgs[0].Attributes)
}

func TestIngest_ResultIDsAreUnique(t *testing.T) {
	g, _ := newTestGateway(queue.NewMemoryQueue())

	first, err := g.Ingest(context.Background(), []byte(canonicalPayload), IngestOptions{})
	require.NoError(t, err)
	second, err := g.Ingest(context.Background(), []byte(canonicalPayload), IngestOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, first.ResultID, second.ResultID)
	assert.Contains(t, first.ObjectKey, "incoming/json/")
}

func TestIngest_ValidationWritesNothing(t *testing.T) {
	q := queue.NewMemoryQueue()
	g, store := newTestGateway(q)

	_, err := g.Ingest(context.Background(), []byte(`{"patient_id": "Q1", "results": []}`), IngestOptions{})
	require.Error(t, err)
	assert.Equal(t, failure.Validation, failure.ClassOf(err))
	for _, field := range []string{"lab_id", "lab_name", "test_type", "test_date"} {
		assert.Contains(t, err.Error(), "Missing required field: "+field)
	}
	assert.Contains(t, err.Error(), "patient_id must start with 'P'")

	assert.Empty(t, store.Keys())
	assert.Zero(t, q.Len())
}

func TestIngest_EnqueueFailureNamesOrphan(t *testing.T) {
	g, store := newTestGateway(failingSender{})

	_, err := g.Ingest(context.Background(), []byte(canonicalPayload), IngestOptions{})
	require.Error(t, err)
	assert.Equal(t, failure.Transient, failure.ClassOf(err))

	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, err.Error(), keys[0])
}

func TestHandle_Envelope(t *testing.T) {
	g, _ := newTestGateway(queue.NewMemoryQueue())

	event, err := json.Marshal(map[string]any{
		"body":    canonicalPayload,
		"headers": map[string]string{"x-source-format": "hl7"},
	})
	require.NoError(t, err)

	resp, err := g.Handle(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "Lab result received and queued for processing", body["message"])
	assert.Contains(t, body["s3_key"], "incoming/hl7/")
	assert.Equal(t, "msg-1", body["message_id"])
}

func TestHandle_DirectRecordAndErrors(t *testing.T) {
	g, _ := newTestGateway(queue.NewMemoryQueue())

	resp, err := g.Handle(context.Background(), json.RawMessage(canonicalPayload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = g.Handle(context.Background(), json.RawMessage(`{"body": "{\"patient_id\": \"X\"}"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error     string   `json:"error"`
		Errors    []string `json:"errors"`
		Timestamp string   `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.Equal(t, strings.Join(body.Errors, "; "), body.Error)
	assert.Contains(t, body.Errors, "patient_id must start with 'P'")
	assert.NotEmpty(t, body.Timestamp)

	failing, _ := newTestGateway(failingSender{})
	resp, err = failing.Handle(context.Background(), json.RawMessage(canonicalPayload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, resp.Body, `"error":"Internal server error"`)
}

func TestHandleAPIGateway(t *testing.T) {
	g, _ := newTestGateway(queue.NewMemoryQueue())

	resp, err := g.HandleAPIGateway(context.Background(), events.APIGatewayProxyRequest{
		Body:    canonicalPayload,
		Headers: map[string]string{"X-Source-Format": "XML"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Contains(t, resp.Body, "incoming/xml/")

	resp, err = g.HandleAPIGateway(context.Background(), events.APIGatewayProxyRequest{Body: "%%%", IsBase64Encoded: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type stubAdapter struct {
	format model.SourceFormat
	body   string
	err    error
	g      *Gateway
}

func (s *stubAdapter) Direct(ctx context.Context, format model.SourceFormat, body string) (*Accepted, error) {
	s.format, s.body = format, body
	if s.err != nil {
		return nil, s.err
	}
	return s.g.Ingest(ctx, []byte(canonicalPayload), IngestOptions{SourceFormat: format})
}

func TestServer_Routes(t *testing.T) {
	g, _ := newTestGateway(queue.NewMemoryQueue())
	adapter := &stubAdapter{g: g}
	e := NewServer(NewHandler(g, adapter))

	rec := serve(e, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(e, http.MethodPost, "/v1/results", canonicalPayload, map[string]string{SourceFormatHeader: "csv"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "incoming/csv/")

	rec = serve(e, http.MethodPost, "/v1/results", `{"patient_id":"P1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Missing required field: lab_id")

	rec = serve(e, http.MethodPost, "/v1/adapters/hl7", "MSH|^~\\&|LAB", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, model.FormatHL7, adapter.format)
	assert.Equal(t, "MSH|^~\\&|LAB", adapter.body)

	rec = serve(e, http.MethodPost, "/v1/adapters/pdf", "x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	adapter.err = failure.NewPermanent("normalize", errors.New("csv has no data rows"))
	rec = serve(e, http.MethodPost, "/v1/adapters/csv", "PatientID\n", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "csv has no data rows")
}

func serve(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}
