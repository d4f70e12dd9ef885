package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"labpipeline/internal/failure"
	"labpipeline/internal/model"
	"labpipeline/internal/notify"
	"labpipeline/internal/queue"
	"labpipeline/internal/repository"
	"labpipeline/internal/storage"
)

const (
	bucket      = "healthcare-lab-dev-data"
	resultID    = "LAB002-P234567-20240115103000123456-1a2b3c4d"
	incomingKey = "incoming/json/2024/01/15/" + resultID + ".json"
	storedBody  = `{
  "patient_id": "P234567",
  "lab_id": "LAB002",
  "lab_name": "Small Lab",
  "test_type": "WBC / White Blood Cell Count",
  "test_date": "2024-01-15T00:00:00Z",
  "results": [
    {"test_code": "WBC", "test_name": "White Blood Cell Count", "value": 7.5, "unit": "10^3/uL",
     "reference_range": "4.5-11.0", "is_abnormal": false, "severity": "normal"}
  ],
  "ingested_at": "2024-01-15T10:30:00.123456",
  "result_id": "` + resultID + `",
  "environment": "dev",
  "source_format": "JSON",
  "payload_schema_version": "1.0"
}`
)

type fakeResults struct {
	mu        sync.Mutex
	rows      map[string]*model.LabResult
	inputs    []repository.SaveInput
	nextID    int64
	saveErr   error
	pingErr   error
	processed map[int64]string
}

func newFakeResults() *fakeResults {
	return &fakeResults{rows: map[string]*model.LabResult{}, processed: map[int64]string{}}
}

func (f *fakeResults) Ping(context.Context) error { return f.pingErr }

func (f *fakeResults) SaveResult(_ context.Context, in repository.SaveInput) (*repository.SaveOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	f.inputs = append(f.inputs, in)
	if row, ok := f.rows[in.IngestID]; ok {
		return &repository.SaveOutcome{ResultID: row.ID, Duplicate: true}, nil
	}
	f.nextID++
	f.rows[in.IngestID] = &model.LabResult{ID: f.nextID, IngestID: in.IngestID, PatientID: in.Record.PatientID}
	return &repository.SaveOutcome{ResultID: f.nextID}, nil
}

func (f *fakeResults) SetProcessedKey(_ context.Context, id int64, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[id] = key
	return nil
}

func (f *fakeResults) ListRecent(_ context.Context, limit int) ([]model.LabResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LabResult
	for _, r := range f.rows {
		if len(out) == limit {
			break
		}
		out = append(out, *r)
	}
	return out, nil
}

type fakePublisher struct {
	events []model.ResultReadyEvent
	err    error
	onCall func()
}

func (p *fakePublisher) Publish(_ context.Context, event model.ResultReadyEvent) (string, error) {
	if p.onCall != nil {
		p.onCall()
	}
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return "sns-1", nil
}

// flakyQueue fails the first failDeletes acknowledgements.
type flakyQueue struct {
	*queue.MemoryQueue
	failDeletes int
}

func (q *flakyQueue) Delete(ctx context.Context, receiptHandle string) error {
	if q.failDeletes > 0 {
		q.failDeletes--
		return errors.New("connection reset")
	}
	return q.MemoryQueue.Delete(ctx, receiptHandle)
}

type harness struct {
	worker    *Worker
	queue     *flakyQueue
	dlq       *queue.MemoryQueue
	objects   *storage.MemoryStore
	results   *fakeResults
	publisher *fakePublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		queue:     &flakyQueue{MemoryQueue: queue.NewMemoryQueue()},
		dlq:       queue.NewMemoryQueue(),
		objects:   storage.NewMemoryStore(bucket),
		results:   newFakeResults(),
		publisher: &fakePublisher{},
	}
	h.worker = New(h.queue, h.dlq, h.objects, h.results, h.publisher, Options{ErrorDelay: time.Millisecond}, zap.NewNop())
	h.worker.now = func() time.Time { return time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC) }
	return h
}

func (h *harness) enqueue(t *testing.T, key, body string) {
	t.Helper()
	if body != "" {
		require.NoError(t, h.objects.Put(context.Background(), key, []byte(body), map[string]string{"result-id": resultID}))
	}
	ref, err := json.Marshal(model.QueuedReference{
		ResultID:      resultID,
		Bucket:        bucket,
		Key:           key,
		PatientID:     "P234567",
		TestType:      "WBC / White Blood Cell Count",
		LabID:         "LAB002",
		LabName:       "Small Lab",
		SourceFormat:  model.FormatJSON,
		SchemaVersion: model.SchemaVersion,
		Timestamp:     "2024-01-15T10:30:00.123456",
		Environment:   "dev",
	})
	require.NoError(t, err)
	_, err = h.queue.Send(context.Background(), ref, map[string]string{"result_id": resultID})
	require.NoError(t, err)
}

func (h *harness) poll(t *testing.T) {
	t.Helper()
	_, err := h.worker.Poll(context.Background())
	require.NoError(t, err)
}

func TestWorker_PersistsRelocatesAndAcks(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, incomingKey, storedBody)

	h.poll(t)

	processedKey := "processed/json/2024/01/15/" + resultID + ".json"
	assert.Equal(t, []string{processedKey}, h.objects.Keys())
	obj, _ := h.objects.Object(processedKey)
	assert.Equal(t, resultID, obj.Metadata["result-id"])

	require.Len(t, h.results.inputs, 1)
	in := h.results.inputs[0]
	assert.Equal(t, resultID, in.IngestID)
	assert.Equal(t, incomingKey, in.RawKey)
	assert.Equal(t, "JSON", in.SourceFormat)
	assert.Equal(t, "P234567", in.Record.PatientID)
	assert.Equal(t, "2024-01-15T10:30:00.123456", in.Metadata["ingested_at"])
	assert.Equal(t, map[int64]string{1: processedKey}, h.results.processed)

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, model.ResultReadyEvent{
		ResultID:  resultID,
		RecordID:  1,
		PatientID: "P234567",
		Timestamp: time.Date(2024, 1, 15, 10, 31, 0, 0, time.UTC),
		EventType: "lab_result_ready",
	}, h.publisher.events[0])

	assert.Zero(t, h.queue.Len())
	assert.Zero(t, h.dlq.Len())
}

func TestWorker_RedeliveryPersistsOnce(t *testing.T) {
	h := newHarness(t)
	h.queue.failDeletes = 1
	h.enqueue(t, incomingKey, storedBody)

	h.poll(t)
	assert.Equal(t, 1, h.queue.Len())

	h.queue.ExpireVisibility()
	h.poll(t)

	assert.Len(t, h.results.rows, 1)
	require.Len(t, h.results.inputs, 2)
	assert.Len(t, h.publisher.events, 2)
	assert.Equal(t, []string{"processed/json/2024/01/15/" + resultID + ".json"}, h.objects.Keys())
	assert.Zero(t, h.queue.Len())
}

func TestWorker_PersistFailureLeavesMessage(t *testing.T) {
	h := newHarness(t)
	h.results.saveErr = failure.NewTransient("save lab result", errors.New("connection refused"))
	h.enqueue(t, incomingKey, storedBody)

	h.poll(t)

	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, []string{incomingKey}, h.objects.Keys())
	assert.Empty(t, h.publisher.events)
	assert.Zero(t, h.dlq.Len())
}

type stuckStore struct {
	*storage.MemoryStore
}

func (stuckStore) Move(context.Context, string, string) error {
	return errors.New("AccessDenied")
}

func TestWorker_RelocationFailureStillAcks(t *testing.T) {
	h := newHarness(t)
	h.worker.objects = stuckStore{h.objects}
	h.enqueue(t, incomingKey, storedBody)

	h.poll(t)

	assert.Zero(t, h.queue.Len())
	assert.Equal(t, []string{incomingKey}, h.objects.Keys())
	assert.Empty(t, h.results.processed)
	assert.Len(t, h.publisher.events, 1)
}

func TestWorker_NotifyFailureStillAcks(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = notify.ErrNoTopic
	h.enqueue(t, incomingKey, storedBody)

	h.poll(t)
	assert.Zero(t, h.queue.Len())

	h = newHarness(t)
	h.publisher.err = errors.New("sns throttled")
	h.enqueue(t, incomingKey, storedBody)
	h.poll(t)
	assert.Zero(t, h.queue.Len())
}

func TestWorker_DeadLettersAtThreshold(t *testing.T) {
	h := newHarness(t)
	_, err := h.queue.Send(context.Background(), []byte("not json"), map[string]string{"result_id": "R9"})
	require.NoError(t, err)

	for i := 1; i < 5; i++ {
		h.poll(t)
		assert.Equal(t, 1, h.queue.Len(), "attempt %d", i)
		assert.Zero(t, h.dlq.Len(), "attempt %d", i)
		h.queue.ExpireVisibility()
	}

	h.poll(t)
	assert.Zero(t, h.queue.Len())
	dead := h.dlq.Messages()
	require.Len(t, dead, 1)
	assert.Equal(t, "not json", dead[0].Body)
	assert.Equal(t, "R9", dead[0].Attributes["result_id"])
	assert.Contains(t, dead[0].Attributes["failure_reason"], "decode queue body")
}

func TestWorker_InvalidStoredPayloadIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.worker.deadQueue = nil
	h.enqueue(t, incomingKey, `{"patient_id": "X1"}`)

	for i := 0; i < 6; i++ {
		h.poll(t)
		h.queue.ExpireVisibility()
	}

	assert.Equal(t, 1, h.queue.Len())
	assert.Empty(t, h.results.inputs)
	assert.Equal(t, []string{incomingKey}, h.objects.Keys())
}

func TestWorker_MissingObjectIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.worker.opts.MaxReceiveCount = 1
	h.enqueue(t, incomingKey, "")

	h.poll(t)

	assert.Zero(t, h.queue.Len())
	dead := h.dlq.Messages()
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Attributes["failure_reason"], "object not found")
}

func TestWorker_UnhealthyDatabaseSkipsReceive(t *testing.T) {
	h := newHarness(t)
	h.results.pingErr = failure.NewTransient("ping database", errors.New("no connection"))
	h.enqueue(t, incomingKey, storedBody)

	n, err := h.worker.Poll(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.queue.Len())
	assert.Equal(t, 0, h.queue.Messages()[0].ReceiveCount)
}

func TestWorker_ShutdownFinishesInFlightMessage(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, incomingKey, storedBody)
	secondKey := "incoming/json/2024/01/15/second.json"
	h.enqueue(t, secondKey, storedBody)

	ctx, cancel := context.WithCancel(context.Background())
	h.publisher.onCall = cancel

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	// The first message completes after cancellation; the second is never started.
	assert.Equal(t, 1, h.queue.Len())
	assert.Len(t, h.publisher.events, 1)
	assert.Contains(t, h.objects.Keys(), secondKey)
}

func TestOpsServer(t *testing.T) {
	results := newFakeResults()
	results.rows[resultID] = &model.LabResult{
		ID:         1,
		IngestID:   resultID,
		PatientID:  "P234567",
		TestDate:   time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		Status:     model.ResultStatusProcessed,
		TestValues: []model.TestValue{{TestCode: "WBC", TestName: "White Blood Cell Count", Severity: "normal"}},
	}
	e := NewOpsServer(NewOpsHandler(results))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body []labResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, resultID, body[0].IngestID)
	assert.Equal(t, "2024-01-15T00:00:00Z", body[0].TestDate)
	assert.Equal(t, "processed", body[0].Status)
	require.Len(t, body[0].TestValues, 1)
	assert.Equal(t, "WBC", body[0].TestValues[0].TestCode)

	for _, q := range []string{"", "?limit=0", "?limit=abc", "?limit=501"} {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/results"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	results.pingErr = errors.New("down")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
