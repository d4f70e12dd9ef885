package notify

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labpipeline/internal/model"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSNSPublisher_Publish(t *testing.T) {
	api := &fakeSNS{}
	p := NewSNSPublisher(api, "arn:aws:sns:us-east-1:000000000000:lab-results-ready")

	id, err := p.Publish(context.Background(), model.ResultReadyEvent{
		ResultID:  "LAB001-P1-20240115103000000000-abcd1234",
		RecordID:  42,
		PatientID: "P1",
		Timestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		EventType: model.EventTypeLabResultReady,
	})
	require.NoError(t, err)
	assert.Equal(t, "sns-1", id)

	require.Len(t, api.inputs, 1)
	in := api.inputs[0]
	assert.Equal(t, "Lab Result Ready for Patient", aws.ToString(in.Subject))
	assert.Equal(t, "result_completed", aws.ToString(in.MessageAttributes["event_type"].StringValue))
	assert.JSONEq(t, `{
		"result_id": "LAB001-P1-20240115103000000000-abcd1234",
		"record_id": 42,
		"patient_id": "P1",
		"timestamp": "2024-01-15T10:30:00Z",
		"event_type": "lab_result_ready"
	}`, aws.ToString(in.Message))
}

func TestSNSPublisher_NoTopic(t *testing.T) {
	api := &fakeSNS{}
	_, err := NewSNSPublisher(api, "").Publish(context.Background(), model.ResultReadyEvent{})
	assert.ErrorIs(t, err, ErrNoTopic)
	assert.Empty(t, api.inputs)
}
