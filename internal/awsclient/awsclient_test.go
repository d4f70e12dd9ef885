package awsclient

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueueURLGetter struct {
	url   string
	err   error
	asked []string
}

func (f *fakeQueueURLGetter) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.asked = append(f.asked, aws.ToString(in.QueueName))
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(f.url)}, nil
}

func TestResolveQueueURL(t *testing.T) {
	ctx := context.Background()
	getter := &fakeQueueURLGetter{url: "http://localhost:4566/000000000000/lab-results-queue"}

	url, err := ResolveQueueURL(ctx, getter, "http://explicit", "lab-results-queue")
	require.NoError(t, err)
	assert.Equal(t, "http://explicit", url)
	assert.Empty(t, getter.asked)

	url, err = ResolveQueueURL(ctx, getter, "", "lab-results-queue")
	require.NoError(t, err)
	assert.Equal(t, getter.url, url)
	assert.Equal(t, []string{"lab-results-queue"}, getter.asked)

	getter.err = errors.New("AWS.SimpleQueueService.NonExistentQueue")
	_, err = ResolveQueueURL(ctx, getter, "", "missing")
	assert.ErrorContains(t, err, `"missing"`)
}
