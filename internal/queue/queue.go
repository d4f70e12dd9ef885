// Package queue carries processing references between the gateway and the
// worker over SQS.
package queue

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/lo"
)

// Message is one received delivery.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	// ReceiveCount is the number of times the message has been delivered,
	// this delivery included.
	ReceiveCount int
	Attributes   map[string]string
}

// Sender publishes a message body with string attributes and returns its id.
type Sender interface {
	Send(ctx context.Context, body []byte, attributes map[string]string) (string, error)
}

// Queue is a work queue with explicit acknowledgement.
type Queue interface {
	Sender
	Receive(ctx context.Context, max, waitSeconds int32) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSAPI is the subset of *sqs.Client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client SQSAPI
	url    string
}

func NewSQSQueue(client SQSAPI, url string) *SQSQueue {
	return &SQSQueue{client: client, url: url}
}

func (q *SQSQueue) URL() string { return q.url }

func (q *SQSQueue) Send(ctx context.Context, body []byte, attributes map[string]string) (string, error) {
	resp, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(q.url),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: stringAttributes(attributes),
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", q.url, err)
	}
	return aws.ToString(resp.MessageId), nil
}

func (q *SQSQueue) Receive(ctx context.Context, max, waitSeconds int32) ([]Message, error) {
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.url),
		MaxNumberOfMessages:   max,
		WaitTimeSeconds:       waitSeconds,
		MessageAttributeNames: []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.url, err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}

	return lo.Map(resp.Messages, func(msg types.Message, _ int) Message {
		count, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		return Message{
			ID:            aws.ToString(msg.MessageId),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
			Body:          aws.ToString(msg.Body),
			ReceiveCount:  count,
			Attributes: lo.MapValues(msg.MessageAttributes, func(v types.MessageAttributeValue, _ string) string {
				return aws.ToString(v.StringValue)
			}),
		}
	}), nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete from %s: %w", q.url, err)
	}
	return nil
}

func stringAttributes(attributes map[string]string) map[string]types.MessageAttributeValue {
	if len(attributes) == 0 {
		return nil
	}
	return lo.MapValues(lo.PickBy(attributes, func(_ string, v string) bool { return v != "" }),
		func(v string, _ string) types.MessageAttributeValue {
			return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
		})
}
