// Package notify publishes the result ready event that drives patient
// notification.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"labpipeline/internal/model"
)

const (
	subject = "Lab Result Ready for Patient"
	// eventTypeAttribute is the subscription filter value.
	eventTypeAttribute = "result_completed"
)

// ErrNoTopic is returned when no topic is configured.
var ErrNoTopic = errors.New("no notification topic configured")

type Publisher interface {
	Publish(ctx context.Context, event model.ResultReadyEvent) (string, error)
}

// SNSAPI is the subset of *sns.Client the publisher uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSPublisher struct {
	client   SNSAPI
	topicARN string
}

func NewSNSPublisher(client SNSAPI, topicARN string) *SNSPublisher {
	return &SNSPublisher{client: client, topicARN: topicARN}
}

func (p *SNSPublisher) Publish(ctx context.Context, event model.ResultReadyEvent) (string, error) {
	if p.topicARN == "" {
		return "", ErrNoTopic
	}

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal result ready event: %w", err)
	}

	resp, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventTypeAttribute)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.topicARN, err)
	}
	return aws.ToString(resp.MessageId), nil
}
