// Package awsclient builds the S3, SQS and SNS clients shared by every
// process. An endpoint override points them at localstack.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type Clients struct {
	S3  *s3.Client
	SQS *sqs.Client
	SNS *sns.Client
}

func New(ctx context.Context, endpoint string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS SDK config: %w", err)
	}

	baseEndpoint := cfg.BaseEndpoint
	if endpoint != "" {
		baseEndpoint = aws.String(endpoint)
	}

	s3Client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: baseEndpoint,
		UsePathStyle: true,
	})

	sqsClient := sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: baseEndpoint,
	})

	snsClient := sns.New(sns.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: baseEndpoint,
	})

	return &Clients{S3: s3Client, SQS: sqsClient, SNS: snsClient}, nil
}

// QueueURLGetter is the part of the SQS client ResolveQueueURL needs.
type QueueURLGetter interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// ResolveQueueURL returns url when set, otherwise looks the queue up by name.
func ResolveQueueURL(ctx context.Context, client QueueURLGetter, url, name string) (string, error) {
	if url != "" {
		return url, nil
	}
	resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get SQS queue URL for %q: %w", name, err)
	}
	return aws.ToString(resp.QueueUrl), nil
}
