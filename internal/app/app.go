// Package app wires configuration, logging and AWS clients into the
// pipeline components shared by the binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"labpipeline/internal/adapter"
	"labpipeline/internal/awsclient"
	"labpipeline/internal/config"
	"labpipeline/internal/gateway"
	"labpipeline/internal/logger"
	"labpipeline/internal/model"
	"labpipeline/internal/normalize"
	"labpipeline/internal/queue"
	"labpipeline/internal/storage"
)

// Env is the loaded configuration and logger of one process.
type Env struct {
	Config *config.Config
	Log    *zap.Logger
}

func Load(service string) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, service)
	if err != nil {
		return nil, err
	}
	return &Env{Config: cfg, Log: log.With(zap.String("environment", cfg.Environment))}, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// AWS builds the clients and resolves the processing queue URL.
func (e *Env) AWS(ctx context.Context) (*awsclient.Clients, string, error) {
	clients, err := awsclient.New(ctx, e.Config.AWSEndpointURL)
	if err != nil {
		return nil, "", err
	}
	url, err := awsclient.ResolveQueueURL(ctx, clients.SQS, e.Config.SQSQueueURL, e.Config.SQSQueueName)
	if err != nil {
		return nil, "", err
	}
	e.Log.Info("AWS clients initialized",
		zap.String("s3_bucket", e.Config.S3Bucket),
		zap.String("queue_url", url),
		zap.String("endpoint", e.Config.AWSEndpointURL),
	)
	return clients, url, nil
}

// Gateway builds the ingest gateway over S3 and SQS.
func (e *Env) Gateway(ctx context.Context) (*gateway.Gateway, *awsclient.Clients, error) {
	if err := e.Config.ValidateGateway(); err != nil {
		return nil, nil, err
	}
	clients, url, err := e.AWS(ctx)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewS3Store(clients.S3, e.Config.S3Bucket)
	return gateway.New(store, queue.NewSQSQueue(clients.SQS, url), e.Config.Environment, e.Log), clients, nil
}

// Adapter builds the format adapter. With GATEWAY_URL set it forwards over
// HTTP, otherwise it ingests through an in-process gateway.
func (e *Env) Adapter(ctx context.Context, defaultFormat model.SourceFormat) (*adapter.Adapter, error) {
	if err := e.Config.ValidateAdapter(); err != nil {
		return nil, err
	}

	if e.Config.GatewayURL == "" {
		g, clients, err := e.Gateway(ctx)
		if err != nil {
			return nil, fmt.Errorf("in-process gateway: %w", err)
		}
		return e.AdapterWith(storage.NewS3Reader(clients.S3), gateway.LocalForwarder{Gateway: g}, defaultFormat), nil
	}

	clients, err := awsclient.New(ctx, e.Config.AWSEndpointURL)
	if err != nil {
		return nil, err
	}
	forward := adapter.NewHTTPForwarder(e.Config.GatewayURL, adapter.DefaultForwardTimeout, e.Log)
	e.Log.Info("Forwarding to remote gateway", zap.String("gateway_url", e.Config.GatewayURL))

	return e.AdapterWith(storage.NewS3Reader(clients.S3), forward, defaultFormat), nil
}

// AdapterWith builds an adapter over the given fetcher and forwarder.
func (e *Env) AdapterWith(fetch adapter.Fetcher, forward adapter.Forwarder, defaultFormat model.SourceFormat) *adapter.Adapter {
	hints := normalize.Hints{LabID: e.Config.DefaultLabID, LabName: e.Config.DefaultLabName}
	return adapter.New(fetch, forward, hints, defaultFormat, e.Log)
}
