package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labpipeline/internal/app"
	"labpipeline/internal/gateway"
	"labpipeline/internal/model"
	"labpipeline/internal/storage"
)

const serviceName = "ingest-gateway"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Validate lab results, store them and queue them for processing",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(lambdaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the ingest API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as the API Gateway proxy Lambda handler",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Load(serviceName)
			if err != nil {
				return err
			}
			defer env.Log.Sync()

			g, _, err := env.Gateway(context.Background())
			if err != nil {
				env.Log.Error("Gateway setup failed", zap.Error(err))
				return err
			}
			lambda.Start(g.HandleAPIGateway)
			return nil
		},
	}
}

func runServer() error {
	env, err := app.Load(serviceName)
	if err != nil {
		return err
	}
	defer env.Log.Sync()

	ctx, stop := app.SignalContext()
	defer stop()

	g, clients, err := env.Gateway(ctx)
	if err != nil {
		env.Log.Error("Gateway setup failed", zap.Error(err))
		return err
	}
	files := env.AdapterWith(storage.NewS3Reader(clients.S3), gateway.LocalForwarder{Gateway: g}, model.FormatCSV)
	e := gateway.NewServer(gateway.NewHandler(g, files))

	errCh := make(chan error, 1)
	go func() {
		env.Log.Info("Starting HTTP server", zap.String("addr", env.Config.HTTPAddr))
		if err := e.Start(env.Config.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		env.Log.Error("Server failed", zap.Error(err))
		return err
	case <-ctx.Done():
	}

	env.Log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		env.Log.Error("Server shutdown failed", zap.Error(err))
		return err
	}
	env.Log.Info("Server stopped")
	return nil
}
