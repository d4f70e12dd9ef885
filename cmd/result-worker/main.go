package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labpipeline/internal/app"
	"labpipeline/internal/notify"
	"labpipeline/internal/queue"
	"labpipeline/internal/repository"
	"labpipeline/internal/storage"
	"labpipeline/internal/worker"
)

const serviceName = "result-worker"

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Persist queued lab results and notify downstream consumers",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func connect(ctx context.Context, env *app.Env) (*repository.Repository, error) {
	open := repository.PostgresOpener(env.Config.DB)
	db, err := repository.Connect(ctx, open, env.Config.DB.ConnectAttempts, env.Config.DB.ConnectDelay, env.Log)
	if err != nil {
		return nil, err
	}
	return repository.New(db, open, env.Log), nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the result tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Load(serviceName)
			if err != nil {
				return err
			}
			defer env.Log.Sync()

			ctx, stop := app.SignalContext()
			defer stop()

			repo, err := connect(ctx, env)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repository.Migrate(ctx, repo.DB()); err != nil {
				env.Log.Error("Migration failed", zap.Error(err))
				return err
			}
			env.Log.Info("Migration complete")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the processing queue and serve the ops endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before consuming")
	return cmd
}

func runWorker(migrate bool) error {
	env, err := app.Load(serviceName)
	if err != nil {
		return err
	}
	defer env.Log.Sync()

	if err := env.Config.ValidateWorker(); err != nil {
		env.Log.Error("Invalid configuration", zap.Error(err))
		return err
	}

	ctx, stop := app.SignalContext()
	defer stop()

	repo, err := connect(ctx, env)
	if err != nil {
		return err
	}
	defer repo.Close()

	if migrate {
		if err := repository.Migrate(ctx, repo.DB()); err != nil {
			return err
		}
	}

	clients, queueURL, err := env.AWS(ctx)
	if err != nil {
		env.Log.Error("AWS setup failed", zap.Error(err))
		return err
	}

	var deadQueue queue.Sender
	if env.Config.DLQURL != "" {
		deadQueue = queue.NewSQSQueue(clients.SQS, env.Config.DLQURL)
	}
	if env.Config.SNSTopicARN == "" {
		env.Log.Warn("SNS_TOPIC_ARN not set, notifications will be skipped")
	}

	w := worker.New(
		queue.NewSQSQueue(clients.SQS, queueURL),
		deadQueue,
		storage.NewS3Store(clients.S3, env.Config.S3Bucket),
		repo,
		notify.NewSNSPublisher(clients.SNS, env.Config.SNSTopicARN),
		worker.Options{
			BatchSize:       env.Config.PollBatchSize,
			WaitSeconds:     env.Config.PollWaitSeconds,
			MaxReceiveCount: env.Config.MaxReceiveCount,
		},
		env.Log,
	)

	ops := worker.NewOpsServer(worker.NewOpsHandler(repo))
	go func() {
		env.Log.Info("Starting ops server", zap.String("addr", env.Config.HTTPAddr))
		if err := ops.Start(env.Config.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			env.Log.Error("Ops server failed", zap.Error(err))
		}
	}()

	runErr := w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		env.Log.Error("Ops server shutdown failed", zap.Error(err))
	}
	return runErr
}
