package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labpipeline/internal/adapter"
	"labpipeline/internal/app"
	"labpipeline/internal/intake"
	"labpipeline/internal/normalize"
)

const serviceName = "format-adapter"

var defaultFormat string

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Normalize CSV, HL7 and XML lab files and forward them for ingestion",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&defaultFormat, "default-format", "csv",
		"format assumed for object keys without a known extension")

	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(lambdaCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app.Env, *adapter.Adapter, error) {
	format, err := normalize.ParseFormat(defaultFormat)
	if err != nil {
		return nil, nil, err
	}
	env, err := app.Load(serviceName)
	if err != nil {
		return nil, nil, err
	}
	a, err := env.Adapter(ctx, format)
	if err != nil {
		env.Log.Error("Adapter setup failed", zap.Error(err))
		return nil, nil, err
	}
	return env, a, nil
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume raw lab files from the Kafka intake topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := app.SignalContext()
			defer stop()

			env, a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.Log.Sync()

			reader := intake.NewReader(intake.Config{
				Brokers: env.Config.KafkaBrokers,
				Topic:   env.Config.KafkaTopic,
				GroupID: env.Config.KafkaGroupID,
			})
			defer reader.Close()
			env.Log.Info("Kafka reader initialized",
				zap.Strings("brokers", env.Config.KafkaBrokers),
				zap.String("topic", env.Config.KafkaTopic),
				zap.String("group_id", env.Config.KafkaGroupID),
			)

			return intake.NewConsumer(reader, a, env.Log).Run(ctx)
		},
	}
}

func invokeCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "invoke [file]",
		Short: "Normalize one lab file, or an adapter event with --event, and forward it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := app.SignalContext()
			defer stop()

			env, a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer env.Log.Sync()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			var input adapter.Input
			if format == "" {
				input, err = adapter.ParseEvent(data)
				if err != nil {
					return err
				}
			} else {
				f, err := normalize.ParseFormat(format)
				if err != nil {
					return err
				}
				input = adapter.DirectInput{Format: f, Body: string(data)}
			}

			_, accepted, err := a.Process(ctx, input)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(accepted)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "source format of the file (csv, hl7, xml, json); when empty the file is read as an adapter event")
	return cmd
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as the adapter Lambda handler for direct and S3 events",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, a, err := setup(context.Background())
			if err != nil {
				return err
			}
			defer env.Log.Sync()

			lambda.Start(a.Handle)
			return nil
		},
	}
}
