package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labpipeline/internal/app"
	"labpipeline/internal/intake"
	"labpipeline/internal/normalize"
)

const serviceName = "lab-producer"

func main() {
	var format string
	rootCmd := &cobra.Command{
		Use:          serviceName + " [file...]",
		Short:        "Publish raw lab files onto the Kafka intake topic",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(args, format)
		},
	}
	rootCmd.Flags().StringVar(&format, "format", "", "source format of every file; when empty it is taken from each file's extension")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func publish(paths []string, format string) error {
	env, err := app.Load(serviceName)
	if err != nil {
		return err
	}
	defer env.Log.Sync()

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  env.Config.KafkaBrokers,
		Topic:    env.Config.KafkaTopic,
		Balancer: &kafka.LeastBytes{},
	})
	defer writer.Close()

	msgs := make([]kafka.Message, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read lab file %s: %w", path, err)
		}

		name := format
		if name == "" {
			name = strings.TrimPrefix(filepath.Ext(path), ".")
		}
		f, err := normalize.ParseFormat(name)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		msgs = append(msgs, kafka.Message{
			Key:     []byte(filepath.Base(path)),
			Value:   data,
			Headers: []kafka.Header{{Key: intake.FormatHeader, Value: []byte(f)}},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		env.Log.Error("Could not write messages", zap.Error(err))
		return err
	}
	env.Log.Info("Messages sent", zap.Int("count", len(msgs)), zap.String("topic", env.Config.KafkaTopic))
	return nil
}
