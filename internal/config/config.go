package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment    string `mapstructure:"ENVIRONMENT"`
	AWSEndpointURL string `mapstructure:"AWS_ENDPOINT_URL"`
	HTTPAddr       string `mapstructure:"HTTP_ADDR"`

	S3Bucket       string `mapstructure:"S3_BUCKET"`
	SQSQueueURL    string `mapstructure:"SQS_QUEUE_URL"`
	SQSQueueName   string `mapstructure:"SQS_QUEUE_NAME"`
	DLQURL         string `mapstructure:"DLQ_URL"`
	SNSTopicARN    string `mapstructure:"SNS_TOPIC_ARN"`
	GatewayURL     string `mapstructure:"GATEWAY_URL"`
	DefaultLabID   string `mapstructure:"LAB_ID"`
	DefaultLabName string `mapstructure:"LAB_NAME"`

	PollBatchSize   int32 `mapstructure:"POLL_BATCH_SIZE"`
	PollWaitSeconds int32 `mapstructure:"POLL_WAIT_SECONDS"`
	MaxReceiveCount int   `mapstructure:"MAX_RECEIVE_COUNT"`

	DB Database `mapstructure:",squash"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

type Database struct {
	Host            string        `mapstructure:"DB_HOST"`
	Port            int           `mapstructure:"DB_PORT"`
	Name            string        `mapstructure:"DB_NAME"`
	User            string        `mapstructure:"DB_USER"`
	Password        string        `mapstructure:"DB_PASSWORD"`
	SSLMode         string        `mapstructure:"DB_SSLMODE"`
	ConnectAttempts int           `mapstructure:"DB_CONNECT_ATTEMPTS"`
	ConnectDelay    time.Duration `mapstructure:"DB_CONNECT_DELAY"`
}

// DSN renders the libpq style connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

var envKeys = []string{
	"ENVIRONMENT", "AWS_ENDPOINT_URL", "HTTP_ADDR",
	"S3_BUCKET", "SQS_QUEUE_URL", "SQS_QUEUE_NAME", "DLQ_URL", "SNS_TOPIC_ARN", "GATEWAY_URL",
	"LAB_ID", "LAB_NAME",
	"POLL_BATCH_SIZE", "POLL_WAIT_SECONDS", "MAX_RECEIVE_COUNT",
	"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_SSLMODE",
	"DB_CONNECT_ATTEMPTS", "DB_CONNECT_DELAY",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"LOG_LEVEL", "LOG_FORMAT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "dev")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("SQS_QUEUE_NAME", "lab-results-queue")
	v.SetDefault("POLL_BATCH_SIZE", 10)
	v.SetDefault("POLL_WAIT_SECONDS", 20)
	v.SetDefault("MAX_RECEIVE_COUNT", 5)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "labresults")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_CONNECT_ATTEMPTS", 5)
	v.SetDefault("DB_CONNECT_DELAY", "5s")
	v.SetDefault("KAFKA_BROKERS", "kafka:9092")
	v.SetDefault("KAFKA_TOPIC", "lab-files")
	v.SetDefault("KAFKA_GROUP_ID", "lab-files-adapter")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper may split a comma list without trimming, so always normalize.
	cfg.KafkaBrokers = splitList(strings.Join(cfg.KafkaBrokers, ","))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) requireQueue() error {
	if c.SQSQueueURL == "" && c.SQSQueueName == "" {
		return errors.New("SQS_QUEUE_URL or SQS_QUEUE_NAME is required")
	}
	return nil
}

// ValidateGateway checks what the ingest gateway needs to start.
func (c *Config) ValidateGateway() error {
	if c.S3Bucket == "" {
		return errors.New("S3_BUCKET is required")
	}
	return c.requireQueue()
}

// ValidateWorker checks what the queue consumer needs to start.
func (c *Config) ValidateWorker() error {
	if err := c.ValidateGateway(); err != nil {
		return err
	}
	if c.DB.Host == "" || c.DB.Name == "" || c.DB.User == "" {
		return errors.New("DB_HOST, DB_NAME and DB_USER are required")
	}
	if c.DB.Password == "" {
		return errors.New("DB_PASSWORD is required")
	}
	if c.PollBatchSize < 1 || c.PollBatchSize > 10 {
		return fmt.Errorf("POLL_BATCH_SIZE must be between 1 and 10, got %d", c.PollBatchSize)
	}
	if c.PollWaitSeconds < 0 || c.PollWaitSeconds > 20 {
		return fmt.Errorf("POLL_WAIT_SECONDS must be between 0 and 20, got %d", c.PollWaitSeconds)
	}
	if c.DB.ConnectAttempts < 1 {
		return fmt.Errorf("DB_CONNECT_ATTEMPTS must be positive, got %d", c.DB.ConnectAttempts)
	}
	return nil
}

// ValidateAdapter checks the adapter settings. Without GATEWAY_URL the
// adapter ingests in-process and needs the gateway settings instead.
func (c *Config) ValidateAdapter() error {
	if c.GatewayURL != "" {
		return nil
	}
	return c.ValidateGateway()
}
