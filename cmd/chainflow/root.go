package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/chainflow"
)

var errUsage = errors.New("usage")

// Viper keys. Each is also read from CHAINFLOW_<KEY> and from .env.
const (
	keyNetwork                  = "network"
	keyStartupMode              = "startup_mode"
	keyCategories               = "categories"
	keyPubSub                   = "pubsub"
	keyAMQPURL                  = "amqp_url"
	keyConnectionName           = "connection_name"
	keyExchangePrefix           = "exchange_prefix"
	keyQueueSuffix              = "queue_suffix"
	keyQueueType                = "queue_type"
	keyStoreURL                 = "store_url"
	keyStoreEnsureSchema        = "store_ensure_schema"
	keyPrefetch                 = "prefetch"
	keyWorkers                  = "workers"
	keyRetryLimit               = "retry_limit"
	keyRetryInitialInterval     = "retry_initial_interval"
	keyRetryMaxInterval         = "retry_max_interval"
	keyReconnectInitialInterval = "reconnect_initial_interval"
	keyReconnectMaxInterval     = "reconnect_max_interval"
	keyPublishConfirmTimeout    = "publish_confirm_timeout"
	keyDrainQuietPeriod         = "drain_quiet_period"
	keyHandlerTimeout           = "handler_timeout"
	keyMetricsEnabled           = "metrics_enabled"
	keyMetricsPort              = "metrics_port"
	keyEnvironment              = "environment"
	keyLogLevel                 = "log_level"
)

type flagSpec struct {
	name  string
	key   string
	usage string
	def   any
}

var flagSpecs = []flagSpec{
	{"network", keyNetwork, "network whose topology is consumed, e.g. mainnet (required)", ""},
	{"startup-mode", keyStartupMode, "startup modes: all, normal or all,normal (required)", []string{}},
	{"categories", keyCategories, "data categories to consume; empty means all", []string{}},
	{"pubsub", keyPubSub, "broker: rabbitmq or channel", "rabbitmq"},
	{"amqp-url", keyAMQPURL, "RabbitMQ URL", ""},
	{"connection-name", keyConnectionName, "connection name reported to the broker", filepath.Base(os.Args[0])},
	{"exchange-prefix", keyExchangePrefix, "prefix of exchange and queue names", "chainflow"},
	{"queue-suffix", keyQueueSuffix, "suffix isolating development queues", ""},
	{"queue-type", keyQueueType, "x-queue-type of declared queues", "quorum"},
	{"store-url", keyStoreURL, "write handler: postgres://, sqlite:// or memory://", "memory://"},
	{"store-ensure-schema", keyStoreEnsureSchema, "create the store tables on startup", false},
	{"prefetch", keyPrefetch, "unacknowledged deliveries per consumer", 64},
	{"workers", keyWorkers, "worker slots per queue", 4},
	{"retry-limit", keyRetryLimit, "requeues before a message is dead-lettered", 5},
	{"retry-initial-interval", keyRetryInitialInterval, "first requeue delay", 500 * time.Millisecond},
	{"retry-max-interval", keyRetryMaxInterval, "maximum requeue delay", 30 * time.Second},
	{"reconnect-initial-interval", keyReconnectInitialInterval, "first reconnect delay", 500 * time.Millisecond},
	{"reconnect-max-interval", keyReconnectMaxInterval, "maximum reconnect delay", 30 * time.Second},
	{"publish-confirm-timeout", keyPublishConfirmTimeout, "wait for a publisher confirmation", 5 * time.Second},
	{"drain-quiet-period", keyDrainQuietPeriod, "idle time before a completed backfill queue stops", 10 * time.Second},
	{"handler-timeout", keyHandlerTimeout, "deadline of one write", 30 * time.Second},
	{"metrics-enabled", keyMetricsEnabled, "serve /metrics, /healthz and /status", false},
	{"metrics-port", keyMetricsPort, "port of the metrics server", 9090},
	{"environment", keyEnvironment, "production or development", "production"},
	{"log-level", keyLogLevel, "debug, info, warn or error", "info"},
}

func newRootCommand(v *viper.Viper, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "chainflow",
		Short:         "Consume blockchain events into the index store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return readDotEnv(v)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return consume(cmd.Context(), v, stderr)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	for _, f := range flagSpecs {
		switch def := f.def.(type) {
		case string:
			flags.String(f.name, def, f.usage)
		case []string:
			flags.StringSlice(f.name, def, f.usage)
		case bool:
			flags.Bool(f.name, def, f.usage)
		case int:
			flags.Int(f.name, def, f.usage)
		case time.Duration:
			flags.Duration(f.name, def, f.usage)
		}
		_ = v.BindPFlag(f.key, flags.Lookup(f.name))
	}
	v.SetEnvPrefix("CHAINFLOW")
	v.AutomaticEnv()

	root.AddCommand(newDeclareCommand(v, stderr), newDLQCommand(stdin, stdout))
	return root
}

// readDotEnv merges ./.env when present. Its keys are the viper keys in
// upper case, e.g. NETWORK=mainnet.
func readDotEnv(v *viper.Viper) error {
	v.SetConfigName(".env")
	v.SetConfigType("dotenv")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read .env: %w", err)
		}
	}
	return nil
}

// loadConfig resolves flags, environment and .env into a validated
// configuration.
func loadConfig(v *viper.Viper) (*chainflow.Config, error) {
	if v.GetString(keyNetwork) == "" {
		return nil, fmt.Errorf("%w: --network is required", errUsage)
	}
	if len(v.GetStringSlice(keyStartupMode)) == 0 {
		return nil, fmt.Errorf("%w: --startup-mode is required", errUsage)
	}

	retryLimit := v.GetInt(keyRetryLimit)
	conf := chainflow.Config{
		Network:                  v.GetString(keyNetwork),
		StartupModes:             v.GetStringSlice(keyStartupMode),
		Categories:               v.GetStringSlice(keyCategories),
		PubSubSystem:             v.GetString(keyPubSub),
		RabbitMQURL:              v.GetString(keyAMQPURL),
		ConnectionName:           v.GetString(keyConnectionName),
		ExchangePrefix:           v.GetString(keyExchangePrefix),
		QueueSuffix:              v.GetString(keyQueueSuffix),
		QueueType:                v.GetString(keyQueueType),
		StoreURL:                 v.GetString(keyStoreURL),
		StoreEnsureSchema:        v.GetBool(keyStoreEnsureSchema),
		Prefetch:                 v.GetInt(keyPrefetch),
		Workers:                  v.GetInt(keyWorkers),
		RetryLimit:               &retryLimit,
		RetryInitialInterval:     v.GetDuration(keyRetryInitialInterval),
		RetryMaxInterval:         v.GetDuration(keyRetryMaxInterval),
		ReconnectInitialInterval: v.GetDuration(keyReconnectInitialInterval),
		ReconnectMaxInterval:     v.GetDuration(keyReconnectMaxInterval),
		PublishConfirmTimeout:    v.GetDuration(keyPublishConfirmTimeout),
		DrainQuietPeriod:         v.GetDuration(keyDrainQuietPeriod),
		HandlerTimeout:           v.GetDuration(keyHandlerTimeout),
		MetricsEnabled:           v.GetBool(keyMetricsEnabled),
		MetricsPort:              v.GetInt(keyMetricsPort),
		Environment:              v.GetString(keyEnvironment),
		LogLevel:                 v.GetString(keyLogLevel),
	}.WithDefaults()

	if err := conf.Validate(); err != nil {
		return nil, chainflow.ConfigValidationError{Err: err}
	}
	return &conf, nil
}

func consume(ctx context.Context, v *viper.Viper, stderr io.Writer) error {
	conf, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger := chainflow.NewJSONServiceLogger(stderr, conf.LogLevel)

	svc, err := chainflow.NewService(conf, logger, ctx, chainflow.ServiceDependencies{
		Hooks: chainflow.LoggingHooks(logger),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			logger.Error("Shutdown incomplete", cerr, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	logger.Info("Consumer stopped", chainflow.LogFields{"network": conf.Network})
	return nil
}
