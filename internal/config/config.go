// Package config loads runtime settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. SGDRIFT_LOG_LEVEL.
const EnvPrefix = "SGDRIFT"

// Idempotency store backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

// MaxLeaseSlack bounds how far idempotency.lease may run past
// timeouts.invocation.
const MaxLeaseSlack = 5 * time.Minute

// Config is the top-level application configuration.
// Secrets (Slack webhook, Postgres DSN) should come from the environment or
// SSM, never from a committed file.
type Config struct {
	// ObjectID is the monitored security group.
	ObjectID string `mapstructure:"object_id" yaml:"object_id"`

	// Region overrides the SDK's region resolution.
	Region string `mapstructure:"region" yaml:"region"`

	// Profile selects a shared-config profile for local runs.
	Profile string `mapstructure:"profile" yaml:"profile"`

	Baseline    BaselineConfig    `mapstructure:"baseline" yaml:"baseline"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
	Remediation RemediationConfig `mapstructure:"remediation" yaml:"remediation"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts" yaml:"timeouts"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Policy      PolicyConfig      `mapstructure:"policy" yaml:"policy"`
}

// BaselineConfig locates the baseline document.
type BaselineConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Key may contain {object_id}.
	Key string `mapstructure:"key" yaml:"key"`
}

// IdempotencyConfig selects and configures the dedup store.
type IdempotencyConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	Table         string        `mapstructure:"table" yaml:"table"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints" yaml:"etcd_endpoints"`
	PostgresDSN   string        `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	Lease         time.Duration `mapstructure:"lease" yaml:"lease"`
}

// RemediationConfig bounds revoke retries on throttling.
type RemediationConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// RetryPolicy converts the settings for the retry package.
func (r RemediationConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialBackoff,
		MaxInterval:     r.MaxBackoff,
	}
}

// NotifyConfig configures the notification channels. A channel is built
// only when it is enabled and has a destination.
type NotifyConfig struct {
	// OnFault also sends a report when an invocation faults.
	OnFault bool        `mapstructure:"on_fault" yaml:"on_fault"`
	SNS     SNSConfig   `mapstructure:"sns" yaml:"sns"`
	Slack   SlackConfig `mapstructure:"slack" yaml:"slack"`
	Kafka   KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

type SNSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	TopicARN string `mapstructure:"topic_arn" yaml:"topic_arn"`
}

// Active reports whether the SNS channel should be built.
func (c SNSConfig) Active() bool { return c.Enabled && c.TopicARN != "" }

type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url"`
	// WebhookParameter names an SSM SecureString holding the URL. It is
	// used when WebhookURL is empty.
	WebhookParameter string        `mapstructure:"webhook_parameter" yaml:"webhook_parameter"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// Active reports whether the Slack channel should be built.
func (c SlackConfig) Active() bool {
	return c.Enabled && (c.WebhookURL != "" || c.WebhookParameter != "")
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Active reports whether the Kafka channel should be built.
func (c KafkaConfig) Active() bool { return c.Enabled && len(c.Brokers) > 0 }

// TimeoutsConfig bounds one invocation.
type TimeoutsConfig struct {
	Invocation time.Duration `mapstructure:"invocation" yaml:"invocation"`
	// NotifyReserve is held back from remediation so notification still
	// runs when revocations use up the budget.
	NotifyReserve time.Duration `mapstructure:"notify_reserve" yaml:"notify_reserve"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// PolicyConfig points at the optional severity policy file.
type PolicyConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// legacyEnv maps keys to the unprefixed variable names the Lambda
// deployment template sets. SGDRIFT_* variables take precedence.
var legacyEnv = map[string]string{
	"object_id":                      "SECURITY_GROUP_ID",
	"baseline.bucket":                "BASELINE_BUCKET",
	"baseline.key":                   "BASELINE_S3_KEY",
	"notify.sns.topic_arn":           "SNS_TOPIC_ARN",
	"notify.slack.webhook_parameter": "SLACK_WEBHOOK_PARAMETER_NAME",
	"region":                         "AWS_REGION",
	"log.level":                      "LOG_LEVEL",
}

// SetDefaults registers every key with its default so environment
// overrides are picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("object_id", "")
	v.SetDefault("region", "")
	v.SetDefault("profile", "")

	v.SetDefault("baseline.bucket", "")
	v.SetDefault("baseline.key", "baseline/security-group-baseline.json")

	v.SetDefault("idempotency.backend", BackendMemory)
	v.SetDefault("idempotency.table", "sgdrift-idempotency")
	v.SetDefault("idempotency.redis_addr", "localhost:6379")
	v.SetDefault("idempotency.etcd_endpoints", []string{"localhost:2379"})
	v.SetDefault("idempotency.postgres_dsn", "")
	v.SetDefault("idempotency.retention", 7*24*time.Hour)
	v.SetDefault("idempotency.lease", 90*time.Second)

	v.SetDefault("remediation.max_attempts", retry.DefaultPolicy.MaxAttempts)
	v.SetDefault("remediation.initial_backoff", retry.DefaultPolicy.InitialInterval)
	v.SetDefault("remediation.max_backoff", retry.DefaultPolicy.MaxInterval)

	v.SetDefault("notify.on_fault", false)
	v.SetDefault("notify.sns.enabled", true)
	v.SetDefault("notify.sns.topic_arn", "")
	v.SetDefault("notify.slack.enabled", true)
	v.SetDefault("notify.slack.webhook_url", "")
	v.SetDefault("notify.slack.webhook_parameter", "")
	v.SetDefault("notify.slack.timeout", 10*time.Second)
	v.SetDefault("notify.slack.cache_ttl", 5*time.Minute)
	v.SetDefault("notify.kafka.enabled", false)
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "sgdrift.audit")

	v.SetDefault("timeouts.invocation", 60*time.Second)
	v.SetDefault("timeouts.notify_reserve", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("policy.path", "")
}

// New returns a viper instance with defaults, env bindings and, when
// configFile is set, that file; otherwise sgdrift.yaml is searched for in
// the working directory and /etc/sgdrift.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("sgdrift")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sgdrift/")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return v, nil
}

// Load builds and validates the configuration.
func Load(configFile string) (*Config, error) {
	v, err := New(configFile)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper unmarshals and validates v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ObjectID) == "" {
		errs = append(errs, errors.New("object_id is required"))
	}
	if c.Baseline.Bucket == "" {
		errs = append(errs, errors.New("baseline.bucket is required"))
	}
	if c.Baseline.Key == "" {
		errs = append(errs, errors.New("baseline.key is required"))
	}

	switch c.Idempotency.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.Idempotency.Table == "" {
			errs = append(errs, errors.New("idempotency.table is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.Idempotency.RedisAddr == "" {
			errs = append(errs, errors.New("idempotency.redis_addr is required for the redis backend"))
		}
	case BackendEtcd:
		if len(c.Idempotency.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("idempotency.etcd_endpoints is required for the etcd backend"))
		}
	case BackendPostgres:
		if c.Idempotency.PostgresDSN == "" {
			errs = append(errs, errors.New("idempotency.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.backend %q is not one of memory, dynamodb, redis, etcd, postgres", c.Idempotency.Backend))
	}

	for name, d := range map[string]time.Duration{
		"idempotency.retention":       c.Idempotency.Retention,
		"idempotency.lease":           c.Idempotency.Lease,
		"remediation.initial_backoff": c.Remediation.InitialBackoff,
		"remediation.max_backoff":     c.Remediation.MaxBackoff,
		"timeouts.invocation":         c.Timeouts.Invocation,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Idempotency.Lease > 0 && c.Idempotency.Lease > c.Idempotency.Retention {
		errs = append(errs, errors.New("idempotency.lease must not exceed idempotency.retention"))
	}
	// The lease covers one invocation and lapses while the runtime still retries.
	if c.Timeouts.Invocation > 0 && c.Idempotency.Lease > 0 {
		if c.Idempotency.Lease <= c.Timeouts.Invocation {
			errs = append(errs, errors.New("idempotency.lease must exceed timeouts.invocation"))
		}
		if c.Idempotency.Lease > c.Timeouts.Invocation+MaxLeaseSlack {
			errs = append(errs, fmt.Errorf("idempotency.lease must not exceed timeouts.invocation by more than %s", MaxLeaseSlack))
		}
	}
	if c.Remediation.MaxAttempts < 1 {
		errs = append(errs, errors.New("remediation.max_attempts must be at least 1"))
	}
	if c.Timeouts.NotifyReserve < 0 || c.Timeouts.NotifyReserve >= c.Timeouts.Invocation {
		errs = append(errs, errors.New("timeouts.notify_reserve must be non-negative and below timeouts.invocation"))
	}
	if c.Notify.Kafka.Active() && c.Notify.Kafka.Topic == "" {
		errs = append(errs, errors.New("notify.kafka.topic is required when kafka brokers are set"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}
