package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/baseline"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/config"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/engine"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/logging"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/metrics"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/notify"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/policy"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/providers/aws/securitygroup"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/remediate"
)

// app is the fully wired process: one engine over the configured AWS
// profile, idempotency store and notification channels.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	profile  *common.ProfileConfig
	store    idempotency.Store
	guard    *idempotency.Guard
	registry *prometheus.Registry
	loader   *baseline.Loader
	groups   *securitygroup.Client
	notifier *notify.Notifier
	engine   *engine.Engine
	policy   *policy.PolicyConfig

	closers []func() error
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

// newApp wires every component from cfg. The caller must Close the app.
func newApp(ctx context.Context, cfg *config.Config, provider common.AWSClientProvider, logger *zap.Logger) (*app, error) {
	profile, err := provider.LoadProfile(ctx, cfg.Profile, cfg.Region)
	if err != nil {
		return nil, err
	}
	pol, err := loadPolicy(cfg.Policy.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, profile: profile, policy: pol}

	store, err := openStore(ctx, cfg.Idempotency, profile.Clients)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	a.guard = idempotency.NewGuard(store, cfg.Idempotency.Retention, cfg.Idempotency.Lease,
		idempotency.WithLogger(logger.Named("idempotency")))

	retryPolicy := cfg.Remediation.RetryPolicy()
	a.loader = baseline.NewLoader(profile.Clients.S3, cfg.Baseline.Bucket, cfg.Baseline.Key).WithRetryPolicy(retryPolicy)
	a.groups = securitygroup.NewClient(profile.Clients.EC2,
		securitygroup.WithRetryPolicy(retryPolicy),
		securitygroup.WithLogger(logger.Named("ec2")))
	remediator := remediate.New(a.groups,
		remediate.WithRetryPolicy(retryPolicy),
		remediate.WithLogger(logger.Named("remediate")))

	channels, closeChannels := buildChannels(cfg.Notify, profile.Clients)
	a.closers = append(a.closers, closeChannels...)
	a.notifier = notify.New(logger.Named("notify"), channels...)
	if len(channels) == 0 {
		logger.Warn("no notification channel configured; drift will only be logged")
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.engine = engine.New(cfg.ObjectID, engine.Dependencies{
		Baseline:   a.loader,
		Fetcher:    a.groups,
		Remediator: remediator,
		Notifier:   a.notifier,
		Guard:      a.guard,
	},
		engine.WithLogger(logger),
		engine.WithMetrics(metrics.New(a.registry)),
		engine.WithTimeouts(cfg.Timeouts.Invocation, cfg.Timeouts.NotifyReserve),
		engine.WithFaultNotifications(cfg.Notify.OnFault),
		engine.WithPolicy(pol),
	)
	return a, nil
}

// loadPolicy reads and validates the severity policy at path. No path
// means no policy.
func loadPolicy(path string) (*policy.PolicyConfig, error) {
	if path == "" {
		return nil, nil
	}
	pol, err := policy.LoadPolicy(path)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if errs := policy.Validate(pol); len(errs) > 0 {
		return nil, fmt.Errorf("invalid policy %s: %w", path, errors.Join(errs...))
	}
	return pol, nil
}

// Close releases the store and channel connections.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore opens the idempotency backend named by cfg.Backend.
func openStore(ctx context.Context, cfg config.IdempotencyConfig, clients *common.ClientSet) (idempotency.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return idempotency.NewMemoryStore(), nil
	case config.BackendDynamoDB:
		return idempotency.NewDynamoStore(clients.DynamoDB, cfg.Table), nil
	case config.BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		return idempotency.NewRedisStore(client), nil
	case config.BackendEtcd:
		return idempotency.DialEtcd(cfg.EtcdEndpoints)
	case config.BackendPostgres:
		return idempotency.OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}

// buildChannels returns the active channels in delivery order and the
// closers of those holding connections.
func buildChannels(cfg config.NotifyConfig, clients *common.ClientSet) ([]notify.Channel, []func() error) {
	var (
		channels []notify.Channel
		closers  []func() error
	)
	if cfg.SNS.Active() {
		channels = append(channels, notify.NewSNSChannel(clients.SNS, cfg.SNS.TopicARN))
	}
	if cfg.Slack.Active() {
		var source notify.WebhookSource = notify.StaticWebhook(cfg.Slack.WebhookURL)
		if cfg.Slack.WebhookURL == "" {
			source = notify.NewSSMWebhook(clients.SSM, cfg.Slack.WebhookParameter, cfg.Slack.CacheTTL)
		}
		channels = append(channels, notify.NewSlackChannel(source, cfg.Slack.Timeout))
	}
	if cfg.Kafka.Active() {
		k := notify.NewKafkaChannel(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		channels = append(channels, k)
		closers = append(closers, k.Close)
	}
	return channels, closers
}
