package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/architeacher/txtransport/internal/config"
	"github.com/architeacher/txtransport/internal/infrastructure"
	"github.com/architeacher/txtransport/internal/shared/backoff"
	"github.com/architeacher/txtransport/pkg/transport"
	"github.com/architeacher/txtransport/pkg/transport/address"
	"github.com/architeacher/txtransport/pkg/transport/native"
	"github.com/architeacher/txtransport/pkg/transport/native/memory"
	"github.com/architeacher/txtransport/pkg/transport/native/postgres"
	"github.com/architeacher/txtransport/pkg/transport/native/rabbitmq"
	"github.com/architeacher/txtransport/pkg/transport/native/redis"
)

type (
	DependencyOption func(*Dependencies) error
)

func defaultOptions(ctx context.Context) []DependencyOption {
	return []DependencyOption{
		WithSecretStorage(),
		WithSecretStorageRepo(),
		WithConfigLoader(ctx),
		WithMetrics(ctx),
		WithTracing(ctx),
		WithSubsystem(ctx),
		WithTransport(),
	}
}

// WithSecretStorage initializes the Vault client using ENV config.
func WithSecretStorage() DependencyOption {
	return func(d *Dependencies) error {
		if !d.cfg.SecretStorage.Enabled {
			return nil
		}

		client, err := infrastructure.NewVaultClient(d.cfg.SecretStorage)
		if err != nil {
			return err
		}

		d.Infra.SecretStorageClient = client

		return nil
	}
}

func WithSecretStorageRepo() DependencyOption {
	return func(d *Dependencies) error {
		if d.Infra.SecretStorageClient == nil {
			return nil
		}

		d.Repos.SecretStorageRepo = infrastructure.NewVaultRepository(d.Infra.SecretStorageClient)

		return nil
	}
}

// WithConfigLoader overlays backend credentials kept in Vault before any
// connection is made.
func WithConfigLoader(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		if !d.cfg.SecretStorage.Enabled {
			d.logger.Info().Msg("secret storage is disabled, skipping vault configuration loading")

			return nil
		}

		d.configLoader = config.NewLoader(d.Repos.SecretStorageRepo)

		version, err := d.configLoader.Load(ctx, d.cfg)
		if err != nil {
			return fmt.Errorf("unable to load service configuration: %w", err)
		}

		d.secretVersion = version

		d.logger.Info().Uint("secret_version", version).Msg("secrets loaded from vault")

		return nil
	}
}

func WithMetrics(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		metrics, err := infrastructure.NewMetrics(ctx, *d.cfg, d.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}

		d.Infra.Metrics = metrics

		return nil
	}
}

func WithTracing(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		if !d.cfg.Telemetry.Traces.Enabled {
			d.tracerProvider, d.tracerShutdownFunc = infrastructure.NoOpTracer()

			return nil
		}

		tracerProvider, tracerShutdownFunc, err := infrastructure.InitGlobalTracer(ctx, *d.cfg)
		if err != nil {
			d.logger.Error().Err(err).Msg("failed to initialize global tracer")

			return err
		}

		d.tracerProvider = tracerProvider
		d.tracerShutdownFunc = tracerShutdownFunc

		return nil
	}
}

// WithSubsystem connects the native queue subsystem selected by
// TRANSPORT_BACKEND.
func WithSubsystem(ctx context.Context) DependencyOption {
	return func(d *Dependencies) error {
		var (
			subsystem native.Subsystem
			err       error
		)

		switch d.cfg.Transport.Backend {
		case config.BackendMemory:
			subsystem = memory.New(memory.WithHostname(d.hostname()))

		case config.BackendRabbitMQ:
			subsystem = d.rabbitMQSubsystem()

		case config.BackendPostgres:
			subsystem, err = d.postgresSubsystem(ctx)

		case config.BackendRedis:
			subsystem, err = d.redisSubsystem(ctx)

		default:
			return fmt.Errorf("unsupported transport backend %q", d.cfg.Transport.Backend)
		}

		if err != nil {
			return fmt.Errorf("failed to initialize %s subsystem: %w", d.cfg.Transport.Backend, err)
		}

		d.Infra.Subsystem = subsystem

		d.logger.Info().Str("backend", d.cfg.Transport.Backend).Msg("queue subsystem ready")

		return nil
	}
}

func (d *Dependencies) rabbitMQSubsystem() native.Subsystem {
	return rabbitmq.New(
		infrastructure.RabbitMQConfig(d.cfg.Queue),
		rabbitmq.WithHostname(d.hostname()),
		rabbitmq.WithLogger(d.transportLogger("rabbitmq")),
		rabbitmq.WithBackoff(backoff.NewExponentialStrategy(d.cfg.Backoff), d.cfg.Queue.DialAttempts),
		rabbitmq.WithPollInterval(d.cfg.Transport.PollInterval),
		rabbitmq.WithCircuitBreaker(infrastructure.CircuitBreakerSettings("rabbitmq-dial", d.cfg.CircuitBreaker)),
	)
}

func (d *Dependencies) postgresSubsystem(ctx context.Context) (native.Subsystem, error) {
	db, err := infrastructure.NewPostgres(ctx, d.cfg.Storage)
	if err != nil {
		return nil, err
	}

	d.Infra.StorageClient = db

	subsystem := postgres.New(db,
		postgres.WithHostname(d.hostname()),
		postgres.WithLogger(d.transportLogger("postgres")),
		postgres.WithPollInterval(d.cfg.Transport.PollInterval),
	)

	if err := subsystem.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	return subsystem, nil
}

func (d *Dependencies) redisSubsystem(ctx context.Context) (native.Subsystem, error) {
	client, err := infrastructure.NewRedisClient(ctx, d.cfg.Cache)
	if err != nil {
		return nil, err
	}

	d.Infra.CacheClient = client

	return redis.New(client,
		redis.WithKeyPrefix(d.cfg.Cache.KeyPrefix),
		redis.WithHostname(d.hostname()),
		redis.WithLogger(d.transportLogger("redis")),
		redis.WithPollInterval(d.cfg.Transport.PollInterval),
	), nil
}

// WithTransport builds the transport over the subsystem: a full transport
// when TRANSPORT_INPUT_QUEUE is set, a one-way client otherwise.
func WithTransport() DependencyOption {
	return func(d *Dependencies) error {
		codec, err := transport.HeaderCodecFor(d.cfg.Transport.HeaderCodec)
		if err != nil {
			return err
		}

		opts := []transport.Option{
			transport.WithLogger(d.transportLogger("transport")),
			transport.WithHeaderCodec(codec),
			transport.WithHostname(d.hostname()),
			transport.WithPrincipals(transport.SystemPrincipals{AdminGroup: d.cfg.Transport.AdminGroup}),
			transport.WithReceiveTimeout(d.cfg.Transport.ReceiveTimeout),
			transport.WithTracerProvider(d.tracerProvider),
			transport.WithMeterProvider(d.Infra.Metrics.MeterProvider()),
		}

		var t *transport.Transport

		if d.cfg.Transport.InputQueue == "" {
			t, err = transport.NewOneWayClient(d.Infra.Subsystem, opts...)
		} else {
			t, err = transport.New(d.Infra.Subsystem, d.cfg.Transport.InputQueue, opts...)
		}

		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}

		d.Transport = t

		return nil
	}
}

// WithQueueObservation publishes the input queue depth. One-way clients have
// nothing to observe.
func WithQueueObservation() DependencyOption {
	return func(d *Dependencies) error {
		if d.Transport.Address() == "" {
			return nil
		}

		if err := d.Infra.Metrics.ObserveQueues(d.Transport.Inspector()); err != nil {
			return fmt.Errorf("failed to observe input queue: %w", err)
		}

		return nil
	}
}

// WithRelay forwards the input queue to TRANSPORT_FORWARD_QUEUE when both are
// configured.
func WithRelay() DependencyOption {
	return func(d *Dependencies) error {
		if d.cfg.Transport.ForwardQueue == "" {
			return nil
		}

		if d.Transport.Address() == "" {
			return fmt.Errorf("forwarding to %s requires an input queue", d.cfg.Transport.ForwardQueue)
		}

		if _, err := address.Parse(d.cfg.Transport.ForwardQueue); err != nil {
			return fmt.Errorf("invalid forward queue: %w", err)
		}

		d.Workers.Relay = NewRelay(
			d.Transport,
			d.cfg.Transport.ForwardQueue,
			backoff.NewExponentialStrategy(d.cfg.Backoff),
			d.logger,
		)

		return nil
	}
}

func WithMetricsServer() DependencyOption {
	return func(d *Dependencies) error {
		cfg := d.cfg.MetricsServer
		if !cfg.Enabled {
			return nil
		}

		mux := http.NewServeMux()
		mux.Handle(cfg.Path, d.Infra.Metrics.Handler())

		d.Infra.MetricsServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.FormatUint(uint64(cfg.Port), 10)),
			Handler:           mux,
			ReadHeaderTimeout: cfg.ReadTimeout,
		}

		return nil
	}
}

func (d *Dependencies) hostname() string {
	if d.cfg.Transport.Hostname != "" {
		return d.cfg.Transport.Hostname
	}

	return address.Hostname()
}

func (d *Dependencies) transportLogger(component string) transport.Logger {
	return transport.NewZerologLogger(d.logger.With().Str("component", component).Logger())
}
