package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/vault/api"
	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/architeacher/txtransport/internal/config"
	"github.com/architeacher/txtransport/internal/infrastructure"
	"github.com/architeacher/txtransport/internal/ports"
	"github.com/architeacher/txtransport/pkg/transport"
	"github.com/architeacher/txtransport/pkg/transport/native"
)

type (
	InfrastructureDeps struct {
		MetricsServer       *http.Server
		SecretStorageClient *api.Client
		StorageClient       *sqlx.DB
		CacheClient         goredis.UniversalClient
		Subsystem           native.Subsystem
		Metrics             infrastructure.Metrics
	}

	Repos struct {
		SecretStorageRepo ports.SecretsRepository
	}

	Workers struct {
		Relay *Relay
	}

	Dependencies struct {
		Transport *transport.Transport
		Workers   Workers

		cfg          *config.ServiceConfig
		configLoader *config.Loader

		logger infrastructure.Logger

		Infra InfrastructureDeps
		Repos Repos

		tracerProvider     trace.TracerProvider
		tracerShutdownFunc infrastructure.TracerShutdownFunc
		secretVersion      uint
	}
)

func initializeDependencies(ctx context.Context, opts ...DependencyOption) (*Dependencies, error) {
	cfg, err := config.Init()
	if err != nil {
		return nil, fmt.Errorf("unable to load service configuration: %w", err)
	}

	return newDependencies(ctx, cfg, infrastructure.New(cfg.Logging), opts...)
}

func newDependencies(
	ctx context.Context,
	cfg *config.ServiceConfig,
	appLogger infrastructure.Logger,
	opts ...DependencyOption,
) (*Dependencies, error) {
	appLogger.Info().Str("backend", cfg.Transport.Backend).Msg("initializing dependencies...")

	deps := &Dependencies{
		cfg:    cfg,
		logger: appLogger,
	}

	// Start with default options and append any additional options.
	options := append(defaultOptions(ctx), opts...)

	for _, opt := range options {
		if err := opt(deps); err != nil {
			if closeErr := deps.Close(ctx); closeErr != nil {
				deps.logger.Error().Err(closeErr).Msg("failed to release partially initialized dependencies")
			}

			return nil, fmt.Errorf("failed to apply dependency option: %w", err)
		}
	}

	deps.logger.Info().Msg("dependencies initialized successfully")

	return deps, nil
}

// Close releases everything the options acquired, in reverse order of
// acquisition.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error

	if d.Transport != nil {
		if err := d.Transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
		}
	}

	if closer, ok := d.Infra.Subsystem.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue subsystem: %w", err))
		}
	}

	if d.Infra.CacheClient != nil {
		if err := d.Infra.CacheClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache connection: %w", err))
		}
	}

	if d.Infra.StorageClient != nil {
		if err := d.Infra.StorageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database connection: %w", err))
		}
	}

	if d.Infra.Metrics != nil {
		if err := d.Infra.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if d.tracerShutdownFunc != nil {
		if err := d.tracerShutdownFunc(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
