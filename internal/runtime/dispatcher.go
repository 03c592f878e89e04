package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type ServiceCtx struct {
	deps              *Dependencies
	dependencyOptions []DependencyOption

	shutdownChannel chan os.Signal

	serverCtx      context.Context
	serverStopFunc context.CancelFunc

	serverReady chan struct{}
	workers     sync.WaitGroup
}

func New(opt ...ServiceOption) *ServiceCtx {
	sCtx := &ServiceCtx{
		shutdownChannel: make(chan os.Signal, 1),
	}

	for i := range opt {
		opt[i](sCtx)
	}

	return sCtx
}

func (c *ServiceCtx) Run() {
	c.build()
	c.startService()
	c.shutdownHook()
	c.shutdown()
}

// build initializes the service components
func (c *ServiceCtx) build() {
	c.serverCtx, c.serverStopFunc = context.WithCancel(context.Background())

	opts := append([]DependencyOption{
		WithQueueObservation(),
		WithRelay(),
		WithMetricsServer(),
	}, c.dependencyOptions...)

	deps, err := initializeDependencies(c.serverCtx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	c.deps = deps
}

// startService creates the input queue, then starts the relay and the
// metrics server.
func (c *ServiceCtx) startService() {
	if err := c.deps.Transport.Initialize(c.serverCtx); err != nil {
		c.deps.logger.Fatal().Err(err).Msg("unable to initialize transport")
	}

	c.deps.logger.Info().
		Str("input_queue", c.deps.Transport.Address()).
		Str("backend", c.deps.cfg.Transport.Backend).
		Msg("transport ready")

	if relay := c.deps.Workers.Relay; relay != nil {
		c.workers.Go(func() {
			relay.Run(c.serverCtx)
		})
	}

	if server := c.deps.Infra.MetricsServer; server != nil {
		go func() {
			c.deps.logger.Info().Str("address", server.Addr).Msg("metrics server starting up")

			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.deps.logger.Error().Err(err).Msg("unable to start metrics server")
				c.serverStopFunc()
			}
		}()
	}

	if c.serverReady != nil {
		c.serverReady <- struct{}{}
	}
}

func (c *ServiceCtx) shutdownHook() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
}

func (c *ServiceCtx) shutdown() {
	// Waits for one of the following shutdown conditions to happen.
	select {
	case <-c.serverCtx.Done():
	case <-c.shutdownChannel:
		defer close(c.shutdownChannel)
	}

	c.deps.logger.Info().Msg("received shutdown signal")

	// Cancel context that underlying processes would start cleanup.
	c.serverStopFunc()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.deps.cfg.MetricsServer.ShutdownTimeout)
	defer cancel()

	go func() {
		<-shutdownCtx.Done()

		if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
			c.deps.logger.Error().Msg("graceful shutdown timed out.. forcing exit.")
			os.Exit(1)
		}
	}()

	c.cleanup(shutdownCtx)

	c.deps.logger.Info().Msg("service shutdown completed")
}

// WaitForServer blocks until the transport is initialized and the workers
// are running. Instantiate the service with WithWaitingForServer to use it.
//
// Example:
//
//	srv := runtime.New(WithWaitingForServer())
//	go func() {
//		srv.Run()
//	}()
//
//	srv.WaitForServer()
func (c *ServiceCtx) WaitForServer() {
	if c.serverReady != nil {
		<-c.serverReady
		close(c.serverReady)
	}
}

func (c *ServiceCtx) cleanup(shutdownCtx context.Context) {
	c.deps.logger.Info().Msg("cleaning up resources...")

	if server := c.deps.Infra.MetricsServer; server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			c.deps.logger.Error().Err(err).Msg("unable to gracefully shutdown metrics server")
		}
	}

	// The relay owns a unit of work until its current receive returns.
	c.workers.Wait()

	if err := c.deps.Close(shutdownCtx); err != nil {
		c.deps.logger.Error().Err(err).Msg("failed to release dependencies")
	}

	c.deps.logger.Info().Msg("cleanup completed")
}
