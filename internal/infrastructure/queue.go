package infrastructure

import (
	"github.com/sony/gobreaker"

	"github.com/architeacher/txtransport/internal/config"
	"github.com/architeacher/txtransport/pkg/transport/native/rabbitmq"
)

func RabbitMQConfig(cfg config.QueueConfig) rabbitmq.Config {
	return rabbitmq.Config{
		Scheme:   cfg.Scheme,
		Username: cfg.Username,
		Password: cfg.Password,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Vhost:    cfg.VirtualHost,
	}
}

// CircuitBreakerSettings trips the breaker after the configured number of
// consecutive dial failures. The subsystem installs its own state change hook.
func CircuitBreakerSettings(name string, cfg config.CircuitBreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}
}
