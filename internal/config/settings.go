package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

// Compile time variables are set by -ldflags.
var (
	ServiceVersion string
	CommitSHA      string
)

// Backends selectable through TRANSPORT_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRabbitMQ = "rabbitmq"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type (
	ServiceConfig struct {
		AppConfig      AppConfig            `json:"app_config"`
		Logging        LoggingConfig        `json:"logging"`
		Telemetry      Telemetry            `json:"telemetry"`
		MetricsServer  MetricsServerConfig  `json:"metrics_server"`
		SecretStorage  SecretStorageConfig  `json:"secret_storage"`
		Transport      TransportConfig      `json:"transport"`
		Queue          QueueConfig          `json:"queue"`
		Storage        StorageConfig        `json:"storage"`
		Cache          CacheConfig          `json:"cache"`
		Backoff        BackoffConfig        `json:"backoff"`
		CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	}

	AppConfig struct {
		ServiceName    string `envconfig:"APP_SERVICE_NAME" default:"txtransport" json:"service_name"`
		ServiceVersion string `envconfig:"APP_SERVICE_VERSION" default:"0.0.0" json:"service_version"`
		CommitSHA      string `envconfig:"APP_COMMIT_SHA" default:"unknown" json:"commit_sha"`
		Env            string `envconfig:"APP_ENVIRONMENT" default:"unknown" json:"env"`
	}

	LoggingConfig struct {
		Level  string `envconfig:"LOGGING_LEVEL" default:"info" json:"level"`
		Format string `envconfig:"LOGGING_FORMAT" default:"json" json:"format"`
	}

	Telemetry struct {
		ExporterType string `envconfig:"OTEL_EXPORTER" default:"grpc" json:"exporter_type"`

		OtelGRPCHost       string `envconfig:"OTEL_HOST" json:"otel_grpc_host"`
		OtelGRPCPort       string `envconfig:"OTEL_PORT" default:"4317" json:"otel_grpc_port"`
		OtelProductCluster string `envconfig:"OTEL_PRODUCT_CLUSTER" json:"otel_product_cluster"`

		Metrics Metrics `json:"metrics"`
		Traces  Traces  `json:"traces"`
	}

	Metrics struct {
		Enabled bool `envconfig:"METRICS_ENABLED" default:"false" json:"enabled"`
	}

	Traces struct {
		Enabled      bool    `envconfig:"TRACES_ENABLED" default:"false" json:"enabled"`
		SamplerRatio float64 `envconfig:"TRACES_SAMPLER_RATIO" default:"1" json:"sampler_ratio"`
	}

	MetricsServerConfig struct {
		Enabled         bool          `envconfig:"METRICS_SERVER_ENABLED" default:"true" json:"enabled"`
		Host            string        `envconfig:"METRICS_SERVER_HOST" default:"0.0.0.0" json:"host"`
		Port            uint          `envconfig:"METRICS_SERVER_PORT" default:"9090" json:"port"`
		Path            string        `envconfig:"METRICS_SERVER_PATH" default:"/metrics" json:"path"`
		ReadTimeout     time.Duration `envconfig:"METRICS_SERVER_READ_TIMEOUT" default:"5s" json:"read_timeout"`
		ShutdownTimeout time.Duration `envconfig:"METRICS_SERVER_SHUTDOWN_TIMEOUT" default:"30s" json:"shutdown_timeout"`
	}

	SecretStorageConfig struct {
		Enabled       bool          `envconfig:"VAULT_ENABLED" default:"false" json:"enabled"`
		Address       string        `envconfig:"VAULT_ADDRESS" default:"http://vault:8200" json:"address"`
		Token         string        `envconfig:"VAULT_TOKEN" default:"" json:"token,omitempty"`
		RoleID        string        `envconfig:"VAULT_ROLE_ID" default:"" json:"role_id,omitempty"`
		SecretID      string        `envconfig:"VAULT_SECRET_ID" default:"" json:"secret_id,omitempty"`
		AuthMethod    string        `envconfig:"VAULT_AUTH_METHOD" default:"token" json:"auth_method"`
		MountPath     string        `envconfig:"VAULT_MOUNT_PATH" default:"txtransport" json:"mount_path"`
		Namespace     string        `envconfig:"VAULT_NAMESPACE" default:"" json:"namespace,omitempty"`
		Timeout       time.Duration `envconfig:"VAULT_TIMEOUT" default:"30s" json:"timeout"`
		MaxRetries    int           `envconfig:"VAULT_MAX_RETRIES" default:"3" json:"max_retries"`
		TLSSkipVerify bool          `envconfig:"VAULT_TLS_SKIP_VERIFY" default:"false" json:"tls_skip_verify"`
	}

	TransportConfig struct {
		Backend        string        `envconfig:"TRANSPORT_BACKEND" default:"memory" json:"backend"`
		InputQueue     string        `envconfig:"TRANSPORT_INPUT_QUEUE" default:"" json:"input_queue"`
		Hostname       string        `envconfig:"TRANSPORT_HOSTNAME" default:"" json:"hostname"`
		ReceiveTimeout time.Duration `envconfig:"TRANSPORT_RECEIVE_TIMEOUT" default:"500ms" json:"receive_timeout"`
		HeaderCodec    string        `envconfig:"TRANSPORT_HEADER_CODEC" default:"json" json:"header_codec"`
		PollInterval   time.Duration `envconfig:"TRANSPORT_POLL_INTERVAL" default:"50ms" json:"poll_interval"`
		AdminGroup     string        `envconfig:"TRANSPORT_ADMIN_GROUP" default:"" json:"admin_group"`
		ForwardQueue   string        `envconfig:"TRANSPORT_FORWARD_QUEUE" default:"" json:"forward_queue"`
	}

	QueueConfig struct {
		Scheme         string        `envconfig:"RABBITMQ_SCHEME" default:"amqp" json:"scheme"`
		Host           string        `envconfig:"RABBITMQ_HOST" default:"rabbitmq" json:"host"`
		Port           int           `envconfig:"RABBITMQ_PORT" default:"5672" json:"port"`
		Username       string        `envconfig:"RABBITMQ_USERNAME" default:"guest" json:"username"`
		Password       string        `envconfig:"RABBITMQ_PASSWORD" default:"guest" json:"password,omitempty"`
		VirtualHost    string        `envconfig:"RABBITMQ_VIRTUAL_HOST" default:"/" json:"virtual_host"`
		DialAttempts   int           `envconfig:"RABBITMQ_DIAL_ATTEMPTS" default:"5" json:"dial_attempts"`
		ConnectTimeout time.Duration `envconfig:"RABBITMQ_CONNECT_TIMEOUT" default:"10s" json:"connect_timeout"`
	}

	StorageConfig struct {
		Host            string        `envconfig:"POSTGRES_HOST" default:"postgres" json:"host"`
		Port            int           `envconfig:"POSTGRES_PORT" default:"5432" json:"port"`
		Database        string        `envconfig:"POSTGRES_DATABASE" default:"txtransport" json:"database"`
		Username        string        `envconfig:"POSTGRES_USERNAME" default:"postgres" json:"username"`
		Password        string        `envconfig:"POSTGRES_PASSWORD" default:"" json:"password,omitempty"`
		SSLMode         string        `envconfig:"POSTGRES_SSL_MODE" default:"disable" json:"ssl_mode"`
		MaxOpenConns    int           `envconfig:"POSTGRES_MAX_OPEN_CONNS" default:"25" json:"max_open_conns"`
		MaxIdleConns    int           `envconfig:"POSTGRES_MAX_IDLE_CONNS" default:"5" json:"max_idle_conns"`
		ConnMaxLifetime time.Duration `envconfig:"POSTGRES_CONN_MAX_LIFETIME" default:"5m" json:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `envconfig:"POSTGRES_CONN_MAX_IDLE_TIME" default:"5m" json:"conn_max_idle_time"`
		ConnectTimeout  time.Duration `envconfig:"POSTGRES_CONNECT_TIMEOUT" default:"10s" json:"connect_timeout"`
	}

	CacheConfig struct {
		Addr         string        `envconfig:"KEYDB_ADDR" default:"keydb:6379" json:"addr"`
		Password     string        `envconfig:"KEYDB_PASSWORD" default:"" json:"password,omitempty"`
		DB           int           `envconfig:"KEYDB_DB" default:"0" json:"db"`
		KeyPrefix    string        `envconfig:"KEYDB_KEY_PREFIX" default:"txtransport:" json:"key_prefix"`
		PoolSize     int           `envconfig:"KEYDB_POOL_SIZE" default:"10" json:"pool_size"`
		MinIdleConns int           `envconfig:"KEYDB_MIN_IDLE_CONNS" default:"3" json:"min_idle_conns"`
		DialTimeout  time.Duration `envconfig:"KEYDB_DIAL_TIMEOUT" default:"5s" json:"dial_timeout"`
		ReadTimeout  time.Duration `envconfig:"KEYDB_READ_TIMEOUT" default:"3s" json:"read_timeout"`
		WriteTimeout time.Duration `envconfig:"KEYDB_WRITE_TIMEOUT" default:"3s" json:"write_timeout"`
		MaxRetries   int           `envconfig:"KEYDB_MAX_RETRIES" default:"3" json:"max_retries"`
	}

	BackoffConfig struct {
		// BaseDelay is the amount of time to backoff after the first failure.
		BaseDelay time.Duration `envconfig:"BACKOFF_BASE_DELAY" default:"1s" json:"base_delay"`
		// Multiplier is the factor with which to multiply backoffs after a
		// failed retry. Should ideally be greater than 1.
		Multiplier float64 `envconfig:"BACKOFF_MULTIPLIER" default:"1.6" json:"multiplier"`
		// Jitter is the factor with which backoffs are randomized.
		Jitter float64 `envconfig:"BACKOFF_JITTER" default:"0.2" json:"jitter"`
		// MaxDelay is the upper bound of backoff delay.
		MaxDelay time.Duration `envconfig:"BACKOFF_MAX_DELAY" default:"10s" json:"max_delay"`
	}

	CircuitBreakerConfig struct {
		MaxRequests         uint32        `envconfig:"CIRCUIT_BREAKER_MAX_REQUESTS" default:"1" json:"max_requests"`
		Interval            time.Duration `envconfig:"CIRCUIT_BREAKER_INTERVAL" default:"0s" json:"interval"`
		Timeout             time.Duration `envconfig:"CIRCUIT_BREAKER_TIMEOUT" default:"30s" json:"timeout"`
		ConsecutiveFailures uint32        `envconfig:"CIRCUIT_BREAKER_CONSECUTIVE_FAILURES" default:"10" json:"consecutive_failures"`
	}
)

// DSN renders the lib/pq connection URL.
func (c StorageConfig) DSN() string {
	query := url.Values{}
	query.Set("sslmode", c.SSLMode)

	if c.ConnectTimeout > 0 {
		query.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout.Seconds())))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: query.Encode(),
	}

	return u.String()
}
