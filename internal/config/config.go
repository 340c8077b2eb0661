package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/perch-be/internal/worker/gateway"
	"github.com/cuongbtq/perch-be/shared/logger"
	"github.com/cuongbtq/perch-be/shared/postgresql"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
	"github.com/cuongbtq/perch-be/shared/redis"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Payment  PaymentConfig  `yaml:"payment"`
	Logging  LoggingConfig  `yaml:"logging"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds the broker URI and the queue policies
type RabbitMQConfig struct {
	URI        string                  `yaml:"uri"`
	Connection ConnectionConfig        `yaml:"connection"`
	Defaults   PolicyConfig            `yaml:"defaults"`
	Queues     map[string]PolicyConfig `yaml:"queues"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// PolicyConfig overrides parts of a queue policy. Unset fields keep the
// value they inherit.
type PolicyConfig struct {
	Durable            *bool          `yaml:"durable"`
	PersistentMessages *bool          `yaml:"persistent_messages"`
	PrefetchCount      *int           `yaml:"prefetch_count"`
	MaxRetries         *int           `yaml:"max_retries"`
	RetryDelay         *time.Duration `yaml:"retry_delay"`
	DeadLetterTTL      *time.Duration `yaml:"dead_letter_ttl"`
	HandlerTimeout     *time.Duration `yaml:"handler_timeout"`
}

// RedisConfig holds the unread-count cache connection
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// PaymentConfig holds the payment gateway settings
type PaymentConfig struct {
	BaseURL   string        `yaml:"base_url"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// WorkerConfig holds queue consumer settings
type WorkerConfig struct {
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and parses it
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks the sections both services need
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.URI == "" {
		return fmt.Errorf("rabbitmq uri is required")
	}

	if !strings.HasPrefix(c.RabbitMQ.URI, "amqp://") && !strings.HasPrefix(c.RabbitMQ.URI, "amqps://") {
		return fmt.Errorf("invalid rabbitmq uri: must start with amqp:// or amqps://")
	}

	for name := range c.RabbitMQ.Queues {
		if err := c.QueueConfig(name).Validate(); err != nil {
			return fmt.Errorf("invalid policy for queue %s: %w", name, err)
		}
	}
	if err := c.QueueConfig("default").Policy.Validate(); err != nil {
		return fmt.Errorf("invalid default queue policy: %w", err)
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %s (must be json or console)", c.Logging.Format)
	}

	return nil
}

// ValidateAPIConfig checks the configuration of the api service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret is required")
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the configuration of the worker service
func (c *Config) ValidateWorkerConfig() error {
	if c.Payment.SecretKey == "" {
		return fmt.Errorf("payment secret_key is required")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.HandlerTimeout < 0 {
		return fmt.Errorf("worker handler_timeout must not be negative")
	}

	return c.Validate()
}

// BrokerConfig returns the rabbitmq client configuration
func (c *Config) BrokerConfig() rabbitmq.Config {
	return rabbitmq.Config{
		URI:               c.RabbitMQ.URI,
		RetryAttempts:     c.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:     c.RabbitMQ.Connection.RetryInterval,
		Heartbeat:         c.RabbitMQ.Connection.Heartbeat,
		ConnectionTimeout: c.RabbitMQ.Connection.ConnectionTimeout,
		ReconnectDelay:    c.RabbitMQ.Connection.ReconnectDelay,
	}
}

// QueueConfig returns the topology of queue name. The policy starts from the
// built-in defaults, then the worker handler timeout, then rabbitmq.defaults,
// then the queue's own overrides.
func (c *Config) QueueConfig(name string) rabbitmq.QueueConfig {
	policy := rabbitmq.DefaultPolicy()
	if c.Worker.HandlerTimeout > 0 {
		policy.HandlerTimeout = c.Worker.HandlerTimeout
	}
	policy = c.RabbitMQ.Defaults.apply(policy)
	if override, ok := c.RabbitMQ.Queues[name]; ok {
		policy = override.apply(policy)
	}
	return rabbitmq.NewQueueConfig(name, policy)
}

func (p PolicyConfig) apply(base rabbitmq.Policy) rabbitmq.Policy {
	if p.Durable != nil {
		base.Durable = *p.Durable
	}
	if p.PersistentMessages != nil {
		base.PersistentMessages = *p.PersistentMessages
	}
	if p.PrefetchCount != nil {
		base.PrefetchCount = *p.PrefetchCount
	}
	if p.MaxRetries != nil {
		base.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		base.RetryDelay = *p.RetryDelay
	}
	if p.DeadLetterTTL != nil {
		base.DeadLetterTTL = *p.DeadLetterTTL
	}
	if p.HandlerTimeout != nil {
		base.HandlerTimeout = *p.HandlerTimeout
	}
	return base
}

// PostgresConfig returns the database client configuration
func (c *Config) PostgresConfig() *postgresql.Config {
	return &postgresql.Config{
		Host:            c.Database.Host,
		Port:            c.Database.Port,
		User:            c.Database.User,
		Password:        c.Database.Password,
		Database:        c.Database.Database,
		SSLMode:         c.Database.SSLMode,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// RedisClientConfig returns the redis client configuration
func (c *Config) RedisClientConfig() *redis.Config {
	return &redis.Config{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	}
}

// LoggerConfig returns the logger configuration
func (c *Config) LoggerConfig() *logger.Config {
	return &logger.Config{
		Level:        c.Logging.Level,
		Format:       c.Logging.Format,
		Output:       c.Logging.Output,
		EnableSource: c.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      c.App.Name,
	}
}

// GatewayConfig returns the payment gateway configuration
func (c *Config) GatewayConfig() gateway.Config {
	return gateway.Config{
		BaseURL:   c.Payment.BaseURL,
		SecretKey: c.Payment.SecretKey,
		Timeout:   c.Payment.Timeout,
	}
}
