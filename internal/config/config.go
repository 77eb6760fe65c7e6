package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/brightloop/taskqueue-go/internal/queueworker"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Queues   map[string]QueueConfig
	Metrics  MetricsConfig
	Auth     AuthConfig
	LogLevel string
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WorkerConfig configures the process hosting one or more QueueWorker
// instances for a queue.
type WorkerConfig struct {
	ID                string
	Concurrency       int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
}

// QueueConfig names one pipeline's task-spec shape plus its serving
// policy. It is the config-file encoding of a taskqueue.TaskSpec: loaded
// once at startup and parsed with taskqueue.ParseTaskSpec so the two
// never drift.
type QueueConfig struct {
	StartState      *string
	InProgressState string
	FinishedState   *string
	ErrorState      string
	TimeoutMs       int
	Retries         int
	RateLimitRPS    int
	RetryBackoff    RetryBackoffConfig
}

// RetryBackoffConfig governs the optional delay before a rejected task
// becomes eligible again, applied on top of TaskWorker.RejectWith's
// ordinary immediate-retry behavior.
type RetryBackoffConfig struct {
	Enabled       bool
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// AsTaskSpecMap renders q into the raw shape taskqueue.ParseTaskSpec
// expects, so a config-driven spec goes through the same validation as
// any other raw spec.
func (q QueueConfig) AsTaskSpecMap() map[string]interface{} {
	m := map[string]interface{}{
		"inProgressState": q.InProgressState,
	}
	if q.StartState != nil {
		m["startState"] = *q.StartState
	}
	if q.FinishedState != nil {
		m["finishedState"] = *q.FinishedState
	}
	if q.ErrorState != "" {
		m["errorState"] = q.ErrorState
	}
	if q.TimeoutMs > 0 {
		m["timeout"] = q.TimeoutMs
	}
	if q.Retries > 0 {
		m["retries"] = q.Retries
	}
	return m
}

// AsQueueWorkerBackoff returns nil when backoff is disabled, and a
// queueworker.RetryBackoffConfig built from its fields otherwise.
func (c RetryBackoffConfig) AsQueueWorkerBackoff() *queueworker.RetryBackoffConfig {
	if !c.Enabled {
		return nil
	}
	return &queueworker.RetryBackoffConfig{
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
		JitterFactor:  c.JitterFactor,
	}
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/taskqueue")

	setDefaults()

	viper.SetEnvPrefix("TASKQUEUE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	for name, q := range cfg.Queues {
		if q.InProgressState == "" {
			return nil, fmt.Errorf("queue %q: inProgressState is required", name)
		}
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.heartbeatinterval", 5*time.Second)
	viper.SetDefault("worker.heartbeattimeout", 15*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	viper.SetDefault("loglevel", "info")
}
