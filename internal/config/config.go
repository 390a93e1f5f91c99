// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Policies applied when an auto-approvable step is decided without a
// confidence score.
const (
	MissingConfidenceRequireHuman = "require_human"
	MissingConfidenceBlock        = "block"
)

// Config is the root configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Store    StoreConfig
	NATS     NATSConfig
	Audit    AuditConfig
	Bus      BusConfig
	Workflow WorkflowConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimitRPS    float64
	RateLimitBurst  int
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

type StoreConfig struct {
	Driver string // postgres | memory
}

type NATSConfig struct {
	Enabled             bool
	URL                 string
	IngressSubject      string // domain events arrive on <IngressSubject>.<topic>
	NotifySubjectPrefix string // produced events leave on <NotifySubjectPrefix>.<topic>
}

type AuditConfig struct {
	RetentionYears int
	MaxRetries     uint64
	RetryBaseDelay time.Duration
	DeadLetterPath string
	ReplaySchedule string // cron spec; empty disables
	PurgeSchedule  string // cron spec; empty disables
}

type BusConfig struct {
	MaxConcurrentHandlers int64
	DrainTimeout          time.Duration
}

type WorkflowConfig struct {
	MatrixFile              string
	MissingConfidencePolicy string
}

// Load reads the configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-p2p-coordinator"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:    getEnvFloat("RATE_LIMIT_RPS", 50),
			RateLimitBurst:  getEnvInt("RATE_LIMIT_BURST", 100),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "p2p"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		},
		NATS: NATSConfig{
			Enabled:             getEnvBool("NATS_ENABLED", false),
			URL:                 getEnv("NATS_URL", "nats://localhost:4222"),
			IngressSubject:      getEnv("NATS_INGRESS_SUBJECT", "p2p.events"),
			NotifySubjectPrefix: getEnv("NATS_NOTIFY_PREFIX", "notifications.p2p"),
		},
		Audit: AuditConfig{
			RetentionYears: getEnvInt("AUDIT_RETENTION_YEARS", 7),
			MaxRetries:     uint64(getEnvInt("AUDIT_MAX_RETRIES", 5)),
			RetryBaseDelay: getEnvDuration("AUDIT_RETRY_BASE_DELAY", 100*time.Millisecond),
			DeadLetterPath: getEnv("AUDIT_DEAD_LETTER_PATH", "audit-dead-letter.jsonl"),
			ReplaySchedule: getEnv("AUDIT_REPLAY_SCHEDULE", "@every 5m"),
			PurgeSchedule:  getEnv("AUDIT_PURGE_SCHEDULE", "@daily"),
		},
		Bus: BusConfig{
			MaxConcurrentHandlers: int64(getEnvInt("BUS_MAX_CONCURRENT_HANDLERS", 32)),
			DrainTimeout:          getEnvDuration("BUS_DRAIN_TIMEOUT", 10*time.Second),
		},
		Workflow: WorkflowConfig{
			MatrixFile:              getEnv("APPROVAL_MATRIX_FILE", ""),
			MissingConfidencePolicy: strings.ToLower(getEnv("AUTO_APPROVE_MISSING_SCORE_POLICY", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.Store.Driver)
	}

	switch c.Workflow.MissingConfidencePolicy {
	case MissingConfidenceRequireHuman, MissingConfidenceBlock:
	case "":
		return fmt.Errorf("AUTO_APPROVE_MISSING_SCORE_POLICY must be set to %q or %q",
			MissingConfidenceRequireHuman, MissingConfidenceBlock)
	default:
		return fmt.Errorf("AUTO_APPROVE_MISSING_SCORE_POLICY: unknown policy %q", c.Workflow.MissingConfidencePolicy)
	}

	if c.Audit.RetentionYears < 1 {
		return fmt.Errorf("AUDIT_RETENTION_YEARS must be at least 1")
	}
	if c.Bus.MaxConcurrentHandlers < 1 {
		return fmt.Errorf("BUS_MAX_CONCURRENT_HANDLERS must be at least 1")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("NATS_URL is required when NATS_ENABLED is true")
	}
	return nil
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// IsProduction reports whether the service runs in production mode.
func (s ServiceConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
