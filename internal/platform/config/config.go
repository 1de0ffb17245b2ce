package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "auditvault/pkg/platform/strings"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Server    Server
	Database  Database
	Redis     RedisConfig
	Kafka     Kafka
	MinIO     MinIO
	Integrity Integrity
	Query     Query
	Archive   Archive
	Queue     Queue
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	AdminToken    string
}

// Database selects the Postgres driver and connection. An empty URL runs the
// engine on the in-memory store.
type Database struct {
	URL        string
	ReplicaURL string
	Driver     string
	MaxOpen    int
}

// RedisConfig configures the optional shared failure window.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the flagged-event stream. No brokers disables it.
type Kafka struct {
	Brokers   []string
	FlagTopic string
}

// MinIO configures the export object sink. An empty endpoint disables it.
type MinIO struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Integrity holds the checksum salt. Never log this struct directly.
type Integrity struct {
	Salt      string
	Algorithm string
}

type Query struct {
	Timeout time.Duration
}

type Archive struct {
	AfterDays      int
	Interval       time.Duration
	RetentionYears int
	BatchSize      int
}

type Queue struct {
	Size       int
	Workers    int
	Policy     string
	MaxRetries int
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []string
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	cfg := Config{
		Server: Server{
			Addr:          envString("AUDIT_ADDR", ":8080"),
			JWTSigningKey: os.Getenv("AUDIT_JWT_SIGNING_KEY"),
			JWTIssuer:     envString("AUDIT_JWT_ISSUER", "auditvault"),
			AdminToken:    os.Getenv("AUDIT_ADMIN_TOKEN"),
		},
		Database: Database{
			URL:        os.Getenv("DATABASE_URL"),
			ReplicaURL: os.Getenv("DATABASE_REPLICA_URL"),
			Driver:     envString("DATABASE_DRIVER", "pgx"),
			MaxOpen:    intVar("DATABASE_MAX_OPEN_CONNS", 20),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     intVar("REDIS_POOL_SIZE", 10),
			MinIdleConns: intVar("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  durVar("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  durVar("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: durVar("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:   pstrings.SplitList(os.Getenv("KAFKA_BROKERS")),
			FlagTopic: envString("AUDIT_FLAG_TOPIC", "audit.flagged"),
		},
		MinIO: MinIO{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envString("MINIO_BUCKET", "audit-exports"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		},
		Integrity: Integrity{
			Salt:      os.Getenv("AUDIT_INTEGRITY_SALT"),
			Algorithm: envString("AUDIT_INTEGRITY_ALGORITHM", "sha256"),
		},
		Query: Query{
			Timeout: durVar("AUDIT_QUERY_TIMEOUT", 10*time.Second),
		},
		Archive: Archive{
			AfterDays:      intVar("AUDIT_ARCHIVE_AFTER_DAYS", 365),
			Interval:       durVar("AUDIT_ARCHIVE_INTERVAL", 24*time.Hour),
			RetentionYears: intVar("AUDIT_RETENTION_YEARS", 7),
			BatchSize:      intVar("AUDIT_ARCHIVE_BATCH_SIZE", 500),
		},
		Queue: Queue{
			Size:       intVar("AUDIT_QUEUE_SIZE", 0),
			Workers:    intVar("AUDIT_QUEUE_WORKERS", 4),
			Policy:     envString("AUDIT_QUEUE_POLICY", "block"),
			MaxRetries: intVar("AUDIT_QUEUE_MAX_RETRIES", 5),
		},
	}

	if cfg.Integrity.Salt == "" {
		errs = append(errs, "AUDIT_INTEGRITY_SALT is required")
	}
	if cfg.Server.JWTSigningKey == "" {
		errs = append(errs, "AUDIT_JWT_SIGNING_KEY is required")
	}
	switch cfg.Database.Driver {
	case "pgx", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("DATABASE_DRIVER must be pgx or postgres, got %q", cfg.Database.Driver))
	}
	switch cfg.Queue.Policy {
	case "block", "reject":
	default:
		errs = append(errs, fmt.Sprintf("AUDIT_QUEUE_POLICY must be block or reject, got %q", cfg.Queue.Policy))
	}
	if cfg.Archive.AfterDays < 1 || cfg.Archive.AfterDays > 36500 {
		errs = append(errs, "AUDIT_ARCHIVE_AFTER_DAYS must be between 1 and 36500")
	}
	if cfg.Archive.RetentionYears < 7 {
		errs = append(errs, "AUDIT_RETENTION_YEARS must be at least 7")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%s must be a positive duration", key)
	}
	return d, nil
}
