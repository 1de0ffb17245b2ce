package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("AUDIT_INTEGRITY_SALT", "0123456789abcdef")
		t.Setenv("AUDIT_JWT_SIGNING_KEY", "test-signing-key")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, "pgx", cfg.Database.Driver)
		assert.Equal(t, "audit.flagged", cfg.Kafka.FlagTopic)
		assert.Empty(t, cfg.Kafka.Brokers)
		assert.Equal(t, 10*time.Second, cfg.Query.Timeout)
		assert.Equal(t, 365, cfg.Archive.AfterDays)
		assert.Equal(t, 7, cfg.Archive.RetentionYears)
		assert.Equal(t, "block", cfg.Queue.Policy)
		assert.Equal(t, "auditvault", cfg.Server.JWTIssuer)
	})

	t.Run("missing salt is rejected", func(t *testing.T) {
		t.Setenv("AUDIT_INTEGRITY_SALT", "")
		t.Setenv("AUDIT_JWT_SIGNING_KEY", "test-signing-key")

		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AUDIT_INTEGRITY_SALT is required")
	})

	t.Run("missing signing key is rejected", func(t *testing.T) {
		t.Setenv("AUDIT_INTEGRITY_SALT", "0123456789abcdef")
		t.Setenv("AUDIT_JWT_SIGNING_KEY", "")

		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AUDIT_JWT_SIGNING_KEY is required")
	})

	t.Run("overrides are parsed", func(t *testing.T) {
		t.Setenv("AUDIT_INTEGRITY_SALT", "0123456789abcdef")
		t.Setenv("AUDIT_JWT_SIGNING_KEY", "test-signing-key")
		t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
		t.Setenv("AUDIT_QUERY_TIMEOUT", "2s")
		t.Setenv("AUDIT_QUEUE_POLICY", "reject")
		t.Setenv("DATABASE_DRIVER", "postgres")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, 2*time.Second, cfg.Query.Timeout)
		assert.Equal(t, "reject", cfg.Queue.Policy)
		assert.Equal(t, "postgres", cfg.Database.Driver)
	})

	t.Run("invalid values are collected", func(t *testing.T) {
		t.Setenv("AUDIT_INTEGRITY_SALT", "0123456789abcdef")
		t.Setenv("AUDIT_JWT_SIGNING_KEY", "test-signing-key")
		t.Setenv("AUDIT_QUERY_TIMEOUT", "soon")
		t.Setenv("AUDIT_RETENTION_YEARS", "3")
		t.Setenv("AUDIT_QUEUE_POLICY", "drop")
		t.Setenv("AUDIT_ARCHIVE_AFTER_DAYS", "200000")

		_, err := FromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AUDIT_QUERY_TIMEOUT")
		assert.Contains(t, err.Error(), "AUDIT_RETENTION_YEARS")
		assert.Contains(t, err.Error(), "AUDIT_QUEUE_POLICY")
		assert.Contains(t, err.Error(), "AUDIT_ARCHIVE_AFTER_DAYS")
	})
}
