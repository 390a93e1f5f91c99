package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTO_APPROVE_MISSING_SCORE_POLICY", "require_human")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 7, cfg.Audit.RetentionYears)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Bus.DrainTimeout)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoad_MissingConfidencePolicyRequired(t *testing.T) {
	t.Setenv("AUTO_APPROVE_MISSING_SCORE_POLICY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTO_APPROVE_MISSING_SCORE_POLICY")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTO_APPROVE_MISSING_SCORE_POLICY", "BLOCK")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUDIT_RETRY_BASE_DELAY", "250ms")
	t.Setenv("DB_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, MissingConfidenceBlock, cfg.Workflow.MissingConfidencePolicy)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, 250*time.Millisecond, cfg.Audit.RetryBaseDelay)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "STORE_DRIVER"},
		{"unknown policy", func(c *Config) { c.Workflow.MissingConfidencePolicy = "guess" }, "unknown policy"},
		{"retention", func(c *Config) { c.Audit.RetentionYears = 0 }, "AUDIT_RETENTION_YEARS"},
		{"nats url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "NATS_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Store:    StoreConfig{Driver: StoreDriverMemory},
				Audit:    AuditConfig{RetentionYears: 7},
				Bus:      BusConfig{MaxConcurrentHandlers: 4},
				Workflow: WorkflowConfig{MissingConfidencePolicy: MissingConfidenceRequireHuman},
			}
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5433, Database: "p2p", SSLMode: "require"}
	assert.Equal(t, "postgres://u:p@db:5433/p2p?sslmode=require", d.DSN())
}

func TestLoad_ServerSurfaceSettings(t *testing.T) {
	t.Setenv("AUTO_APPROVE_MISSING_SCORE_POLICY", "require_human")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://erp.example.com, https://ops.example.com,")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://erp.example.com", "https://ops.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, 100, cfg.Server.RateLimitBurst)
}
