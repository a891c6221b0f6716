package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
database:
  path: /var/lib/weeklyloan/loans.db
redis:
  enabled: true
  addr: redis:6379
idempotency:
  ttl: 2h
logging:
  level: debug
  format: json
schedule:
  fee_rate: 0.05
  installment_count: 10
  interest_method: reducing
collections:
  penalty_rate: 0.1
  sweep_interval: 30m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 14, cfg.Schedule.InstallmentCount)
	assert.Equal(t, 7, cfg.Schedule.IntervalDays)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.False(t, cfg.Redis.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileOnly(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/weeklyloan/loans.db", cfg.Database.Path)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 30*time.Minute, cfg.Collections.SweepInterval)

	sc := cfg.ScheduleDefaults()
	assert.True(t, sc.FeeRate.Equal(decimal.NewFromFloat(0.05)))
	// fields absent from the file keep their defaults
	assert.True(t, sc.GSTRate.Equal(decimal.NewFromFloat(0.18)))
	assert.Equal(t, 10, sc.InstallmentCount)
	assert.Equal(t, models.InterestMethodReducing, sc.InterestMethod)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "7000")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("SCHEDULE_INTEREST_RATE", "0.25")
	t.Setenv("LINK_DATE_WINDOW_DAYS", "14")
	t.Setenv("IDEMPOTENCY_TTL", "not-a-duration")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.ScheduleDefaults().InterestRate.Equal(decimal.NewFromFloat(0.25)))
	assert.Equal(t, 14*24*time.Hour, cfg.Matcher().DateWindow)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL, "invalid env value falls back to file value")
}

func TestLoad_NoPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "weeklyloan.db", cfg.Database.Path)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "collections:\n  penalty_rate: 2\n"))
	assert.ErrorContains(t, err, "penalty_rate")

	_, err = Load(writeConfig(t, "schedule:\n  interest_method: compound\n"))
	assert.ErrorContains(t, err, "interest_method")
}

func TestLoad_RoundingPlacesFromEnv(t *testing.T) {
	t.Setenv("SCHEDULE_ROUNDING_PLACES", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int32(2), cfg.ScheduleDefaults().RoundingPlaces)

	t.Setenv("SCHEDULE_ROUNDING_PLACES", "-1")
	_, err = Load("")
	assert.ErrorContains(t, err, "rounding_places")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"bad port", func(c *AppConfig) { c.Server.Port = 0 }},
		{"empty db path", func(c *AppConfig) { c.Database.Path = " " }},
		{"redis without addr", func(c *AppConfig) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"zero ttl", func(c *AppConfig) { c.Idempotency.TTL = 0 }},
		{"zero tolerance", func(c *AppConfig) { c.Linking.AmountTolerance = 0 }},
		{"zero window", func(c *AppConfig) { c.Linking.DateWindowDays = 0 }},
		{"zero sweep", func(c *AppConfig) { c.Collections.SweepInterval = 0 }},
		{"negative fee rate", func(c *AppConfig) { c.Schedule.FeeRate = -0.1 }},
		{"negative installment count", func(c *AppConfig) { c.Schedule.InstallmentCount = -3 }},
		{"unknown interest method", func(c *AppConfig) { c.Schedule.InterestMethod = "compound" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Addr())
}
