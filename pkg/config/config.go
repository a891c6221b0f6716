package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcclellann/weeklyloan/pkg/linking"
	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/mcclellann/weeklyloan/pkg/schedule"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ScheduleConfig holds the product defaults applied when a loan request does
// not override them.
type ScheduleConfig struct {
	FeeRate          float64 `yaml:"fee_rate"`
	GSTRate          float64 `yaml:"gst_rate"`
	InterestRate     float64 `yaml:"interest_rate"`
	InstallmentCount int     `yaml:"installment_count"`
	IntervalDays     int     `yaml:"interval_days"`
	InterestMethod   string  `yaml:"interest_method"`
	RoundingPlaces   int32   `yaml:"rounding_places"`
}

type LinkingConfig struct {
	AmountTolerance float64 `yaml:"amount_tolerance"`
	DateWindowDays  int     `yaml:"date_window_days"`
}

type CollectionsConfig struct {
	PenaltyRate   float64       `yaml:"penalty_rate"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AppConfig is the main config struct that holds all configs.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Logging     LogConfig         `yaml:"logging"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Linking     LinkingConfig     `yaml:"linking"`
	Collections CollectionsConfig `yaml:"collections"`
}

// Default returns the configuration used when no file or env override is present.
func Default() *AppConfig {
	return &AppConfig{
		Server:      ServerConfig{Port: 8080, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second},
		Database:    DatabaseConfig{Path: "weeklyloan.db"},
		Redis:       RedisConfig{Addr: "localhost:6379"},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		Logging:     LogConfig{Level: "info", Format: "text"},
		Schedule: ScheduleConfig{
			FeeRate:          0.10,
			GSTRate:          0.18,
			InterestRate:     0.20,
			InstallmentCount: schedule.DefaultInstallmentCount,
			IntervalDays:     schedule.DefaultIntervalDays,
			InterestMethod:   string(models.InterestMethodFlat),
		},
		Linking:     LinkingConfig{AmountTolerance: 1, DateWindowDays: 30},
		Collections: CollectionsConfig{PenaltyRate: 0, SweepInterval: time.Hour},
	}
}

// Load reads an optional .env file, the YAML file at path (skipped when path
// is empty), then applies environment overrides and validates the result.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Server.Port = GetEnvOrDefaultAsInt("SERVER_PORT", cfg.Server.Port)
	cfg.Database.Path = GetEnvOrDefaultAsString("DATABASE_PATH", cfg.Database.Path)

	cfg.Redis.Enabled = GetEnvOrDefaultAsBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = GetEnvOrDefaultAsString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = GetEnvOrDefaultAsString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = GetEnvOrDefaultAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Idempotency.TTL = GetEnvOrDefaultAsDuration("IDEMPOTENCY_TTL", cfg.Idempotency.TTL)

	cfg.Logging.Level = GetEnvOrDefaultAsString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = GetEnvOrDefaultAsString("LOG_FORMAT", cfg.Logging.Format)

	cfg.Schedule.FeeRate = GetEnvOrDefaultAsFloat("SCHEDULE_FEE_RATE", cfg.Schedule.FeeRate)
	cfg.Schedule.GSTRate = GetEnvOrDefaultAsFloat("SCHEDULE_GST_RATE", cfg.Schedule.GSTRate)
	cfg.Schedule.InterestRate = GetEnvOrDefaultAsFloat("SCHEDULE_INTEREST_RATE", cfg.Schedule.InterestRate)
	cfg.Schedule.InstallmentCount = GetEnvOrDefaultAsInt("SCHEDULE_INSTALLMENT_COUNT", cfg.Schedule.InstallmentCount)
	cfg.Schedule.IntervalDays = GetEnvOrDefaultAsInt("SCHEDULE_INTERVAL_DAYS", cfg.Schedule.IntervalDays)
	cfg.Schedule.InterestMethod = GetEnvOrDefaultAsString("SCHEDULE_INTEREST_METHOD", cfg.Schedule.InterestMethod)
	cfg.Schedule.RoundingPlaces = int32(GetEnvOrDefaultAsInt("SCHEDULE_ROUNDING_PLACES", int(cfg.Schedule.RoundingPlaces)))

	cfg.Linking.AmountTolerance = GetEnvOrDefaultAsFloat("LINK_AMOUNT_TOLERANCE", cfg.Linking.AmountTolerance)
	cfg.Linking.DateWindowDays = GetEnvOrDefaultAsInt("LINK_DATE_WINDOW_DAYS", cfg.Linking.DateWindowDays)

	cfg.Collections.PenaltyRate = GetEnvOrDefaultAsFloat("PENALTY_RATE", cfg.Collections.PenaltyRate)
	cfg.Collections.SweepInterval = GetEnvOrDefaultAsDuration("OVERDUE_SWEEP_INTERVAL", cfg.Collections.SweepInterval)
}

func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive, got %v", c.Idempotency.TTL)
	}
	if err := c.ScheduleDefaults().Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if c.Linking.AmountTolerance <= 0 {
		return fmt.Errorf("linking.amount_tolerance must be positive, got %v", c.Linking.AmountTolerance)
	}
	if c.Linking.DateWindowDays <= 0 {
		return fmt.Errorf("linking.date_window_days must be positive, got %d", c.Linking.DateWindowDays)
	}
	if c.Collections.PenaltyRate < 0 || c.Collections.PenaltyRate > 1 {
		return fmt.Errorf("collections.penalty_rate must be between 0 and 1, got %v", c.Collections.PenaltyRate)
	}
	if c.Collections.SweepInterval <= 0 {
		return fmt.Errorf("collections.sweep_interval must be positive, got %v", c.Collections.SweepInterval)
	}
	return nil
}

// ScheduleDefaults converts the schedule section into engine terms.
func (c *AppConfig) ScheduleDefaults() schedule.Config {
	return schedule.Config{
		FeeRate:          decimal.NewFromFloat(c.Schedule.FeeRate),
		GSTRate:          decimal.NewFromFloat(c.Schedule.GSTRate),
		InterestRate:     decimal.NewFromFloat(c.Schedule.InterestRate),
		InstallmentCount: c.Schedule.InstallmentCount,
		IntervalDays:     c.Schedule.IntervalDays,
		InterestMethod:   models.InterestMethod(c.Schedule.InterestMethod),
		RoundingPlaces:   c.Schedule.RoundingPlaces,
	}
}

func (c *AppConfig) Matcher() *linking.Matcher {
	return &linking.Matcher{
		AmountTolerance: decimal.NewFromFloat(c.Linking.AmountTolerance),
		DateWindow:      time.Duration(c.Linking.DateWindowDays) * 24 * time.Hour,
	}
}

func (c *AppConfig) PenaltyRate() decimal.Decimal {
	return decimal.NewFromFloat(c.Collections.PenaltyRate)
}

func (c *AppConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// GetEnvOrDefaultAsInt returns the value of the given env variable
// as an int or the default value if not set or invalid.
func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsFloat(key string, defaultValue float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(valueStr)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func GetEnvOrDefaultAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return d
}

func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return defaultVal
}
