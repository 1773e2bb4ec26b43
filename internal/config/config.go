/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/roomair/internal/dispatch"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// LedgerBackend selects where charges are persisted.
type LedgerBackend string

const (
	LedgerDB    LedgerBackend = "db"
	LedgerRedis LedgerBackend = "redis"
)

// EventBusBackend selects how room events leave the process.
type EventBusBackend string

const (
	EventBusMemory EventBusBackend = "memory"
	EventBusRedis  EventBusBackend = "redis"
	EventBusNATS   EventBusBackend = "nats"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment   string
	HTTPBind      string
	HTTPPort      int
	MetricsBind   string
	DBBackend     DatabaseBackend
	DBDSN         string
	JWTSigningKey string
	InstanceID    string

	// Dispatcher constants
	Capacity            int
	CirculationInterval time.Duration
	MeteringUnit        time.Duration
	PromoteInterval     time.Duration
	BillInterval        time.Duration
	QueueWhenOutranked  bool
	RatesFile           string
	BaseRate            string
	Rates               dispatch.RateTable

	// Worker queues
	NotifyQueueSize  int
	UsageQueueSize   int
	JournalQueueSize int
	WSPingInterval   time.Duration

	LedgerBackend LedgerBackend
	EventBus      EventBusBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Report upload target
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string // S3-compatible services (MinIO etc.)
	S3Prefix          string
	S3UsePathStyle    bool

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	defaults := dispatch.DefaultConfig()

	cfg := &Config{
		Environment:   getEnvAny([]string{"ROOMAIR_ENV", "HVAC_ENV"}, "development"),
		HTTPBind:      getEnvAny([]string{"ROOMAIR_HTTP_BIND", "HVAC_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:      getEnvIntAny([]string{"ROOMAIR_HTTP_PORT", "HVAC_HTTP_PORT"}, 8080),
		MetricsBind:   getEnvAny([]string{"ROOMAIR_METRICS_BIND", "HVAC_METRICS_BIND"}, "127.0.0.1:9000"),
		DBBackend:     DatabaseBackend(getEnvAny([]string{"ROOMAIR_DB_BACKEND", "HVAC_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:         getEnvAny([]string{"ROOMAIR_DB_DSN", "HVAC_DB_DSN"}, ""),
		JWTSigningKey: getEnvAny([]string{"ROOMAIR_JWT_SIGNING_KEY", "HVAC_JWT_SIGNING_KEY"}, ""),
		InstanceID:    getEnvAny([]string{"ROOMAIR_INSTANCE_ID", "HVAC_INSTANCE_ID"}, ""),

		Capacity:            getEnvIntAny([]string{"ROOMAIR_CAPACITY", "HVAC_MAX_SERVING"}, defaults.Capacity),
		CirculationInterval: getEnvDurationAny([]string{"ROOMAIR_CIRCULATION_INTERVAL", "HVAC_CIRCULATION_INTERVAL"}, defaults.CirculationInterval),
		MeteringUnit:        getEnvDurationAny([]string{"ROOMAIR_METERING_UNIT", "HVAC_METERING_UNIT"}, defaults.MeteringUnit),
		PromoteInterval:     getEnvDurationAny([]string{"ROOMAIR_PROMOTE_INTERVAL", "HVAC_PROMOTE_INTERVAL"}, defaults.PromoteInterval),
		BillInterval:        getEnvDurationAny([]string{"ROOMAIR_BILL_INTERVAL", "HVAC_BILL_INTERVAL"}, defaults.BillInterval),
		QueueWhenOutranked:  getEnvBoolAny([]string{"ROOMAIR_QUEUE_WHEN_OUTRANKED", "HVAC_QUEUE_WHEN_OUTRANKED"}, false),
		RatesFile:           getEnvAny([]string{"ROOMAIR_RATES_FILE", "HVAC_RATES_FILE"}, ""),
		BaseRate:            getEnvAny([]string{"ROOMAIR_BASE_RATE", "HVAC_BASE_RATE"}, ""),

		NotifyQueueSize:  getEnvIntAny([]string{"ROOMAIR_NOTIFY_QUEUE_SIZE"}, 1024),
		UsageQueueSize:   getEnvIntAny([]string{"ROOMAIR_USAGE_QUEUE_SIZE"}, 1024),
		JournalQueueSize: getEnvIntAny([]string{"ROOMAIR_JOURNAL_QUEUE_SIZE"}, 4096),
		WSPingInterval:   getEnvDurationAny([]string{"ROOMAIR_WS_PING_INTERVAL"}, 30*time.Second),

		LedgerBackend: LedgerBackend(getEnvAny([]string{"ROOMAIR_LEDGER_BACKEND", "HVAC_LEDGER_BACKEND"}, string(LedgerDB))),
		EventBus:      EventBusBackend(getEnvAny([]string{"ROOMAIR_EVENT_BUS", "HVAC_EVENT_BUS"}, string(EventBusMemory))),
		RedisAddr:     getEnvAny([]string{"ROOMAIR_REDIS_ADDR", "HVAC_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"ROOMAIR_REDIS_PASSWORD", "HVAC_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"ROOMAIR_REDIS_DB", "HVAC_REDIS_DB"}, 0),
		NATSURL:       getEnvAny([]string{"ROOMAIR_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		TracingEnabled:    getEnvBoolAny([]string{"ROOMAIR_TRACING_ENABLED", "HVAC_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"ROOMAIR_OTLP_ENDPOINT", "HVAC_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"ROOMAIR_TRACING_SAMPLE_RATE", "HVAC_TRACING_SAMPLE_RATE"}, 1.0),

		S3AccessKeyID:     getEnvAny([]string{"ROOMAIR_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"ROOMAIR_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"ROOMAIR_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnvAny([]string{"ROOMAIR_S3_BUCKET", "S3_BUCKET"}, ""),
		S3Endpoint:        getEnvAny([]string{"ROOMAIR_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3Prefix:          getEnvAny([]string{"ROOMAIR_S3_PREFIX"}, "reports/"),
		S3UsePathStyle:    getEnvBoolAny([]string{"ROOMAIR_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),
	}

	switch cfg.DBBackend {
	case DatabasePostgres, DatabaseMySQL, DatabaseSQLite:
	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	switch cfg.LedgerBackend {
	case LedgerDB, LedgerRedis:
	default:
		return nil, fmt.Errorf("unsupported ledger backend %q", cfg.LedgerBackend)
	}
	switch cfg.EventBus {
	case EventBusMemory, EventBusRedis, EventBusNATS:
	default:
		return nil, fmt.Errorf("unsupported event bus %q", cfg.EventBus)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("ROOMAIR_DB_DSN or HVAC_DB_DSN must be provided")
	}
	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("ROOMAIR_JWT_SIGNING_KEY or HVAC_JWT_SIGNING_KEY must be provided")
	}
	if strings.EqualFold(cfg.Environment, "production") && len(cfg.JWTSigningKey) < 32 {
		return nil, fmt.Errorf("ROOMAIR_JWT_SIGNING_KEY must be at least 32 bytes in production")
	}

	rates, err := cfg.loadRates()
	if err != nil {
		return nil, err
	}
	cfg.Rates = rates

	if err := cfg.Dispatch().Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher settings: %w", err)
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// Dispatch returns the dispatcher constants.
func (c *Config) Dispatch() dispatch.Config {
	return dispatch.Config{
		Capacity:            c.Capacity,
		CirculationInterval: c.CirculationInterval,
		MeteringUnit:        c.MeteringUnit,
		Rates:               c.Rates,
		PromoteInterval:     c.PromoteInterval,
		BillInterval:        c.BillInterval,
		QueueWhenOutranked:  c.QueueWhenOutranked,
	}
}

// ratesFile is the on-disk rate table. Either base or all three tiers must be set.
type ratesFile struct {
	Base  string            `yaml:"base"`
	Rates map[string]string `yaml:"rates"`
}

func (c *Config) loadRates() (dispatch.RateTable, error) {
	if c.RatesFile != "" {
		data, err := os.ReadFile(c.RatesFile)
		if err != nil {
			return nil, fmt.Errorf("read rates file: %w", err)
		}
		return parseRates(data)
	}
	if c.BaseRate != "" {
		base, err := decimal.NewFromString(c.BaseRate)
		if err != nil {
			return nil, fmt.Errorf("ROOMAIR_BASE_RATE: %w", err)
		}
		return dispatch.RatesFromBase(base), nil
	}
	return dispatch.DefaultRates(), nil
}

func parseRates(data []byte) (dispatch.RateTable, error) {
	var f ratesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rates file: %w", err)
	}

	if len(f.Rates) == 0 {
		if f.Base == "" {
			return nil, fmt.Errorf("rates file sets neither base nor rates")
		}
		base, err := decimal.NewFromString(f.Base)
		if err != nil {
			return nil, fmt.Errorf("rates file base: %w", err)
		}
		return dispatch.RatesFromBase(base), nil
	}

	table := make(dispatch.RateTable, len(f.Rates))
	for name, raw := range f.Rates {
		tier, err := dispatch.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("rates file: %w", err)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("rates file %s: %w", name, err)
		}
		table[tier] = rate
	}
	return table, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"MAX_SERVING":          "use ROOMAIR_CAPACITY",
		"CIRCULATION_INTERVAL": "use ROOMAIR_CIRCULATION_INTERVAL",
		"JWT_SIGNING_KEY":      "use ROOMAIR_JWT_SIGNING_KEY",
		"DATABASE_URL":         "use ROOMAIR_DB_DSN",
		"TRACING_ENABLED":      "use ROOMAIR_TRACING_ENABLED",
		"OTLP_ENDPOINT":        "use ROOMAIR_OTLP_ENDPOINT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go durations ("20s", "150ms") or bare seconds ("19.8").
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}
