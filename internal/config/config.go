package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Log     Log
	Redis   Redis
	Ledger  Ledger
	Worker  Worker
	API     API
	Bulk    Bulk
	Catalog Catalog
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

type Redis struct {
	Addr      string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password  string `env:"REDIS_PASSWORD"`
	DB        int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"opsq"`
}

type Ledger struct {
	DefaultMaxAttempts int   `env:"LEDGER_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	AuditStreamMaxLen  int64 `env:"LEDGER_AUDIT_STREAM_MAXLEN" envDefault:"10000"`
}

type Worker struct {
	Concurrency        int               `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PollInterval       time.Duration     `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	CheckpointInterval time.Duration     `env:"WORKER_CHECKPOINT_INTERVAL" envDefault:"2s"`
	BaseBackoff        time.Duration     `env:"WORKER_BASE_BACKOFF" envDefault:"5s"`
	MaxBackoff         time.Duration     `env:"WORKER_MAX_BACKOFF" envDefault:"5m"`
	ReporterBuffer     int               `env:"WORKER_REPORTER_BUFFER" envDefault:"1024"`
	ExecutorTimeout    time.Duration     `env:"WORKER_EXECUTOR_TIMEOUT" envDefault:"15m"`
	RetrySweepInterval time.Duration     `env:"WORKER_RETRY_SWEEP_INTERVAL" envDefault:"1s"`
	Executors          map[string]string `env:"WORKER_EXECUTORS" envKeyValSeparator:"="`
	MetricsAddr        string            `env:"WORKER_METRICS_ADDR" envDefault:":9091"`
}

type API struct {
	RateLimitRPS   float64 `env:"API_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"API_RATE_LIMIT_BURST" envDefault:"40"`
}

type Bulk struct {
	RulesFile string `env:"BULK_RULES_FILE"`
}

type Catalog struct {
	DSN string `env:"CATALOG_DSN"`
}

// Parse reads an optional .env file and then the process environment.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	return c
}
