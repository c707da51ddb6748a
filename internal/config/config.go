package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	IdempotencyPostgres = "postgres"
	IdempotencyRedis    = "redis"
	IdempotencyMemory   = "memory"
)

type Config struct {
	DBSource    string `env:"DB_SOURCE"`
	Port        string `env:"SERVER_PORT,default=8080"`
	Env         string `env:"ENVIRONMENT,default=development"`
	StoreDriver string `env:"STORE_DRIVER,default=postgres"`
	// IdempotencyBackend defaults to the ledger store driver when empty.
	IdempotencyBackend string        `env:"IDEMPOTENCY_BACKEND"`
	RedisAddr          string        `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	RedisDB            int           `env:"REDIS_DB,default=0"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_RETENTION,default=168h"`
	AMQPURL            string        `env:"AMQP_URL"`
	AMQPExchange       string        `env:"AMQP_EXCHANGE,default=ledger.events"`
	MigrateOnStart     bool          `env:"MIGRATE_ON_START,default=false"`

	Limits      LimitsConfig
	Engine      EngineConfig
	Notify      NotifyConfig
	ShutdownTTL time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

type LimitsConfig struct {
	DailyLimit      int64              `env:"DAILY_LIMIT,default=1000000"`
	FraudThreshold  int64              `env:"FRAUD_THRESHOLD,default=250000"`
	LimitOperations []domain.Operation `env:"LIMIT_OPERATIONS,default=TRANSFER"`
	FraudOperations []domain.Operation `env:"FRAUD_CHECK_OPERATIONS,default=TRANSFER"`
}

type EngineConfig struct {
	MaxTransferAmount int64         `env:"MAX_TRANSFER_AMOUNT,default=1000000"`
	MinMovementAmount int64         `env:"MIN_MOVEMENT_AMOUNT,default=1"`
	MaxMovementAmount int64         `env:"MAX_MOVEMENT_AMOUNT,default=1000000"`
	MaxAttempts       int           `env:"MAX_WRITE_ATTEMPTS,default=3"`
	RetryInterval     time.Duration `env:"WRITE_RETRY_INTERVAL,default=10ms"`
	OperationTimeout  time.Duration `env:"OPERATION_TIMEOUT,default=30s"`
	IdempotencyStale  time.Duration `env:"IDEMPOTENCY_STALENESS,default=60s"`
}

type NotifyConfig struct {
	Buffer  int           `env:"NOTIFY_BUFFER,default=1024"`
	Workers int           `env:"NOTIFY_WORKERS,default=4"`
	Timeout time.Duration `env:"NOTIFY_TIMEOUT,default=5s"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.StoreDriver = strings.ToLower(c.StoreDriver)
	if c.IdempotencyBackend == "" {
		c.IdempotencyBackend = c.StoreDriver
	}
	c.IdempotencyBackend = strings.ToLower(c.IdempotencyBackend)

	switch c.StoreDriver {
	case StoreMemory:
		if c.IdempotencyBackend == IdempotencyPostgres {
			return fmt.Errorf("IDEMPOTENCY_BACKEND=postgres requires STORE_DRIVER=postgres")
		}
	case StorePostgres:
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.IdempotencyBackend {
	case IdempotencyPostgres, IdempotencyRedis, IdempotencyMemory:
	default:
		return fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend)
	}

	for _, ops := range [][]domain.Operation{c.Limits.LimitOperations, c.Limits.FraudOperations} {
		for i, op := range ops {
			op = domain.Operation(strings.ToUpper(strings.TrimSpace(string(op))))
			switch op {
			case domain.OperationTransfer, domain.OperationDeposit, domain.OperationWithdrawal:
				ops[i] = op
			default:
				return fmt.Errorf("unknown operation %q in limit configuration", op)
			}
		}
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("MAX_WRITE_ATTEMPTS must be at least 1")
	}
	if c.Engine.MinMovementAmount < 1 || c.Engine.MinMovementAmount > c.Engine.MaxMovementAmount {
		return fmt.Errorf("movement amount range [%d, %d] is invalid", c.Engine.MinMovementAmount, c.Engine.MaxMovementAmount)
	}
	return nil
}
