package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"DB_SOURCE": "postgres://localhost/ledger",
	}))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, StorePostgres, cfg.StoreDriver)
	assert.Equal(t, IdempotencyPostgres, cfg.IdempotencyBackend)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Engine.OperationTimeout)
	assert.Equal(t, 60*time.Second, cfg.Engine.IdempotencyStale)
	assert.Equal(t, []domain.Operation{domain.OperationTransfer}, cfg.Limits.LimitOperations)
	assert.Equal(t, []domain.Operation{domain.OperationTransfer}, cfg.Limits.FraudOperations)
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"STORE_DRIVER":           "memory",
		"IDEMPOTENCY_BACKEND":    "redis",
		"FRAUD_CHECK_OPERATIONS": "transfer,WITHDRAWAL",
		"DAILY_LIMIT":            "10000",
		"OPERATION_TIMEOUT":      "5s",
	}))
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, IdempotencyRedis, cfg.IdempotencyBackend)
	assert.Equal(t, int64(10000), cfg.Limits.DailyLimit)
	assert.Equal(t, 5*time.Second, cfg.Engine.OperationTimeout)
	assert.Equal(t, []domain.Operation{domain.OperationTransfer, domain.OperationWithdrawal}, cfg.Limits.FraudOperations)
}

func TestLoad_Errors(t *testing.T) {
	tests := map[string]map[string]string{
		"postgres without dsn":      {},
		"unknown driver":            {"STORE_DRIVER": "sqlite"},
		"postgres idempotency only": {"STORE_DRIVER": "memory", "IDEMPOTENCY_BACKEND": "postgres"},
		"unknown operation":         {"STORE_DRIVER": "memory", "LIMIT_OPERATIONS": "REFUND"},
		"zero attempts":             {"STORE_DRIVER": "memory", "MAX_WRITE_ATTEMPTS": "0"},
		"bad duration":              {"STORE_DRIVER": "memory", "OPERATION_TIMEOUT": "soon"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(env))
			assert.Error(t, err)
		})
	}
}
