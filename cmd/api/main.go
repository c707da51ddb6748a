package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/ledgerengine/internal/api"
	"github.com/punchamoorthee/ledgerengine/internal/config"
	"github.com/punchamoorthee/ledgerengine/internal/idempotency"
	"github.com/punchamoorthee/ledgerengine/internal/limits"
	"github.com/punchamoorthee/ledgerengine/internal/logger"
	"github.com/punchamoorthee/ledgerengine/internal/notify"
	"github.com/punchamoorthee/ledgerengine/internal/service"
	"github.com/punchamoorthee/ledgerengine/internal/store"
	"github.com/punchamoorthee/ledgerengine/internal/store/memory"
	"github.com/punchamoorthee/ledgerengine/internal/store/postgres"
	redisstore "github.com/punchamoorthee/ledgerengine/internal/store/redis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		boot := logger.New("development")
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.Env)

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	var (
		ledger store.LedgerStore
		txlog  store.TransactionLog
		idem   store.IdempotencyStore
		health api.HealthChecker
	)

	switch cfg.StoreDriver {
	case config.StorePostgres:
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(cfg.DBSource); err != nil {
				return err
			}
		}
		pg, err := postgres.NewStore(ctx, cfg.DBSource)
		if err != nil {
			return err
		}
		defer pg.Close()
		ledger, txlog, idem = pg, pg, pg
		health = func(ctx context.Context) error { return pg.Db.Ping(ctx) }
	default:
		mem := memory.New()
		ledger, txlog, idem = mem, mem, mem
		log.Warn().Msg("using the in-memory store; balances are lost on restart")
	}

	switch cfg.IdempotencyBackend {
	case config.IdempotencyRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		idem = redisstore.NewIdempotencyStore(client, cfg.IdempotencyTTL)
	case config.IdempotencyMemory:
		if _, ok := idem.(*memory.Store); !ok {
			idem = memory.New()
		}
	}

	var sink notify.Sink = notify.LogSink{Log: log}
	if cfg.AMQPURL != "" {
		amqpSink, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer amqpSink.Close()
		sink = amqpSink
	}
	dispatcher := notify.NewAsync(sink, log, cfg.Notify.Buffer, cfg.Notify.Workers, cfg.Notify.Timeout)

	guard := idempotency.NewGuard(idem, cfg.Engine.IdempotencyStale)
	policy := limits.NewPolicy(limits.Config{
		DailyLimit:      cfg.Limits.DailyLimit,
		FraudThreshold:  cfg.Limits.FraudThreshold,
		LimitOperations: cfg.Limits.LimitOperations,
		FraudOperations: cfg.Limits.FraudOperations,
	}, txlog)
	svc := service.New(ledger, txlog, guard, policy, dispatcher, service.Config{
		MaxTransferAmount: cfg.Engine.MaxTransferAmount,
		MinMovementAmount: cfg.Engine.MinMovementAmount,
		MaxMovementAmount: cfg.Engine.MaxMovementAmount,
		MaxAttempts:       cfg.Engine.MaxAttempts,
		RetryInterval:     cfg.Engine.RetryInterval,
		OperationTimeout:  cfg.Engine.OperationTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewHandler(svc, health).Router(log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Str("idempotency", cfg.IdempotencyBackend).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTTL)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	return dispatcher.Close(shutdownCtx)
}
