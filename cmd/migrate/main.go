package main

import (
	"context"

	"github.com/punchamoorthee/ledgerengine/internal/config"
	"github.com/punchamoorthee/ledgerengine/internal/logger"
	"github.com/punchamoorthee/ledgerengine/internal/store/postgres"
)

func main() {
	cfg, err := config.Load(context.Background())
	log := logger.New("development")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.StoreDriver != config.StorePostgres {
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("migrations only apply to STORE_DRIVER=postgres")
	}

	if err := postgres.Migrate(cfg.DBSource); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("schema is up to date")
}
