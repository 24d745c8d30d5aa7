package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/checkpoint"
	"github.com/navid-fn/coinmap/internal/logger"
	"github.com/navid-fn/coinmap/internal/migrations"
	"github.com/navid-fn/coinmap/internal/observability"
	"github.com/navid-fn/coinmap/pkg/faulttolerance"
	"github.com/navid-fn/coinmap/server/internal/handler"
	"github.com/navid-fn/coinmap/server/internal/repository"
	"github.com/navid-fn/coinmap/server/internal/router"
	"github.com/navid-fn/coinmap/server/internal/service"
)

func main() {
	cfg := configs.AppLoad()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before serving")
	flag.Parse()

	db, err := gorm.Open(clickhouse.Open(cfg.DBDSN), &gorm.Config{})
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.WithError(err).Error("Failed to get sql.DB")
		os.Exit(1)
	}

	if *migrateFlag {
		goose.SetBaseFS(migrations.FS)
		if err := goose.SetDialect("clickhouse"); err != nil {
			log.WithError(err).Error("Goose: failed to set dialect")
			os.Exit(1)
		}
		log.Info("Running database migrations...")
		if err := goose.Up(sqlDB, "."); err != nil {
			log.WithError(err).Error("Goose migration failed")
			os.Exit(1)
		}
	}

	var store *checkpoint.Store
	if cfg.Mapping.CheckpointEnabled {
		store = checkpoint.NewStore(afero.NewOsFs(), cfg.Mapping.CheckpointFile, log,
			checkpoint.WithExpiry(cfg.Mapping.CheckpointExpiry()))
	}

	health := faulttolerance.NewHealthMonitor(log, 30*time.Second)
	health.AddCheck("clickhouse", true, sqlDB.PingContext)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.Start(ctx)
	defer health.Stop()

	mappingRepo := repository.NewGormMappingRepository(db)
	mappingService := service.NewMappingService(mappingRepo, store)
	mappingHandler := handler.NewMappingHandler(mappingService, log)

	routerConfig := &router.Config{
		MappingHandler: mappingHandler,
		Health:         health,
		Metrics:        observability.Handler(prometheus.DefaultGatherer),
	}

	r := router.NewRouter(routerConfig)

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	log.WithField("addr", addr).Info("Starting mapping API")
	if err := r.Run(addr); err != nil {
		log.WithError(err).Error("Server stopped")
		os.Exit(1)
	}
}
