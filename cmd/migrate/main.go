package main

import (
	"database/sql"
	"os"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	"github.com/pressly/goose/v3"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/logger"
	"github.com/navid-fn/coinmap/internal/migrations"
)

func main() {
	cfg := configs.AppLoad()
	log := logger.New(cfg.Log.Level, cfg.Log.Format).WithField("command", "migrate")

	// Connect using native ClickHouse driver
	db, err := sql.Open("clickhouse", cfg.DBDSN)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	// Verify connection
	if err := db.Ping(); err != nil {
		log.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		log.WithError(err).Error("Goose: failed to set dialect")
		os.Exit(1)
	}

	log.Info("Running database migrations...")
	if err := goose.Up(db, "."); err != nil {
		log.WithError(err).Error("Goose migration failed")
		os.Exit(1)
	}

	log.Info("Migrations completed successfully")
}
