package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-advent/internal/config"
	"ms-advent/internal/database"
	"ms-advent/internal/importer"
	"ms-advent/internal/logger"
	"ms-advent/internal/users"
)

func main() {
	winnersPath := flag.String("winners", "gewinner.txt", "legacy winners flat file")
	mappingPath := flag.String("mapping", "", "JSON mapping of winner ids to accounts; when set, placeholder rewards are migrated after the import")
	season := flag.Int("season", 0, "season the legacy records belong to (defaults to SEASON_YEAR)")
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	if *season == 0 {
		*season = cfg.Season.Year
	}

	ctx := context.Background()

	var (
		sqldb *sql.DB
		err   error
	)
	if cfg.Database.Driver == "postgres" {
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
	} else {
		sqldb, err = sql.Open(sqliteshim.ShimName, cfg.Database.DSN)
	}
	if err != nil {
		log.Fatal("DATABASE", "failed to open database: "+err.Error())
	}
	defer sqldb.Close()

	var bunDB *bun.DB
	if cfg.Database.Driver == "postgres" {
		bunDB = bun.NewDB(sqldb, pgdialect.New())
	} else {
		bunDB = bun.NewDB(sqldb, sqlitedialect.New())
		if err := database.CreateSchema(ctx, bunDB); err != nil {
			log.Fatal("DATABASE", "schema setup failed: "+err.Error())
		}
	}

	job := &importer.Importer{
		DB:     bunDB,
		Users:  &users.Store{Bun: bunDB},
		Season: *season,
		Logger: log,
	}

	imported, err := job.Import(ctx, *winnersPath)
	if err != nil {
		log.Fatal("IMPORT", err.Error())
	}
	log.LogImport("DONE", fmt.Sprintf("%d rewards imported for season %d", imported, *season))

	if *mappingPath != "" {
		migrated, removed, err := job.MigratePlaceholders(ctx, *mappingPath)
		if err != nil {
			log.Fatal("IMPORT", err.Error())
		}
		log.LogImport("DONE", fmt.Sprintf("%d rewards migrated, %d placeholders removed", migrated, removed))
	}
}
