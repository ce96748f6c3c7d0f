package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-advent/internal/advent/api"
	"ms-advent/internal/auth"
	"ms-advent/internal/calendar"
	"ms-advent/internal/config"
	"ms-advent/internal/database"
	"ms-advent/internal/doorlock"
	"ms-advent/internal/draw"
	drawdb "ms-advent/internal/draw/db"
	"ms-advent/internal/kafka"
	"ms-advent/internal/logger"
	"ms-advent/internal/rewards"
	"ms-advent/internal/rewards/qr"
	"ms-advent/internal/users"
)

func openDatabase(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var (
		sqldb *sql.DB
		err   error
	)

	switch cfg.Driver {
	case "postgres":
		sqldb, err = sql.Open("postgres", cfg.DSN)
	case "sqlite", "":
		sqldb, err = sql.Open(sqliteshim.ShimName, cfg.DSN)
	default:
		log.Fatal("DATABASE", "unsupported DB_DRIVER: "+cfg.Driver)
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("failed to open %s database: %v", cfg.Driver, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("failed to connect: %v", err))
	}

	if cfg.Driver == "postgres" {
		return bun.NewDB(sqldb, pgdialect.New())
	}
	return bun.NewDB(sqldb, sqlitedialect.New())
}

func main() {
	_ = godotenv.Load() // loads .env if present

	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	ctx := context.Background()

	// --- Database ---
	bunDB := openDatabase(cfg.Database, log)
	defer bunDB.Close()

	if cfg.Database.Driver == "postgres" {
		if err := database.NewRunner(bunDB, "./migrations", log).MigrateUp(); err != nil {
			log.Fatal("DATABASE", "migrations failed: "+err.Error())
		}
	} else {
		if err := database.CreateSchema(ctx, bunDB); err != nil {
			log.Fatal("DATABASE", "schema setup failed: "+err.Error())
		}
	}

	// --- Season ---
	loc, err := time.LoadLocation(cfg.Season.Timezone)
	if err != nil {
		log.Fatal("CALENDAR", "bad timezone "+cfg.Season.Timezone+": "+err.Error())
	}
	season := calendar.NewSeason(cfg.Season.Year, loc, cfg.Season.PrizeCap, cfg.Season.RevealHours)
	log.Info("CALENDAR", season.String())

	store := &drawdb.DB{Bun: bunDB, Season: season.Year}
	if err := store.EnsureBudget(ctx, season.PrizeCap); err != nil {
		log.Fatal("LEDGER", "budget setup failed: "+err.Error())
	}

	// --- Reward issuing ---
	qrGen := qr.NewQRGenerator(cfg.Auth.QRSecret)

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, log)
		defer producer.Close()
	}
	issuer := rewards.NewIssuer(store, qrGen, log)

	// --- Draw engine ---
	engine := draw.NewEngine(store, issuer, season, log)
	engine.Prize = draw.PrizeInfo{
		Name:        cfg.Prize.Name,
		Sponsor:     cfg.Prize.Sponsor,
		SponsorLink: cfg.Prize.SponsorLink,
	}
	if producer != nil {
		engine.Events = producer
	}

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("REDIS", "failed to connect: "+err.Error())
		}
		engine.Locks = doorlock.New(redisClient, 0)
		log.Info("REDIS", "door locking enabled via "+cfg.Redis.Addr)
	}

	// --- HTTP ---
	userStore := &users.Store{Bun: bunDB}
	handler := &api.Handler{
		Engine:         engine,
		Users:          userStore,
		Participations: store,
		Rewards:        store,
		Stats:          store,
		Season:         season,
		QRGenerator:    qrGen,
		Logger:         log,
		SessionSecret:  cfg.Auth.SessionSecret,
		SessionTTL:     cfg.Auth.SessionTTL,
		DoorSeed:       cfg.Season.DoorSeed,
	}
	if producer != nil {
		handler.Events = producer
	}

	r := chi.NewRouter()
	r.Post("/api/session", handler.CreateSession)
	r.Post("/api/redemptions", handler.RedeemReward)
	r.Get("/api/status", handler.Status)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth.SessionSecret))
		r.Get("/api/calendar", handler.GetCalendar)
		r.Post("/api/doors/{day}/open", handler.OpenDoor)
		r.Get("/api/rewards", handler.ListRewards)
		r.Get("/api/rewards/{rewardID}/qr", handler.GetRewardQR)
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("SERVER", "Advent service on "+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("SERVER", "HTTP error: "+err.Error())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctxShutdown)
	log.Info("SERVER", "shutdown complete")
}
