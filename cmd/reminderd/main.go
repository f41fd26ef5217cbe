package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/zkovari/callreminder/internal/api"
	"github.com/zkovari/callreminder/internal/cache"
	"github.com/zkovari/callreminder/internal/client"
	"github.com/zkovari/callreminder/internal/config"
	"github.com/zkovari/callreminder/internal/repo"
	"github.com/zkovari/callreminder/internal/scheduler"
	"github.com/zkovari/callreminder/internal/service"
	"github.com/zkovari/callreminder/internal/timeutil"
)

func main() {
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("reminderd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAll()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, reminders, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	voice := client.NewVoiceClient(
		cfg.Telephony.BaseURL,
		cfg.Telephony.APIKey,
		cfg.Telephony.PhoneNumberID,
		cfg.Telephony.Timeout,
	)

	holder := workerHolder()
	dispatcher := service.NewDispatcher(reminders, voice, service.Options{
		Holder:         holder,
		BatchSize:      cfg.Scheduler.BatchSize,
		LeaseDuration:  cfg.Dispatch.LeaseDuration,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		RetryBackoff:   cfg.Dispatch.RetryBackoff,
		StaleAfter:     cfg.Dispatch.StaleAfter,
		CallsPerSecond: cfg.Dispatch.CallsPerSecond,
	})

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Address, err)
		}
		dispatcher.WithResultCache(cache.NewRedisCache(rdb, cfg.Redis.TTL))
		slog.Info("result cache enabled", "addr", cfg.Redis.Address, "ttl", cfg.Redis.TTL)
	}

	sched, err := scheduler.New(cfg.Scheduler.Interval, dispatcher.Sweep)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(sched, reminders, timeutil.NewNormalizer(clock.New()))
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(handler)),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("reminderd listening",
			"addr", cfg.Server.Address,
			"driver", cfg.Database.Driver,
			"interval", cfg.Scheduler.Interval,
			"batch", cfg.Scheduler.BatchSize,
			"holder", holder,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, repo.ReminderRepository, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.Database.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := repo.EnsurePostgresSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return db, repo.NewPostgresReminderRepo(db), nil
	case "sqlite":
		db, err := repo.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, repo.NewSQLiteReminderRepo(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.Database.Driver)
	}
}

// workerHolder builds a lease-holder id that is unique per process but still
// readable in the database when debugging stuck leases.
func workerHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "reminderd"
	}
	return host + "-" + uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
