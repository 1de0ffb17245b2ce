package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"auditvault/internal/audit"
	"auditvault/internal/audit/archive"
	"auditvault/internal/audit/export"
	"auditvault/internal/audit/handler"
	"auditvault/internal/audit/ingest"
	"auditvault/internal/audit/integrity"
	auditmetrics "auditvault/internal/audit/metrics"
	"auditvault/internal/audit/store"
	"auditvault/internal/audit/store/memory"
	pgstore "auditvault/internal/audit/store/postgres"
	"auditvault/internal/audit/stream"
	"auditvault/internal/audit/worker"
	jwttoken "auditvault/internal/jwt_token"
	"auditvault/internal/platform/config"
	"auditvault/internal/platform/httpserver"
	"auditvault/internal/platform/kafka"
	"auditvault/internal/platform/logger"
	"auditvault/internal/platform/metrics"
	"auditvault/internal/platform/objectstore"
	"auditvault/internal/platform/postgres"
	"auditvault/internal/platform/redis"
	"auditvault/pkg/platform/httputil"
	"auditvault/pkg/platform/middleware/metadata"
	"auditvault/pkg/platform/middleware/requesttime"
)

const shutdownTimeout = 30 * time.Second

// main wires configuration, storage and transport, then runs the HTTP
// server and the archival scheduler until SIGINT or SIGTERM.
func main() {
	log := logger.New()
	if err := run(log); err != nil {
		log.Error("auditvault stopped", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Lost writes go to stderr, away from the process log stream.
	emergency := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("stream", "audit-emergency")

	codec, err := integrity.New(integrity.Config{
		Salt:      []byte(cfg.Integrity.Salt),
		Algorithm: integrity.Algorithm(cfg.Integrity.Algorithm),
	})
	if err != nil {
		return err
	}

	st, db, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer closeStore()
	var health []func(context.Context) error
	if db != nil {
		health = append(health, db.PingContext)
	}

	m := auditmetrics.New()
	opts := []audit.Option{
		audit.WithLogger(log),
		audit.WithEmergencyLogger(emergency),
		audit.WithMetrics(m),
		audit.WithQueryTimeout(cfg.Query.Timeout),
		audit.WithArchiveBatchSize(cfg.Archive.BatchSize),
		audit.WithRetentionYears(cfg.Archive.RetentionYears),
	}

	overflow, err := worker.ParseOverflow(cfg.Queue.Policy)
	if err != nil {
		return err
	}
	opts = append(opts, audit.WithQueue(cfg.Queue.Size, cfg.Queue.Workers, cfg.Queue.MaxRetries, overflow))

	rdb, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		opts = append(opts, audit.WithFailureWindow(ingest.NewRedisWindow(rdb.Client, ingest.FailureWindowSize)))
		health = append(health, rdb.Health)
		log.Info("failure window backed by redis")
	}

	producer, err := kafka.NewClient(cfg.Kafka)
	if err != nil {
		return err
	}
	if producer != nil {
		defer producer.Close()
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.FlagTopic, 3, 1); err != nil {
			log.Warn("flag topic not ensured", "topic", cfg.Kafka.FlagTopic, "error", err)
		}
		opts = append(opts, audit.WithFlagPublisher(stream.NewKafkaPublisher(producer, cfg.Kafka.FlagTopic,
			stream.WithLogger(log),
			stream.WithMetrics(m),
		)))
		health = append(health, producer.Ping)
	}

	engine := audit.New(st, codec, opts...)

	handlerOpts := []handler.Option{handler.WithMetrics(m)}
	objects, err := objectstore.New(ctx, cfg.MinIO)
	if err != nil {
		return err
	}
	if objects != nil {
		handlerOpts = append(handlerOpts, handler.WithExportSink(export.NewObjectSink(objects, cfg.MinIO.Bucket, time.Now)))
	}

	tokens := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer)
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(metadata.ClientMetadata)
	router.Use(requesttime.Middleware)
	router.Use(metrics.New().Middleware)
	router.Handle("/metrics", metrics.Handler())
	router.Get("/healthz", healthHandler(health))

	handler.New(engine.Queries, engine.Recorder, tokens, log, handlerOpts...).Register(router)
	if cfg.Server.AdminToken != "" {
		handler.NewAdmin(engine.Archive, engine.Recorder, cfg.Server.AdminToken, log).Register(router)
	} else {
		log.Warn("AUDIT_ADMIN_TOKEN not set, admin routes disabled")
	}

	srv := httpserver.New(cfg.Server.Addr, router)
	scheduler := archive.NewScheduler(engine.Archive, cfg.Archive.Interval, cfg.Archive.AfterDays, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting auditvault", "addr", cfg.Server.Addr, "integrity", codec.Algorithm())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return engine.Close(shutdownCtx)
	})
	return g.Wait()
}

// openStore returns the Postgres store and its primary pool when
// DATABASE_URL is set, and the in-memory store with a nil pool otherwise.
func openStore(ctx context.Context, cfg config.Database, log *slog.Logger) (store.Store, *sql.DB, func(), error) {
	if cfg.URL == "" {
		log.Warn("DATABASE_URL not set, audit events are kept in memory only")
		return memory.NewInMemoryStore(), nil, func() {}, nil
	}

	primary, err := postgres.Open(ctx, cfg, cfg.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	dbs := []*sql.DB{primary}
	var storeOpts []pgstore.Option
	if cfg.ReplicaURL != "" {
		replica, err := postgres.Open(ctx, cfg, cfg.ReplicaURL)
		if err != nil {
			_ = primary.Close()
			return nil, nil, nil, err
		}
		dbs = append(dbs, replica)
		storeOpts = append(storeOpts, pgstore.WithReader(replica))
	}
	closeAll := func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	}

	st := pgstore.New(primary, storeOpts...)
	if err := st.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return st, primary, closeAll, nil
}

func healthHandler(checks []func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
