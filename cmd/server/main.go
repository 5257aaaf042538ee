package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/willemschots/chatwidget/assets"
	"github.com/willemschots/chatwidget/internal"
	"github.com/willemschots/chatwidget/internal/audit"
	"github.com/willemschots/chatwidget/internal/auth"
	authdb "github.com/willemschots/chatwidget/internal/auth/db"
	"github.com/willemschots/chatwidget/internal/db"
	"github.com/willemschots/chatwidget/internal/db/migrate"
	"github.com/willemschots/chatwidget/internal/email"
	"github.com/willemschots/chatwidget/internal/email/mailgun"
	"github.com/willemschots/chatwidget/internal/email/postmark"
	"github.com/willemschots/chatwidget/internal/email/view"
	"github.com/willemschots/chatwidget/internal/krypto"
	"github.com/willemschots/chatwidget/internal/ratelimit"
	"github.com/willemschots/chatwidget/internal/web"
	"github.com/willemschots/chatwidget/migrations"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stderr))
}

func run(ctx context.Context, w io.Writer) int {
	logger := slog.New(slog.NewTextHandler(w, nil))

	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("failed to get config from environment", "error", err)
		return 1
	}

	readDB, writeDB, err := openDBs(ctx, logger, cfg.db)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer closeDB(logger, readDB)
	defer closeDB(logger, writeDB)

	encryptor, err := krypto.NewEncryptor(cfg.db.encryptionKeys)
	if err != nil {
		logger.Error("failed to create encryptor", "error", err)
		return 1
	}

	store := authdb.New(readDB, writeDB, encryptor, cfg.db.blindIndexSalt)

	httpClient := &http.Client{
		Timeout: cfg.auth.WorkerTimeout,
	}

	emailSvc := email.NewService(
		view.NewFSRenderer(assets.EmailFS),
		emailSender(logger, httpClient, cfg.email),
		cfg.email.service,
	)

	sink, closeSink := auditSink(logger, httpClient, cfg.audit)
	defer closeSink()

	authSvc, err := auth.NewService(store, emailSvc, sink, func(err error) {
		logger.Error("notification failed", "error", err)
	}, cfg.auth)
	if err != nil {
		logger.Error("failed to create auth service", "error", err)
		return 1
	}

	limiter, err := ratelimit.New(cfg.rateLimit, logger)
	if err != nil {
		logger.Error("failed to create rate limiter", "error", err)
		return 1
	}

	srv := &http.Server{
		Addr:         cfg.http.addr,
		ReadTimeout:  cfg.http.readTimeout,
		WriteTimeout: cfg.http.writeTimeout,
		IdleTimeout:  cfg.http.idleTimeout,
		Handler: web.NewServer(&web.ServerDeps{
			Logger:      logger,
			AuthService: authSvc,
			Limiter:     limiter,
		}, cfg.http.server),
	}

	// We need to run three tasks concurrently:
	// - Listen and serving of the HTTP server.
	// - Sweeping stale rate limit entries.
	// - Waiting for a signal to stop the server.

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server",
			"addr", cfg.http.addr,
			"buildRevision", internal.Build.Revision,
			"buildRevisionTime", internal.Build.RevisionTime,
			"buildModified", internal.Build.Modified,
		)
		// ListenAndServe always returns a non-nil error,
		// g will cancel gCtx when an error is returned, so
		// this will also stop the other goroutines.
		return srv.ListenAndServe()
	})

	g.Go(func() error {
		return limiter.Run(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping http server")

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.http.shutdownTimeout)
		defer cancel()

		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()

	// requests are done, wait for their notifications.
	authSvc.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped with error", "error", err)
		return 1
	}

	logger.Info("http server stopped successfully")

	return 0
}

func openDBs(ctx context.Context, logger *slog.Logger, cfg dbConfig) (*sql.DB, *sql.DB, error) {
	writeDB, err := db.OpenSQLite(cfg.driver, cfg.file, true)
	if err != nil {
		return nil, nil, err
	}

	if cfg.migrate {
		logger.Info("attempting to migrate database", "file", cfg.file)

		migCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		ran, err := migrate.RunFS(migCtx, writeDB, migrations.FS, migrate.Metadata{
			AppVersion: internal.Build.Revision,
			Timestamp:  internal.Build.RevisionTime,
		})
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("failed to migrate: %w", err), writeDB.Close())
		}

		for _, m := range ran {
			logger.Info("migration ran", "sequence", m.Sequence, "filename", m.Filename)
		}
	}

	readDB, err := db.OpenSQLite(cfg.driver, cfg.file, false)
	if err != nil {
		return nil, nil, errors.Join(err, writeDB.Close())
	}

	return readDB, writeDB, nil
}

func closeDB(logger *slog.Logger, sqlDB *sql.DB) {
	err := sqlDB.Close()
	if err != nil {
		logger.Error("failed to close database", "error", err)
	}
}

func emailSender(logger *slog.Logger, client *http.Client, cfg emailConfig) email.Sender {
	switch cfg.driver {
	case "postmark":
		return postmark.NewSender(client, cfg.postmark)
	case "mailgun":
		return mailgun.NewSender(client, cfg.mailgun)
	default:
		return email.NewLogSender(logger)
	}
}

func auditSink(logger *slog.Logger, client *http.Client, cfg auditConfig) (audit.Sink, func()) {
	switch cfg.driver {
	case "webhook":
		return audit.NewWebhookSink(client, cfg.webhook), func() {}
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		return audit.NewRedisSink(rdb, cfg.redisStream), func() {
			err := rdb.Close()
			if err != nil {
				logger.Error("failed to close redis client", "error", err)
			}
		}
	default:
		return audit.NewLogSink(logger), func() {}
	}
}
