package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/bandhub/messenger/internal/config"
	"github.com/bandhub/messenger/internal/events"
	"github.com/bandhub/messenger/internal/fileserver"
	"github.com/bandhub/messenger/internal/handler"
	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/middleware"
	"github.com/bandhub/messenger/internal/repository"
	"github.com/bandhub/messenger/internal/service"
	"github.com/bandhub/messenger/internal/startup"
	"github.com/bandhub/messenger/internal/storage"
	"github.com/bandhub/messenger/internal/storage/devstore"
	"github.com/bandhub/messenger/internal/storage/memory"
	"github.com/bandhub/messenger/internal/ws"
	"github.com/bandhub/messenger/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "apply database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting messenger API")
	cfg := config.Load()

	if *dev && cfg.StoreBackend == config.StoreBackendPostgres {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	var feed storage.ChangeFeed
	if cfg.Redis.Required {
		feed = startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
	} else {
		feed = devstore.NewFeed(context.Background(), cfg.Redis.URL, 5*time.Second)
	}
	defer feed.Close()

	deps := service.Deps{MaxUploadSize: cfg.MaxUploadSize}
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		if *migrate {
			logger.Info("memory store: nothing to migrate")
			return
		}
		store := memory.NewStore(feed)
		deps.Chats, deps.Messages, deps.Profiles = store.Directory(), store.Messages(), store
		logger.Info("store: in-memory")
	default:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			logger.Errorf("parse db config: %v", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConnections())
		poolCfg.MinConns = 4

		pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			logger.Errorf("migrations: %v", err)
			os.Exit(1)
		}
		if *migrate {
			return
		}
		chats := repository.NewChatRepository(pool, feed)
		deps.Chats = chats
		deps.Messages = repository.NewMessageRepository(pool, chats, feed)
		deps.Profiles = repository.NewUserRepository(pool, feed)
		logger.Info("store: postgres, migrations applied")
	}

	publisher := events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	if reason := events.NoopReason(publisher); reason != "" {
		logger.Infof("events: disabled (%s)", reason)
	} else {
		logger.Infof("events: %s exchange=%s", events.Mode(publisher), cfg.AMQP.Exchange)
	}

	files := fileserver.New(cfg.UploadDir)
	deps.Blobs = files
	deps.Events = publisher
	svc := service.New(deps)

	hub := ws.NewHub(svc, ws.Options{
		MaxConns:       cfg.MaxWSConnections,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	})

	rc := handler.RouterConfig{
		Messenger:      svc,
		Files:          files,
		Hub:            hub,
		MaxUploadSize:  cfg.MaxUploadSize,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if cfg.AuthServiceURL != "" {
		rc.Auth = middleware.AuthServiceValidate(cfg.AuthServiceURL, nil)
	} else {
		logger.Info("auth: X-User-Id header (AUTH_SERVICE_URL empty)")
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.NewRouter(rc),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	hubCtx, hubCancel := context.WithCancel(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(hubCtx)
		logger.Info("hub stopped")
		return nil
	})
	g.Go(func() error {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("server shutdown: %v", err)
		}
		logger.Info("server stopped accepting connections")
		hubCancel()
		svc.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("server error: %v", err)
		os.Exit(1)
	}
	logger.Infof("stopped, %d subscriptions left", svc.ActiveSubscriptions())
}

// runMigrations applies the embedded scripts in name order. Every script is idempotent.
func runMigrations(pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := fs.ReadFile(migrations.Files, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("run %s: %w", name, err)
		}
		logger.Infof("migration %s applied", name)
	}
	return nil
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "bandhub"
		password = "bandhub_secret"
		database = "bandhub"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
