package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/waveto/mr-ray-open/internal/app"
	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/config"
	"github.com/waveto/mr-ray-open/internal/conversation"
	"github.com/waveto/mr-ray-open/internal/obs"
	"github.com/waveto/mr-ray-open/internal/remote"
	"github.com/waveto/mr-ray-open/internal/session"
	"github.com/waveto/mr-ray-open/internal/settings"
	"github.com/waveto/mr-ray-open/internal/store"
	"github.com/waveto/mr-ray-open/internal/tasks"
)

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet("mrray-api", pflag.ContinueOnError)
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.StringVar(&cfg.MigrationsDir, "migrations", cfg.MigrationsDir, "directory holding *.up.sql migrations")
	migrateOnly := flags.Bool("migrate-only", false, "apply migrations and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("flags: %v", err)
	}

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	if *migrateOnly {
		log.Printf("migrations applied")
		return
	}

	backend, err := cache.NewRedisBackend(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer backend.Close()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.Fatalf("task queue config: %v", err)
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	obs.Init()

	dataStore := store.NewPostgresStore(db)
	entities := cache.New(backend, dataStore, cfg.CacheTTL)
	sessions := session.NewManager(entities, session.Options{
		PublicParticipant: cfg.PublicParticipant,
		BaseURL:           cfg.PublicBaseURL,
	})
	documents := remote.NewRetryingClient(
		remote.NewHTTPService(cfg.DocumentServiceURL, cfg.DocumentServiceToken, &http.Client{Timeout: 20 * time.Second}),
		remote.Options{
			LossyRetries:     cfg.LossyRetries,
			ImportantRetries: cfg.ImportantRetries,
			Backoff:          cfg.RemoteBackoff,
		},
	)
	service := app.NewService(
		sessions,
		settings.NewMutator(sessions),
		conversation.NewMetaService(entities),
		documents,
		tasks.NewQueue(queueClient),
		app.Robot{Ident: cfg.RobotIdent, Domain: cfg.RobotDomain},
	)
	if cfg.RobotSecret == "" {
		log.Printf("WARNING: ROBOT_SECRET is empty; robot callbacks will be refused")
	}

	httpServer := app.NewHTTPServer(service, app.ServerOptions{
		BaseURL:            cfg.PublicBaseURL,
		RobotSecret:        []byte(cfg.RobotSecret),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		RequestTimeout:     cfg.RequestTimeout,
		Checks:             map[string]app.Pinger{"database": dataStore, "cache": backend},
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("mr-ray api listening on %s as %s", cfg.Addr, cfg.RobotAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
