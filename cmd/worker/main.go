package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/pflag"

	"github.com/waveto/mr-ray-open/internal/cache"
	"github.com/waveto/mr-ray-open/internal/config"
	"github.com/waveto/mr-ray-open/internal/conversation"
	"github.com/waveto/mr-ray-open/internal/email"
	"github.com/waveto/mr-ray-open/internal/obs"
	"github.com/waveto/mr-ray-open/internal/store"
	"github.com/waveto/mr-ray-open/internal/tasks"
)

func main() {
	cfg := config.Load()

	flags := pflag.NewFlagSet("mrray-worker", pflag.ContinueOnError)
	flags.IntVar(&cfg.WorkerConcurrency, "concurrency", cfg.WorkerConcurrency, "notification tasks processed in parallel")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("flags: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions)
	cancel()
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	backend, err := cache.NewRedisBackend(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer backend.Close()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.Fatalf("task queue config: %v", err)
	}

	obs.Init()

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		BaseURL:  cfg.PublicBaseURL,
	})
	if !mailer.IsConfigured() {
		log.Printf("WARNING: SMTP is not configured; notification tasks will be dropped")
	}

	entities := cache.New(backend, store.NewPostgresStore(db), cfg.CacheTTL)
	handlers := tasks.NewHandlers(mailer, conversation.NewMetaService(entities))
	mux := asynq.NewServeMux()
	handlers.Register(mux)

	server := tasks.NewServer(redisOpt, tasks.ServerConfig{Concurrency: cfg.WorkerConcurrency})
	log.Printf("mr-ray worker consuming %q with concurrency %d", tasks.QueueNotifications, cfg.WorkerConcurrency)
	// Run blocks until SIGINT or SIGTERM and then drains in-flight tasks.
	if err := server.Run(mux); err != nil {
		log.Fatalf("worker failed: %v", err)
	}
}
