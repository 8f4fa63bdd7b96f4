package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"fieldbook/api/internal/app"
	"fieldbook/api/internal/blob"
	"fieldbook/api/internal/config"
	"fieldbook/api/internal/draft"
	"fieldbook/api/internal/remote"
	"fieldbook/api/internal/session"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := remote.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := remote.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	var feed *remote.Feed
	if strings.TrimSpace(cfg.RedisURL) != "" {
		feed, err = remote.NewFeed(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer feed.Close()
	} else {
		log.Printf("No Redis configured; change feed disabled")
	}

	store := remote.NewStore(db, publisherOrNil(feed))

	var drafts session.DraftStore
	var closeDrafts func() error
	switch cfg.DraftBackend {
	case "redis":
		log.Printf("Using Redis for draft storage")
		redisDrafts, err := draft.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis draft store failed: %v", err)
		}
		drafts = redisDrafts
		closeDrafts = redisDrafts.Close
	default:
		log.Printf("Using SQLite for draft storage at %s", cfg.DraftDBPath)
		sqliteDrafts, err := draft.NewSQLiteStore(ctx, cfg.DraftDBPath)
		if err != nil {
			log.Fatalf("sqlite draft store failed: %v", err)
		}
		drafts = sqliteDrafts
		closeDrafts = sqliteDrafts.Close
	}
	defer closeDrafts()

	var blobs session.BlobStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			PublicURL: cfg.MinioPublicURL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		blobs = minioStore
	} else {
		log.Printf("No MinIO configured; attachment uploads disabled")
	}

	service := app.NewService(store, drafts, blobs, subscriberOrNil(feed), session.Options{
		Debounce: cfg.SaveDebounce,
		Cooldown: cfg.PushCooldown,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Fieldbook API listening on %s", cfg.Addr)
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
	// Flush every open editing session so drafts land before exit.
	service.Shutdown(shutdownCtx)
}

// A nil *remote.Feed must become a nil interface, not a typed nil.

func publisherOrNil(feed *remote.Feed) remote.Publisher {
	if feed == nil {
		return nil
	}
	return feed
}

func subscriberOrNil(feed *remote.Feed) session.Subscriber {
	if feed == nil {
		return nil
	}
	return feed
}
