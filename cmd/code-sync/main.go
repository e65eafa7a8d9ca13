package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XavierBriggs/betcode/services/code-sync/internal/backend"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/config"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/connection"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/handlers"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/lifecycle"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/notify"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/platform"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/store"
	"github.com/XavierBriggs/betcode/services/code-sync/internal/syncer"
	"github.com/XavierBriggs/betcode/services/code-sync/pkg/models"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("LOG_LEVEL") == "debug" {
		log.SetLevel(logrus.DebugLevel)
	}

	log.Info("=== code-sync ===")

	// Durable local store: Redis in production, in-memory fallback so the
	// service still works (without persistence) when Redis is unreachable.
	var storage platform.Storage
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, falling back to in-memory storage")
		storage = platform.NewMemoryStorage()
	} else {
		log.Info("connected to redis")
		storage = platform.NewRedisStorage(redisClient, cfg.Redis.KeyPrefix)
		defer redisClient.Close()
	}
	cancelPing()

	local := store.New(storage, store.Limits{
		MaxPendingItems: cfg.Store.MaxPendingItems,
		MaxCacheItems:   cfg.Store.MaxCacheItems,
		MaxQueueItems:   cfg.Store.MaxQueueItems,
		MaxCacheAge:     cfg.Store.MaxCacheAge,
		MaxStorageBytes: cfg.Store.MaxStorageBytes,
		HistorySize:     cfg.Sync.HistorySize,
	}, log)

	probe := platform.NewProbe(cfg.Backend.APIURL, 3*time.Second)
	dispatcher := notify.NewDispatcher(log)

	api := backend.New(cfg.Backend.APIURL, cfg.Backend.RequestTimeout, func(ctx context.Context) string {
		token, _ := local.Credentials(ctx)
		return token
	})

	manager := connection.NewManager(connection.Options{
		URL:                  cfg.Backend.WSURL,
		DialTimeout:          cfg.Connection.DialTimeout,
		PingInterval:         cfg.Connection.PingInterval,
		BackoffBase:          cfg.Connection.BackoffBase,
		BackoffCap:           cfg.Connection.BackoffCap,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
	}, local.Credentials, local, log)

	lc := lifecycle.NewStore(api, local, probe, dispatcher, log)

	sy := syncer.New(local, lc, api, manager, dispatcher, cfg.Sync.MaxDrainAttempts, log)

	submit := func(ctx context.Context, sub models.PendingSubmission) (models.BettingCode, error) {
		return api.SubmitCode(ctx, backend.SubmitRequest{
			Bookmaker: sub.Bookmaker,
			Code:      sub.Code,
			Stake:     sub.Stake,
			Odds:      sub.Odds,
			Country:   sub.Country,
			ClientRef: sub.ID,
		})
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wire the real-time channel into the store and lifecycle projection.
	unsubscribe := manager.Subscribe(func(ev connection.Event) {
		switch ev.Type {
		case connection.EventMessage:
			if ev.Message == nil {
				return
			}
			if err := local.CacheEvent(rootCtx, models.CachedEvent{
				Type:      ev.Message.Type,
				Payload:   ev.Message.Data,
				Timestamp: ev.Message.Timestamp,
			}); err != nil {
				log.WithError(err).Warn("failed to cache event")
			}
			if err := lc.HandleServerMessage(*ev.Message); err != nil {
				log.WithError(err).Warn("failed to handle server message")
			}

		case connection.EventConnectionChange:
			if ev.Status == models.ConnConnected {
				go func() {
					if err := sy.SyncNow(rootCtx, submit); err != nil {
						log.WithError(err).Warn("post-reconnect sync failed")
					}
				}()
			}

		case connection.EventError:
			if ev.Error != nil {
				dispatcher.Notify(notify.LevelError, ev.Error.Message)
			}
		}
	})
	defer unsubscribe()

	// Replay events cached while the service was down so the projection
	// starts from the last known state.
	for _, ev := range local.CachedEvents(rootCtx) {
		msg := models.ServerMessage{Type: ev.Type, Data: ev.Payload, Timestamp: ev.Timestamp}
		if err := lc.HandleServerMessage(msg); err != nil {
			log.WithError(err).Debug("skipping cached event")
		}
	}

	if token, _ := local.Credentials(rootCtx); token != "" {
		manager.Connect()
	}

	// Periodic sync keeps the projection fresh while connected and drains
	// the offline queue when connectivity comes back.
	go func() {
		ticker := time.NewTicker(cfg.Sync.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if !probe.IsOnline() {
					continue
				}
				if err := sy.SyncNow(rootCtx, submit); err != nil {
					log.WithError(err).Debug("periodic sync failed")
				}
			}
		}
	}()

	handler := handlers.NewHandler(lc, manager, sy, local, dispatcher, submit, log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	handler.Routes(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("code-sync listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		log.WithError(err).Fatal("server error")

	case <-rootCtx.Done():
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
			srv.Close()
		}
		manager.Close()
	}

	log.Info("shutdown complete")
}
