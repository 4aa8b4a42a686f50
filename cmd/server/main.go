package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technohome/doorbell-hub/internal/api"
	"github.com/technohome/doorbell-hub/internal/config"
	"github.com/technohome/doorbell-hub/internal/data"
	"github.com/technohome/doorbell-hub/internal/device"
	"github.com/technohome/doorbell-hub/internal/events"
	"github.com/technohome/doorbell-hub/internal/notification"
	"github.com/technohome/doorbell-hub/internal/policy"
	"github.com/technohome/doorbell-hub/internal/recording"
	"github.com/technohome/doorbell-hub/internal/viewers"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/default.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	store := config.NewStore(configPath, cfg)

	if err := os.MkdirAll(cfg.Media.Root, 0o755); err != nil {
		log.Fatalf("Media root error: %v", err)
	}

	// DB Init
	db, err := sql.Open("postgres", cfg.ConnString())
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	doorbells := data.DoorbellModel{DB: db}
	alerts := data.AlertModel{DB: db}
	users := data.UserModel{DB: db}

	// Shared Redis client for live viewer tracking
	redisAddr := cfg.Redis.Addr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	// NATS is optional; alerts still persist and email without it.
	var publisher policy.Publisher
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL)
		if err != nil {
			log.Printf("[WARN] NATS connect: %v. Alert publishing disabled.", err)
		} else {
			publisher = policy.NewAlertPublisher(nc, cfg.NATS.Subject, 3)
			defer nc.Drain()
		}
	}

	notifier := notification.NewNotifier(notification.Config{
		Host: cfg.SMTP.Host,
		Port: cfg.SMTP.Port,
		User: cfg.SMTP.User,
		Pass: cfg.SMTP.Pass,
		From: cfg.SMTP.From,
	})

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	store.StartWatcher(rootCtx)

	bus := events.NewBus()
	registry := device.NewRegistry()

	svc := policy.NewService(doorbells, alerts, users, registry, store, notifier, publisher)
	svc.Bind(bus)

	deviceServer := device.NewServer(device.ServerConfig{
		Addr:      cfg.Listen.DeviceAddr,
		MediaRoot: cfg.Media.Root,
	}, bus, registry, recording.NewVideoWriter)
	if err := deviceServer.Start(); err != nil {
		log.Fatalf("Device listener error: %v", err)
	}
	log.Printf("[INFO] Device listener on %s", cfg.Listen.DeviceAddr)

	doorbellHandler := &api.DoorbellHandler{
		Doorbells: doorbells,
		Alerts:    alerts,
		Registry:  registry,
		Bus:       bus,
		Pictures:  svc,
		MediaRoot: cfg.Media.Root,
	}
	liveHandler := &api.LiveHandler{
		Registry: registry,
		Bus:      bus,
		Viewers:  viewers.NewManager(rdb),
	}

	httpServer := &http.Server{
		Addr:    cfg.Listen.HTTPAddr,
		Handler: api.NewRouter(doorbellHandler, liveHandler),
	}
	go func() {
		log.Printf("[INFO] HTTP listener on %s", cfg.Listen.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("[INFO] Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("[WARN] HTTP shutdown: %v", err)
	}
	if err := deviceServer.Shutdown(ctx); err != nil {
		log.Printf("[WARN] Device shutdown: %v", err)
	}
	log.Printf("[INFO] Server stopped gracefully")
}
