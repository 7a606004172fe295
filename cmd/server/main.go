package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindling/messaging/internal/auth"
	"github.com/kindling/messaging/internal/config"
	"github.com/kindling/messaging/internal/gateway"
	"github.com/kindling/messaging/internal/httpapi"
	"github.com/kindling/messaging/internal/inbox"
	"github.com/kindling/messaging/internal/match"
	"github.com/kindling/messaging/internal/message"
	"github.com/kindling/messaging/internal/messaging"
	"github.com/kindling/messaging/internal/notify"
	"github.com/kindling/messaging/internal/presence"
	"github.com/kindling/messaging/internal/ratelimit"
	"github.com/kindling/messaging/internal/session"
	"github.com/kindling/messaging/internal/storage"
	"github.com/kindling/messaging/internal/ws"
)

// natsNotifier publishes notification jobs to the shared dispatch subject so
// that one worker across all instances handles each push.
type natsNotifier struct {
	nc *messaging.NATSClient
}

func (n natsNotifier) Enqueue(job notify.Job) bool {
	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("main: marshal notify job: %v", err)
		return false
	}
	if err := n.nc.PublishNotify(data); err != nil {
		log.Printf("main: publish notify job: %v", err)
		return false
	}
	return true
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- PostgreSQL ---
	db, err := storage.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := storage.Migrate(db, cfg.Database.MigrationsPath); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to redis: %v", err)
	}
	pingCancel()

	sessionStore := session.NewStore(redisClient, cfg.Server.Name)
	limiter := ratelimit.NewLimiter(redisClient)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.Server.Name
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Core ---
	matchStore := match.NewStore(db)
	authority := match.NewAuthority(matchStore)
	messageStore := message.NewStore(db)
	registry := presence.NewMemoryRegistry()
	verifier := auth.NewJWTVerifier(cfg.JWT.Secret)

	// --- Push notifications ---
	expoURL := cfg.Push.ExpoURL
	if expoURL == "" {
		expoURL = notify.DefaultExpoURL
	}
	pushDispatcher := notify.NewDispatcher(registry, notify.NewTokenStore(db), notify.NewExpoSender(expoURL))
	pushDispatcher.Start()

	// Every instance joins the notifier queue group; NATS delivers each job
	// to exactly one of them.
	if err := natsClient.SubscribeNotify(func(data []byte) {
		var job notify.Job
		if err := json.Unmarshal(data, &job); err != nil {
			log.Printf("main: decode notify job: %v", err)
			return
		}
		pushDispatcher.Enqueue(job)
	}); err != nil {
		log.Fatalf("failed to subscribe to notify queue: %v", err)
	}

	// --- WebSocket gateway ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.Server.WSAddr
	wsConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout
	wsConfig.AuthWindow = cfg.Server.AuthWindow

	wsDispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, wsDispatcher.Dispatch)
	wsDispatcher.SetServer(server)

	gw := gateway.New(gateway.Config{
		Transport: server,
		Authority: authority,
		Messages:  messageStore,
		Presence:  registry,
		Bus:       natsClient,
		Sessions:  sessionStore,
		Limiter:   limiter,
		Verifier:  verifier,
		Notify:    natsNotifier{nc: natsClient},
	})
	gw.RegisterHandlers(wsDispatcher)
	server.SetOnDisconnect(gw.OnDisconnect)

	server.SetGate(func(r *http.Request) error {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !limiter.Allow(r.Context(), ratelimit.RuleConnect, ip) {
			return errors.New("connection rate exceeded")
		}
		return nil
	})

	// --- REST API ---
	api := httpapi.New(verifier, gw, authority, messageStore, inbox.NewAggregator(db))
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("http: api listening on %s", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	log.Printf("Kindling messaging server starting")
	log.Printf("  ws_addr:          %s", cfg.Server.WSAddr)
	log.Printf("  http_addr:        %s", cfg.Server.HTTPAddr)
	log.Printf("  worker_pool:      %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections:  %d", cfg.Server.MaxConnections)
	log.Printf("  nats_url:         %s", cfg.NATS.URL)
	log.Printf("  redis_addr:       %s", cfg.Redis.Addr)
	log.Printf("  server_name:      %s", cfg.Server.Name)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		if err := server.Shutdown(); err != nil {
			log.Printf("ws shutdown error: %v", err)
		}

		pushDispatcher.Stop()
		natsClient.Close()

		if err := redisClient.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
