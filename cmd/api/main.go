package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"elimu.org/internal/auth"
	"elimu.org/internal/httpapi"
	"elimu.org/internal/idempotency"
	"elimu.org/internal/obs"
	"elimu.org/internal/receipt"
	"elimu.org/internal/store/pg"
	"elimu.org/internal/stream"
	"elimu.org/internal/sync"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		receiptStore  receipt.Store
		outboxStore   sync.OutboxStore
		conflictStore sync.ConflictStore
		attemptStore  sync.AttemptStore
		deviceStore   auth.DeviceStore
		probe         httpapi.ReadyProbe
	)

	if dsn := os.Getenv("ELIMU_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		receiptStore = store
		outboxStore = store
		conflictStore = store.Conflicts()
		attemptStore = store.Attempts()
		deviceStore = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("ELIMU_PG_DSN not set, using in-memory stores")
		receiptStore = receipt.NewInMemory()
		outboxStore = sync.NewInMemoryOutbox()
		conflictStore = sync.NewInMemoryConflicts()
		attemptStore = sync.NewInMemoryAttempts()
		deviceStore = auth.NewInMemoryDevices()
	}

	var cache idempotency.Cache
	if addr := os.Getenv("ELIMU_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		cache = idempotency.NewRedis(client)
	} else {
		log.Println("ELIMU_REDIS_ADDR not set, using in-memory idempotency cache")
		cache = idempotency.NewInMemory()
	}

	ledger := receipt.NewLedger(receiptStore)
	service := sync.NewService(outboxStore, conflictStore, attemptStore, ledger, cache)
	events := stream.New()

	api := httpapi.New(httpapi.Config{
		ReadyProbe: probe,
		Version:    version,
		Sync:       service,
		Receipts:   ledger,
		Devices:    deviceStore,
		Stream:     events,
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), 50, 25),
						1<<20,
					),
				),
			),
		),
	)

	addr := os.Getenv("ELIMU_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting elimu-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
