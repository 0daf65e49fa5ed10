package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/config"
	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

// expiry-worker removes used and expired booking tokens together with their
// draft appointments.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("expiry-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.UseMemoryStore {
		log.Fatal("expiry-worker needs POSTGRES_DSN; in-memory state lives inside api-server")
	}

	log.Printf("running expiry worker in env=%s interval=%s", cfg.Env, cfg.WorkerInterval)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.LogLevel)

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	// the sweep is a single DELETE and takes no contact locks
	repo := appointment.NewPgRepository(pgPool)
	tokens := booking.NewTokenService(repo, redisclient.NewLocalLocker(), booking.TokenConfig{
		TTL:           cfg.TokenTTL,
		LockWait:      cfg.LockWait,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger, nil)

	// Run once at startup
	runOnce(rootCtx, tokens, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Println("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, tokens, logger)
		}
	}
}

func runOnce(ctx context.Context, tokens *booking.TokenService, logger *logging.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	purged, err := tokens.PurgeStale(runCtx)
	if err != nil {
		logger.Error("expiry run failed", "error", err)
		return
	}
	logger.Info("expiry run complete", "drafts_removed", purged, "duration_ms", time.Since(start).Milliseconds())
}
