package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-scheduling-assistant/internal/api"
	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/calendar"
	"github.com/hackgods/clinic-scheduling-assistant/internal/config"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
	"github.com/hackgods/clinic-scheduling-assistant/internal/llm"
	"github.com/hackgods/clinic-scheduling-assistant/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/internal/whatsapp"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

// infra holds the storage and coordination backends picked by config.
type infra struct {
	appointments  appointment.Repository
	conversations conversation.Store
	schedules     availability.ScheduleRepository
	locker        redisclient.Locker
	convLocker    redisclient.Locker
	echoes        whatsapp.EchoRegistry
	checks        []api.DependencyCheck

	pgPool *pgxpool.Pool
	rdb    *redis.Client
}

func connectInfra(ctx context.Context, cfg config.Config, logger *logging.Logger) (*infra, error) {
	if cfg.UseMemoryStore {
		logger.Warn("using in-memory storage, state is lost on restart")
		schedules := availability.NewMemoryScheduleRepository(availability.ScheduleConfig{
			PracticeID:   cfg.PracticeID,
			SlotDuration: cfg.SlotDuration,
			Location:     cfg.Location,
			WorkingDays:  availability.StandardWeek(),
		})
		return &infra{
			appointments:  appointment.NewMemoryRepository(),
			conversations: conversation.NewMemoryStore(),
			schedules:     schedules,
			locker:        redisclient.NewLocalLocker(),
			convLocker:    redisclient.NewLocalLocker(),
			echoes:        whatsapp.NewMemoryEchoRegistry(whatsapp.DefaultEchoTTL),
		}, nil
	}

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		return nil, fmt.Errorf("postgres connection error: %w", err)
	}
	log.Println("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("redis connection error: %w", err)
	}
	log.Println("connected to Redis")

	return &infra{
		appointments:  appointment.NewPgRepository(pgPool),
		conversations: conversation.NewPgStore(pgPool),
		schedules:     availability.NewPgScheduleRepository(pgPool),
		locker:        redisclient.NewRedisLocker(rdb, cfg.LockTTL),
		convLocker:    redisclient.NewRedisLocker(rdb, cfg.ConvLockTTL),
		echoes:        whatsapp.NewRedisEchoRegistry(rdb, whatsapp.DefaultEchoTTL),
		checks: []api.DependencyCheck{
			{Name: "postgres", Critical: true, Ping: pgPool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		pgPool: pgPool,
		rdb:    rdb,
	}, nil
}

func (i *infra) Close() {
	if i.rdb != nil {
		if err := i.rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}
	if i.pgPool != nil {
		i.pgPool.Close()
	}
}

func buildCalendar(ctx context.Context, cfg config.Config, logger *logging.Logger) calendar.Client {
	if !cfg.CalendarEnabled() {
		logger.Info("google calendar not configured, events are not synced")
		return calendar.Noop{}
	}
	gc, err := calendar.NewGoogleClient(ctx, calendar.GoogleConfig{
		CalendarID:      cfg.GoogleCalendarID,
		CredentialsFile: cfg.GoogleCredentialsFile,
		Timeout:         cfg.CalendarTimeout,
		MaxAttempts:     cfg.CalendarMaxAttempts,
	}, logger)
	if err != nil {
		logger.Error("google calendar disabled", "error", err)
		return calendar.Noop{}
	}
	return gc
}

func buildSender(cfg config.Config, echoes whatsapp.EchoRegistry, logger *logging.Logger) *whatsapp.Client {
	if !cfg.WhatsAppEnabled() {
		logger.Warn("evolution api not configured, replies are returned but not delivered")
		return nil
	}
	client, err := whatsapp.NewClient(whatsapp.Config{
		BaseURL:    cfg.EvolutionBaseURL,
		APIKey:     cfg.EvolutionAPIKey,
		Instance:   cfg.EvolutionInstance,
		Timeout:    cfg.EvolutionSendTimeout,
		MaxRetries: cfg.EvolutionSendMaxRetry,
		Backoff:    cfg.EvolutionRetryBackoff,
		Echoes:     echoes,
	}, logger)
	if err != nil {
		logger.Error("whatsapp delivery disabled", "error", err)
		return nil
	}
	return client
}

// buildModel returns the configured provider, with the other one as
// fallback when it is also configured.
func buildModel(ctx context.Context, cfg config.Config, logger *logging.Logger, m *metrics.SchedulingMetrics) (llm.Client, func(), error) {
	var (
		gemini, bedrock llm.Client
		closers         []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.GeminiAPIKey != "" {
		gc, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, closeAll, fmt.Errorf("gemini: %w", err)
		}
		closers = append(closers, func() { _ = gc.Close() })
		gemini = llm.NewRetryClient(gc, llm.RetryConfig{
			Provider:    "gemini",
			Timeout:     cfg.LLMTimeout,
			MaxAttempts: cfg.LLMMaxAttempts,
		}, logger, m)
	}

	if cfg.BedrockModelID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("load aws config: %w", err)
		}
		bc, err := llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("bedrock: %w", err)
		}
		bedrock = llm.NewRetryClient(bc, llm.RetryConfig{
			Provider:    "bedrock",
			Timeout:     cfg.LLMTimeout,
			MaxAttempts: cfg.LLMMaxAttempts,
		}, logger, m)
	}

	primary, secondary := gemini, bedrock
	if cfg.LLMProvider == "bedrock" {
		primary, secondary = bedrock, gemini
	}
	switch {
	case primary == nil:
		closeAll()
		return nil, func() {}, errors.New("LLM_PROVIDER " + cfg.LLMProvider + " is selected but not configured")
	case secondary == nil:
		return primary, closeAll, nil
	default:
		logger.Info("language model fallback enabled", "primary", cfg.LLMProvider)
		return llm.NewFallbackClient(primary, secondary, logger), closeAll, nil
	}
}
