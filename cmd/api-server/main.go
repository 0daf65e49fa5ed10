package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/clinic-scheduling-assistant/internal/api"
	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/config"
	"github.com/hackgods/clinic-scheduling-assistant/internal/llm"
	"github.com/hackgods/clinic-scheduling-assistant/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-assistant/internal/secretary"
	"github.com/hackgods/clinic-scheduling-assistant/internal/whatsapp"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s memory_store=%t llm=%s", cfg.Env, cfg.HTTPPort, cfg.UseMemoryStore, cfg.LLMProvider)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(reg)

	infra, err := connectInfra(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("infrastructure error: %v", err)
	}
	defer infra.Close()

	cal := buildCalendar(rootCtx, cfg, logger)
	sender := buildSender(cfg, infra.echoes, logger)

	model, closeModel, err := buildModel(rootCtx, cfg, logger, m)
	if err != nil {
		log.Fatalf("llm setup error: %v", err)
	}
	defer closeModel()

	appts := appointment.NewService(infra.appointments, cal, logger)
	avail := availability.NewService(infra.schedules, infra.appointments, cfg.SlotDuration)
	tokens := booking.NewTokenService(infra.appointments, infra.locker, booking.TokenConfig{
		TTL:           cfg.TokenTTL,
		LockWait:      cfg.LockWait,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger, m)

	schedulerDeps := booking.SchedulerDeps{
		Tokens:       tokens,
		Availability: avail,
		Appointments: appts,
		Calendar:     cal,
		Locker:       infra.locker,
		LockWait:     cfg.LockWait,
		Logger:       logger,
		Metrics:      m,
	}
	if sender != nil {
		schedulerDeps.Notifier = whatsapp.NewBookingNotifier(sender, cfg.Location)
	}
	scheduler := booking.NewScheduler(schedulerDeps)

	routerDeps := secretary.Deps{
		Conversations: infra.conversations,
		Appointments:  appts,
		Tokens:        tokens,
		Scheduler:     scheduler,
		Classifier:    llm.NewIntentClassifier(model),
		Extractor:     llm.NewScheduleExtractor(model),
		Generator:     llm.NewResponseGenerator(model),
		Locker:        infra.convLocker,
		LockWait:      cfg.LockWait,
		HistoryTurns:  cfg.HistoryTurns,
		FallbackText:  cfg.FallbackMessage,
		Location:      cfg.Location,
		Logger:        logger,
		Metrics:       m,
	}
	// a nil interface, not a typed nil, when delivery is off
	if sender != nil {
		routerDeps.Sender = sender
	}
	secretaryRouter := secretary.NewRouter(routerDeps)

	handler := api.NewRouter(api.RouterConfig{
		PracticeID:     cfg.PracticeID,
		Location:       cfg.Location,
		Appointments:   appts,
		Conversations:  infra.conversations,
		Secretary:      secretaryRouter,
		Booking:        scheduler,
		Echoes:         infra.echoes,
		Checks:         infra.checks,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		AdminJWTSecret: cfg.AdminJWTSecret,
		Logger:         logger,
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ConvLockTTL + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}
