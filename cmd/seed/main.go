package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/config"
	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
)

// seed writes the practice's weekly schedule and a batch of fake WhatsApp
// contacts. SEED_CONTACTS sets how many (default 200); SEED_BLOCKED_DAYS is a
// comma separated list of YYYY-MM-DD days the practice is closed.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.UseMemoryStore {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	if err := seedSchedule(context.Background(), pool, cfg); err != nil {
		log.Fatalf("seed schedule: %v", err)
	}

	count := 200
	if v := os.Getenv("SEED_CONTACTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	if err := seedContacts(context.Background(), pool, cfg, count); err != nil {
		log.Fatalf("seed contacts: %v", err)
	}

	log.Println("seed complete")
}

func seedSchedule(ctx context.Context, pool *pgxpool.Pool, cfg config.Config) error {
	schedule := availability.ScheduleConfig{
		PracticeID:   cfg.PracticeID,
		SlotDuration: cfg.SlotDuration,
		Location:     cfg.Location,
		WorkingDays:  availability.StandardWeek(),
	}

	for _, raw := range strings.Split(os.Getenv("SEED_BLOCKED_DAYS"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", raw, cfg.Location)
		if err != nil {
			log.Printf("skipping blocked day %q: %v", raw, err)
			continue
		}
		schedule.BlockedDays = append(schedule.BlockedDays, availability.BlockedDay{Date: day, Reason: "closed"})
	}

	if err := availability.NewPgScheduleRepository(pool).SaveSchedule(ctx, schedule); err != nil {
		return err
	}
	log.Printf("schedule saved: practice=%s tz=%s slot=%s blocked_days=%d",
		cfg.PracticeID, cfg.Location, cfg.SlotDuration, len(schedule.BlockedDays))
	return nil
}

func seedContacts(ctx context.Context, pool *pgxpool.Pool, cfg config.Config, count int) error {
	log.Printf("seeding %d contacts", count)

	const batchSize = 100

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
			repo := appointment.NewPgRepository(tx)
			for i := offset; i < end; i++ {
				_, err := repo.CreateContact(ctx, appointment.Contact{
					PracticeID: cfg.PracticeID,
					Phone:      "55" + gofakeit.Numerify("11#########"),
					Name:       gofakeit.Name(),
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Printf("contacts seeded: %d/%d", end, count)
	}

	return nil
}
