package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/config"
	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

// simulate races many booking links against a few hot slots of one day and
// checks afterwards that no slot holds more than one live appointment.
// Contacts come from cmd/seed.

type SimConfig struct {
	APIBaseURL string
	Workers    int
	Tokens     int
	HotSlots   int
	Attempts   int
	Date       string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Metrics struct {
	Availability OperationMetrics
	Booking      OperationMetrics
	Booked       int64
	GaveUp       int64
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}
	if baseCfg.UseMemoryStore {
		log.Fatal("POSTGRES_DSN is required (set in .env or environment)")
	}
	cfg := loadConfig(baseCfg)
	if cfg.Workers <= 0 || cfg.Tokens <= 0 || cfg.HotSlots <= 0 {
		log.Fatal("SIM_WORKERS, SIM_TOKENS and SIM_HOT_SLOTS must be > 0")
	}

	log.Printf("config: api=%s date=%s workers=%d tokens=%d hot_slots=%d",
		cfg.APIBaseURL, cfg.Date, cfg.Workers, cfg.Tokens, cfg.HotSlots)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(ctx, baseCfg.RedisAddr, baseCfg.RedisUsername, baseCfg.RedisPassword)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()

	repo := appointment.NewPgRepository(pgPool)
	tokens := booking.NewTokenService(repo, redisclient.NewRedisLocker(rdb, baseCfg.LockTTL), booking.TokenConfig{
		TTL:           time.Hour,
		LockWait:      baseCfg.LockWait,
		PublicBaseURL: cfg.APIBaseURL,
	}, logging.Discard(), nil)

	links, err := issueLinks(ctx, pgPool, repo, tokens, baseCfg.PracticeID, cfg.Tokens)
	if err != nil {
		log.Fatalf("issue links: %v", err)
	}
	log.Printf("issued %d booking links", len(links))

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	sim.Run(links)
	sim.PrintReport()

	if err := verifySlots(context.Background(), pgPool, baseCfg, cfg.Date); err != nil {
		log.Fatalf("slot check failed: %v", err)
	}
	log.Println("slot check passed: every slot holds at most one live appointment")
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL: strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Workers:    getInt("SIM_WORKERS", 20),
		Tokens:     getInt("SIM_TOKENS", 60),
		HotSlots:   getInt("SIM_HOT_SLOTS", 3),
		Attempts:   getInt("SIM_ATTEMPTS", 3),
		Date:       os.Getenv("SIM_DATE"),
	}
	if cfg.Date == "" {
		day := time.Now().In(base.Location).AddDate(0, 0, 7)
		for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
		}
		cfg.Date = day.Format("2006-01-02")
	}
	return cfg
}

func issueLinks(ctx context.Context, pool *pgxpool.Pool, repo *appointment.PgRepository, tokens *booking.TokenService, practiceID uuid.UUID, limit int) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT id FROM contacts WHERE practice_id = $1 LIMIT $2
	`, practiceID, limit)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no contacts for practice %s, run cmd/seed first", practiceID)
	}

	links := make([]string, 0, len(ids))
	for _, id := range ids {
		contact, err := repo.GetContactByID(ctx, id)
		if err != nil {
			return nil, err
		}
		tok, err := tokens.IssueOrReuse(ctx, *contact, booking.DraftDetails{AppointmentType: "private", PatientName: contact.Name})
		if err != nil {
			return nil, err
		}
		links = append(links, tok.Token)
	}
	return links, nil
}

func (s *Simulator) Run(links []string) {
	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for token := range work {
				s.book(token, rng)
			}
		}(i)
	}

	for _, l := range links {
		work <- l
	}
	close(work)
	wg.Wait()
	log.Println("simulation complete")
}

// book keeps trying hot slots for one link; a lost race leaves the link usable.
func (s *Simulator) book(token string, rng *rand.Rand) {
	for attempt := 0; attempt < s.config.Attempts; attempt++ {
		times, ok := s.availability(token)
		if !ok || len(times) == 0 {
			break
		}
		hot := times[:min(s.config.HotSlots, len(times))]
		clock := hot[rng.Intn(len(hot))]

		status := s.post(token, clock)
		switch status {
		case http.StatusCreated:
			atomic.AddInt64(&s.metrics.Booked, 1)
			return
		case http.StatusConflict:
			continue
		default:
			return
		}
	}
	atomic.AddInt64(&s.metrics.GaveUp, 1)
}

func (s *Simulator) availability(token string) ([]string, bool) {
	start := time.Now()
	resp, err := s.client.Get(fmt.Sprintf("%s/book/%s/availability?date=%s", s.config.APIBaseURL, token, s.config.Date))
	latency := time.Since(start)
	if err != nil {
		s.metrics.Availability.Record(latency, false, false)
		return nil, false
	}
	defer resp.Body.Close()

	var body struct {
		AvailableTimes []string `json:"available_times"`
	}
	ok := resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&body) == nil
	s.metrics.Availability.Record(latency, ok, false)
	return body.AvailableTimes, ok
}

func (s *Simulator) post(token, clock string) int {
	body, _ := json.Marshal(map[string]string{"date": s.config.Date, "time": clock})

	start := time.Now()
	resp, err := s.client.Post(s.config.APIBaseURL+"/book/"+token, "application/json", bytes.NewReader(body))
	latency := time.Since(start)
	if err != nil {
		s.metrics.Booking.Record(latency, false, false)
		return 0
	}
	defer resp.Body.Close()

	s.metrics.Booking.Record(latency, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusConflict)
	return resp.StatusCode
}

func verifySlots(ctx context.Context, pool *pgxpool.Pool, cfg config.Config, date string) error {
	day, err := time.ParseInLocation("2006-01-02", date, cfg.Location)
	if err != nil {
		return err
	}
	rows, err := pool.Query(ctx, `
		SELECT scheduled_for, count(*)
		FROM appointments
		WHERE practice_id = $1
		  AND status IN ('pending', 'confirmed')
		  AND scheduled_for >= $2 AND scheduled_for < $3
		GROUP BY scheduled_for
		HAVING count(*) > 1
	`, cfg.PracticeID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	defer rows.Close()

	var doubles []string
	for rows.Next() {
		var at time.Time
		var n int
		if err := rows.Scan(&at, &n); err != nil {
			return err
		}
		doubles = append(doubles, fmt.Sprintf("%s x%d", at.In(cfg.Location).Format("15:04"), n))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(doubles) > 0 {
		return fmt.Errorf("double booked slots: %s", strings.Join(doubles, ", "))
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BOOKING RACE REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Date: %s\n", s.config.Date)
	fmt.Printf("Workers: %d  Links: %d  Hot slots: %d\n", s.config.Workers, s.config.Tokens, s.config.HotSlots)
	fmt.Printf("Booked: %d  Gave up: %d\n", atomic.LoadInt64(&s.metrics.Booked), atomic.LoadInt64(&s.metrics.GaveUp))
	fmt.Println()

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Booking", &s.metrics.Booking)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
