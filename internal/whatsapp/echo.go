package whatsapp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultEchoTTL is how long an outbound message is remembered.
const DefaultEchoTTL = 10 * time.Minute

// EchoRegistry remembers messages this service sent so their webhook echoes
// (fromMe events) are not mistaken for a person replying from the practice
// phone. Entries are written before the send is attempted.
type EchoRegistry interface {
	Remember(ctx context.Context, number, text string) error
	Seen(ctx context.Context, number, text string) (bool, error)
}

func echoKey(number, text string) string {
	sum := sha256.Sum256([]byte(NormalizeNumber(number) + "\x00" + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

type MemoryEchoRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryEchoRegistry(ttl time.Duration) *MemoryEchoRegistry {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	return &MemoryEchoRegistry{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (r *MemoryEchoRegistry) Remember(_ context.Context, number, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, exp := range r.entries {
		if !exp.After(now) {
			delete(r.entries, k)
		}
	}
	r.entries[echoKey(number, text)] = now.Add(r.ttl)
	return nil
}

func (r *MemoryEchoRegistry) Seen(_ context.Context, number, text string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.entries[echoKey(number, text)]
	return ok && exp.After(r.now()), nil
}

// RedisEchoRegistry shares remembered sends between api-server replicas.
type RedisEchoRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisEchoRegistry(client *redis.Client, ttl time.Duration) *RedisEchoRegistry {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	return &RedisEchoRegistry{client: client, ttl: ttl}
}

func (r *RedisEchoRegistry) Remember(ctx context.Context, number, text string) error {
	return r.client.Set(ctx, "clinic:wa:echo:"+echoKey(number, text), 1, r.ttl).Err()
}

func (r *RedisEchoRegistry) Seen(ctx context.Context, number, text string) (bool, error) {
	n, err := r.client.Exists(ctx, "clinic:wa:echo:"+echoKey(number, text)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
