package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

func TestMemoryEchoRegistryExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	reg := NewMemoryEchoRegistry(time.Minute)
	reg.now = func() time.Time { return now }

	require.NoError(t, reg.Remember(ctx, "5511999990000@s.whatsapp.net", "See you Monday "))

	seen, err := reg.Seen(ctx, "+55 11 99999-0000", "See you Monday")
	require.NoError(t, err)
	assert.True(t, seen, "number and surrounding space are normalized")

	seen, _ = reg.Seen(ctx, "5511999990000", "See you Tuesday")
	assert.False(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = reg.Seen(ctx, "5511999990000", "See you Monday")
	assert.False(t, seen)
}

func TestRedisEchoRegistry(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	ctx := context.Background()
	reg := NewRedisEchoRegistry(client, time.Minute)

	require.NoError(t, reg.Remember(ctx, "5511999990000", "hello"))
	seen, err := reg.Seen(ctx, "5511999990000", "hello")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Minute)
	seen, err = reg.Seen(ctx, "5511999990000", "hello")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestSendRemembersBeforeDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad number", http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := NewMemoryEchoRegistry(0)
	c, err := NewClient(Config{BaseURL: srv.URL, Instance: "clinic", Echoes: reg}, logging.Discard())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Send(context.Background(), "5511", "hi"), ErrSendFailed)
	seen, _ := reg.Seen(context.Background(), "5511", "hi")
	assert.True(t, seen)
}
