package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const mirrorWriteTimeout = 300 * time.Millisecond

// StatusMirror publishes session snapshots to Redis so sidecar tooling can
// observe generation progress without hitting the HTTP API. The mirror is
// strictly best-effort: every failure is logged and swallowed, and a nil
// mirror is a no-op.
type StatusMirror struct {
	client *redis.Client
}

// NewStatusMirrorFromEnv connects to Redis when REDIS_ADDR is set and
// returns nil (mirror disabled) when it is not. REDIS_PASSWORD and REDIS_DB
// are optional.
func NewStatusMirrorFromEnv() *StatusMirror {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil
	}

	password := os.Getenv("REDIS_PASSWORD")
	db := 0
	if rawDB := strings.TrimSpace(os.Getenv("REDIS_DB")); rawDB != "" {
		if parsed, err := strconv.Atoi(rawDB); err == nil {
			db = parsed
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("generation: ping redis %s failed, status mirror disabled: %v", addr, err)
		_ = client.Close()
		return nil
	}

	log.Printf("generation: status mirror enabled (redis %s)", addr)
	return &StatusMirror{client: client}
}

// NewStatusMirror wraps an existing client, mainly for tests.
func NewStatusMirror(client *redis.Client) *StatusMirror {
	if client == nil {
		return nil
	}
	return &StatusMirror{client: client}
}

func (m *StatusMirror) key(sessionID string) string {
	return fmt.Sprintf("generation:session:%s", sessionID)
}

// Store writes one snapshot with the retention window as TTL so mirror
// entries expire together with the in-memory session.
func (m *StatusMirror) Store(ctx context.Context, view SessionView, ttl time.Duration) {
	if m == nil || m.client == nil {
		return
	}

	payload, err := json.Marshal(view)
	if err != nil {
		log.Printf("generation: marshal session %s for mirror failed: %v", view.ID, err)
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorWriteTimeout)
	defer cancel()

	if err := m.client.Set(ctx, m.key(view.ID), payload, ttl).Err(); err != nil {
		log.Printf("generation: mirror session %s failed: %v", view.ID, err)
	}
}

// Close releases the Redis connection.
func (m *StatusMirror) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
