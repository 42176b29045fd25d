// Package cache keeps short-lived processor event markers so redelivered
// webhooks can be acknowledged without touching the store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("key not found")

const (
	KindMemory = "memory"
	KindRedis  = "redis"
)

// Provider is a small TTL key/value store shared by webhook workers.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Claim stores value only when key is absent and reports whether it did.
	Claim(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// DeleteIf removes key only while it still holds value.
	DeleteIf(ctx context.Context, key, value string) (bool, error)
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
}

// NewProvider builds the configured provider. An empty kind selects memory.
func NewProvider(cfg Config) (Provider, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Provider)); kind {
	case KindMemory, "":
		return NewMemoryProvider()
	case KindRedis:
		return NewRedisProvider(cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider %q", cfg.Provider)
	}
}

// ProcessorEventKey namespaces an event id by processor.
func ProcessorEventKey(processor, eventID string) string {
	return "processor_event:" + processor + ":" + eventID
}
