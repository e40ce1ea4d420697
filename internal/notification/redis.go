package notification

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// RedisSink publishes events to Redis pub/sub so other processes (chart
// frontends, journals) can follow the feed without touching the core.
type RedisSink struct {
	client  *goredis.Client
	prefix  string
	breaker *CircuitBreaker
}

// RedisSinkConfig configures the Redis sink.
type RedisSinkConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	Prefix   string // channel prefix, default "tradebot:events"
}

// NewRedisSink connects and pings the server.
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "tradebot:events"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{
		client:  client,
		prefix:  cfg.Prefix,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// Client returns the underlying Redis client for health checks.
func (s *RedisSink) Client() *goredis.Client { return s.client }

// Publish sends the event to a per-type channel, e.g.
// "tradebot:events:candle_appended".
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	channel := s.prefix + ":" + string(ev.Type)
	return s.breaker.Execute(func() error {
		return s.client.Publish(ctx, channel, ev.JSON()).Err()
	})
}

// Close releases the connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
