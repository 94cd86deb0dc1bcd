// Package notify publishes transcript events for live consumers over Redis
// pub/sub. Publishing is best effort and never affects the session log.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Event kinds
const (
	EventChunk         = "chunk"
	EventSessionClosed = "session_closed"
)

// Event is the JSON payload published for every transcript change
type Event struct {
	Type    string    `json:"type"`
	Session string    `json:"session"`
	RunID   string    `json:"run_id,omitempty"`
	Chunk   int       `json:"chunk,omitempty"`
	Text    string    `json:"text,omitempty"`
	Time    time.Time `json:"time"`
}

// RedisPublisher publishes events on channel <prefix><session>.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// Config for connecting to Redis
type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
	Timeout       time.Duration
}

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, config Config) (*RedisPublisher, error) {
	if config.Timeout <= 0 {
		config.Timeout = 800 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", config.Addr, err)
	}

	return NewRedisPublisherFromClient(client, config.ChannelPrefix, config.Timeout), nil
}

// NewRedisPublisherFromClient wraps an existing client
func NewRedisPublisherFromClient(client *redis.Client, prefix string, timeout time.Duration) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix, timeout: timeout}
}

// Channel returns the pub/sub channel for a session
func (p *RedisPublisher) Channel(session string) string {
	return p.prefix + session
}

// Publish sends event and returns the number of subscribers that got it.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) (int64, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	channel := p.Channel(event.Session)
	n, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("redis PUBLISH %s: %w", channel, err)
	}
	return n, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
