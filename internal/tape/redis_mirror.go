package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel the tape is mirrored to.
const DefaultChannel = "synapse:tape"

// RedisMirror publishes every tape event to a Redis channel so out-of-process
// observers (dashboards, replicas of the spectator) can follow along.
type RedisMirror struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisMirror connects to Redis using a URL of the form
// redis://[:password@]host:port[/db].
func NewRedisMirror(url, channel string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisMirror{
		client:  redis.NewClient(opts),
		channel: channel,
		timeout: 5 * time.Second,
	}, nil
}

// Publish sends one event. Errors are surfaced to the bus, which logs them;
// mirror failures never roll back in-memory state.
func (m *RedisMirror) Publish(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal tape event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	return m.client.Publish(ctx, m.channel, data).Err()
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
