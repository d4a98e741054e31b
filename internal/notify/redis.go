package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
	// PasswordEnv names the environment variable holding the password,
	// overriding any password in URL.
	PasswordEnv string `yaml:"password_env,omitempty"`
}

// RedisSink publishes each message on a per-party channel and on a shared
// events channel.
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink connects to the configured Redis server.
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PasswordEnv != "" {
		if pw := os.Getenv(cfg.PasswordEnv); pw != "" {
			opts.Password = pw
		}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisSink(client, cfg.Prefix), nil
}

func newRedisSink(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "escrowd"
	}
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

// PartyChannel returns the channel a party's messages are published on.
func (s *RedisSink) PartyChannel(party string) string {
	return s.prefix + ":party:" + party
}

// EventsChannel returns the channel every message is published on.
func (s *RedisSink) EventsChannel() string {
	return s.prefix + ":events"
}

func (s *RedisSink) Deliver(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Publish(ctx, s.PartyChannel(msg.Party), data)
	pipe.Publish(ctx, s.EventsChannel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
