package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds Redis connection settings.
type Config struct {
	URL          string
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Buffer bounds each subscription's delivery channel.
	Buffer int
}

func DefaultConfig(url string) Config {
	return Config{
		URL:          url,
		PoolSize:     10,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		Buffer:       256,
	}
}

// RedisPubSub implements PubSub using Redis.
type RedisPubSub struct {
	client        *redis.Client
	buffer        int
	log           zerolog.Logger
	mu            sync.Mutex
	subscriptions []*redis.PubSub
}

// NewRedisPubSub connects and pings Redis.
func NewRedisPubSub(ctx context.Context, cfg Config, log zerolog.Logger) (*RedisPubSub, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPubSub{client: client, buffer: cfg.Buffer, log: log}, nil
}

// Publish publishes an event to the specified channel.
func (r *RedisPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// SubscribePattern subscribes to channels matching pattern. The returned
// channel is closed when ctx ends or the subscription is closed.
func (r *RedisPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	sub := r.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	r.mu.Lock()
	r.subscriptions = append(r.subscriptions, sub)
	r.mu.Unlock()

	out := make(chan *Event, r.buffer)
	go func() {
		defer sub.Close()
		forward(ctx, sub.Channel(), out, r.log)
	}()
	return out, nil
}

// Close closes all subscriptions and the client.
func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	for _, sub := range r.subscriptions {
		_ = sub.Close()
	}
	r.subscriptions = nil
	r.mu.Unlock()
	return r.client.Close()
}

// Client returns the underlying Redis client.
func (r *RedisPubSub) Client() *redis.Client {
	return r.client
}

// forward decodes messages from in onto out until ctx ends or in closes.
// Malformed payloads are skipped; a full out drops the event.
func forward(ctx context.Context, in <-chan *redis.Message, out chan<- *Event, log zerolog.Logger) {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("discarding malformed event")
				continue
			}
			if event.PatientID == "" && event.UserID == "" {
				if kind, id, ok := ParseChannel(channelPrefix(msg.Pattern), msg.Channel); ok {
					if kind == "patient" {
						event.PatientID = id
					} else {
						event.UserID = id
					}
				}
			}

			select {
			case out <- &event:
			case <-ctx.Done():
				return
			default:
				log.Debug().Str("type", event.Type).Msg("subscriber buffer full, event dropped")
			}
		}
	}
}

// channelPrefix strips the trailing ":*" of a pattern built by Pattern.
func channelPrefix(pattern string) string {
	if len(pattern) >= 2 && pattern[len(pattern)-2:] == ":*" {
		return pattern[:len(pattern)-2]
	}
	return pattern
}
