package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/amoylab/esilink/internal/common/config"
)

// RedisHub publishes live events through Redis pub/sub so any process
// holding the websocket of a session can deliver them
type RedisHub struct {
	logger    *zap.Logger
	client    *redis.Client
	prefix    string
	queueSize int
	pubsub    *redis.PubSub

	mu       sync.RWMutex
	channels map[string]*RedisChannel
}

var _ Hub = (*RedisHub)(nil)

// NewRedisHub connects to Redis and subscribes to every live channel key
func NewRedisHub(ctx context.Context, logger *zap.Logger, cfg config.LiveConfig) (*RedisHub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "esilink"
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 100
	}

	h := &RedisHub{
		logger:    logger.Named("session.live.redis"),
		client:    client,
		prefix:    prefix,
		queueSize: queueSize,
		channels:  make(map[string]*RedisChannel),
	}

	h.pubsub = client.PSubscribe(ctx, prefix+":live:*")
	// wait for the subscription so events published right after start are not lost
	if _, err := h.pubsub.Receive(ctx); err != nil {
		_ = h.pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to subscribe to live channels: %w", err)
	}
	go h.handleEvents()

	return h, nil
}

// Key returns the pub/sub channel of a session. Session ids are hashed so
// cookie values never appear in Redis.
func (h *RedisHub) Key(sessionID string) string {
	sum := sha3.Sum256([]byte(sessionID))
	return h.prefix + ":live:" + hex.EncodeToString(sum[:])
}

// Open implements Hub.Open
func (h *RedisHub) Open(sessionID string) Channel {
	ch := &RedisChannel{
		hub:  h,
		key:  h.Key(sessionID),
		subs: newFanout(h.queueSize),
	}
	h.mu.Lock()
	if old, ok := h.channels[ch.key]; ok {
		old.subs.close()
	}
	h.channels[ch.key] = ch
	h.mu.Unlock()
	return ch
}

// handleEvents routes published events to the local channel of their session
func (h *RedisHub) handleEvents() {
	for msg := range h.pubsub.Channel() {
		h.mu.RLock()
		ch, ok := h.channels[msg.Channel]
		h.mu.RUnlock()
		if !ok {
			h.logger.Debug("event for session not held by this process",
				zap.String("channel", msg.Channel))
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			h.logger.Error("failed to unmarshal live event",
				zap.Error(err),
				zap.String("channel", msg.Channel))
			continue
		}
		if err := ch.subs.publish(&ev); errors.Is(err, ErrQueueFull) {
			h.logger.Warn("live queue is full, dropping event",
				zap.String("channel", msg.Channel),
				zap.String("type", ev.Type))
		}
	}
}

// Close implements Hub.Close
func (h *RedisHub) Close() error {
	if h.pubsub != nil {
		if err := h.pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}
	return h.client.Close()
}

// RedisChannel implements Channel over a Redis pub/sub key. Events arriving
// from Redis are copied to every connection subscribed in this process.
type RedisChannel struct {
	hub  *RedisHub
	key  string
	subs *fanout
}

var _ Channel = (*RedisChannel)(nil)

// Subscribe implements Channel.Subscribe
func (c *RedisChannel) Subscribe() (<-chan *Event, func()) {
	return c.subs.subscribe()
}

// Send implements Channel.Send
func (c *RedisChannel) Send(ctx context.Context, ev *Event) error {
	if c.subs.isClosed() {
		return ErrChannelClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal live event: %w", err)
	}
	return c.hub.client.Publish(ctx, c.key, data).Err()
}

// Close implements Channel.Close
func (c *RedisChannel) Close(_ context.Context) error {
	c.hub.mu.Lock()
	if c.hub.channels[c.key] == c {
		delete(c.hub.channels, c.key)
	}
	c.hub.mu.Unlock()
	c.subs.close()
	return nil
}
