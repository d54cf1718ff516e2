package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces the channels, channels are named <prefix>:room:<roomID>.
	Prefix       string        `mapstructure:"prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisBroker fans frames out across gateway instances over redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []*redis.PubSub
	wg            sync.WaitGroup
}

func NewRedisBroker(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "roomchat"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (b *RedisBroker) channel(roomID string) string {
	return b.prefix + ":room:" + roomID
}

func (b *RedisBroker) Publish(ctx context.Context, roomID string, frame []byte) error {
	if err := b.client.Publish(ctx, b.channel(roomID), frame).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", roomID, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, deliver DeliverFunc) error {
	pubsub := b.client.PSubscribe(ctx, b.channel("*"))
	// wait for the confirmation so nothing published after we return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, pubsub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessages(ctx, pubsub, deliver)
	}()
	return nil
}

// processMessages reads from a single subscription, which keeps the per
// channel order of redis.
func (b *RedisBroker) processMessages(ctx context.Context, pubsub *redis.PubSub, deliver DeliverFunc) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	channelPrefix := b.channel("")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			roomID, ok := strings.CutPrefix(msg.Channel, channelPrefix)
			if !ok {
				b.logger.Warn(fmt.Sprintf("message on unexpected channel: %s", msg.Channel))
				continue
			}
			deliver(roomID, []byte(msg.Payload))
		}
	}
}

// Close ends every subscription and closes the client.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, pubsub := range b.subscriptions {
		pubsub.Close()
	}
	b.subscriptions = nil
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}
