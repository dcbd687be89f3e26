package redis

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/adwski/chat-realtime/backend/model"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type BusConfig struct {
	Client  goredis.UniversalClient
	Channel string
	Logger  *zerolog.Logger
}

// Bus carries room publishes between server processes over redis pub/sub.
type Bus struct {
	client  goredis.UniversalClient
	channel string
	logger  zerolog.Logger
}

func NewBus(cfg BusConfig) *Bus {
	return &Bus{
		client:  cfg.Client,
		channel: cfg.Channel,
		logger:  cfg.Logger.With().Str("component", "bus").Logger(),
	}
}

func (b *Bus) Publish(ctx context.Context, msg model.BusMessage) error {
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the channel and hands every message to deliver
// until ctx is done.
func (b *Bus) Run(ctx context.Context, wg *sync.WaitGroup, deliver func(model.BusMessage)) {
	defer func() {
		b.logger.Debug().Msg("bus stopped")
		wg.Done()
	}()

	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Error().Err(err).Msg("failed to close subscription")
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		b.logger.Error().Err(err).Msg("failed to subscribe")
		return
	}
	b.logger.Info().Str("channel", b.channel).Msg("bus subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg model.BusMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Error().Err(err).Msg("failed to unmarshal bus message")
				continue
			}
			deliver(msg)
		}
	}
}
