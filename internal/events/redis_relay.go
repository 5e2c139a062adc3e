package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const DefaultRelayChannel = "clinic:appointment-events"

// RedisRelay carries domain events between instances. Every instance
// forwards its local events to one channel and feeds its live subscribers
// only from that channel, so all dashboards observe the same order.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, log zerolog.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "event-relay").Logger(),
	}
}

// Forward publishes events from sub to Redis, one at a time and in order,
// until ctx ends or the subscription closes.
func (r *RedisRelay) Forward(ctx context.Context, sub *Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		payload, err := json.Marshal(Encode(ev))
		if err != nil {
			r.log.Error().Err(err).Uint64("seq", ev.Seq).Msg("encode event")
			continue
		}

		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error().Err(err).Uint64("seq", ev.Seq).Str("type", string(ev.Type)).Msg("publish event to redis")
		}
	}
}

// Receive delivers events arriving on the channel to l until ctx ends.
// Sequence numbers are restamped in arrival order. ready, when non-nil, is
// closed once the subscription is confirmed by the server.
func (r *RedisRelay) Receive(ctx context.Context, l Listener, ready chan<- struct{}) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	var seq uint64
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn().Err(err).Msg("drop malformed relay message")
				continue
			}

			seq++
			ev := env.Decode()
			ev.Seq = seq
			l.Deliver(ev)
		}
	}
}
