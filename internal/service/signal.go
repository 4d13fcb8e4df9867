package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/totegamma/relaykit"
)

// SignalService carries fire-and-forget lifecycle notifications over
// redis pub/sub: publish progress and entity updates, consumed by the
// realtime socket.
type SignalService struct {
	rdb *redis.Client
}

func NewSignalService(redisClient *redis.Client) *SignalService {
	return &SignalService{
		rdb: redisClient,
	}
}

func (s *SignalService) Publish(ctx context.Context, channel string, event relaykit.SignalEvent) error {

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = s.rdb.Publish(ctx, channel, jsonstr).Err()
	if err != nil {
		return err
	}

	return nil
}

// Realtime forwards signal events for the requested channel patterns
// until the context ends. New subscription requests arriving on the
// request channel replace the previous pattern set.
func (s *SignalService) Realtime(ctx context.Context, request <-chan []string, response chan<- relaykit.SignalEvent) {

	pubsub := s.rdb.PSubscribe(ctx)
	defer pubsub.Close()

	messages := pubsub.Channel()

	var subscribed []string
	for {
		select {
		case <-ctx.Done():
			return

		case patterns, ok := <-request:
			if !ok {
				return
			}
			if len(subscribed) > 0 {
				if err := pubsub.PUnsubscribe(ctx, subscribed...); err != nil {
					slog.Error(
						"failed to unsubscribe",
						slog.String("error", err.Error()),
						slog.String("module", "signal"),
					)
				}
			}
			if err := pubsub.PSubscribe(ctx, patterns...); err != nil {
				slog.Error(
					"failed to subscribe",
					slog.String("error", err.Error()),
					slog.String("module", "signal"),
				)
				continue
			}
			subscribed = patterns

		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event relaykit.SignalEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn(
					"dropping undecodable signal payload",
					slog.String("channel", msg.Channel),
					slog.String("module", "signal"),
				)
				continue
			}
			response <- event
		}
	}
}
