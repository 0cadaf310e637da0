package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"pachat/internal/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const relayChannel = "pachat:events"

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// Relay mirrors bus events through redis pub/sub so another process can
// observe a thread it is not running.
type Relay struct {
	client *redis.Client
	origin string
	logger *zap.Logger
}

func NewRelay(client *redis.Client, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{client: client, origin: uuid.NewString(), logger: logger}
}

// Start subscribes to the relay channel, attaches the relay to bus and
// delivers remote events until ctx is done. It returns once the
// subscription is confirmed.
func (r *Relay) Start(ctx context.Context, bus *Bus) error {
	pubsub := r.client.Subscribe(ctx, relayChannel)
	if pubsub == nil {
		return fmt.Errorf("redis client not initialized")
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", relayChannel, err)
	}
	bus.attach(r)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.logger.Warn("relay decode failed", zap.Error(err))
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				bus.deliver(env.Event)
			}
		}
	}()
	return nil
}

func (r *Relay) forward(evt Event) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: evt})
	if err != nil {
		r.logger.Warn("relay marshal failed", zap.Error(err), zap.Int64("thread_id", evt.ThreadID))
		return
	}
	if err := r.client.Publish(context.Background(), relayChannel, payload); err != nil {
		r.logger.Warn("relay publish failed", zap.Error(err), zap.Int64("thread_id", evt.ThreadID))
	}
}
