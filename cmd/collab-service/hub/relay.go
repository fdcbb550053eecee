package hub

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// relayFrame wraps a room payload with the id of the instance that
// published it, so an instance never re-delivers its own frames.
type relayFrame struct {
	Instance string          `json:"instance"`
	Payload  json.RawMessage `json:"payload"`
}

// RedisRelay publishes room frames to a per-document Redis channel and
// feeds frames from sibling instances back into the local coordinator.
// The channel name is the group key itself.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
}

func NewRedisRelay(client *redis.Client, instanceID string) *RedisRelay {
	return &RedisRelay{client: client, instanceID: instanceID}
}

// Publish sends the frame to sibling instances. Failures are logged and
// absorbed; peers on other instances catch up through their next full sync.
func (r *RedisRelay) Publish(groupKey string, payload []byte) {
	frame, err := json.Marshal(relayFrame{Instance: r.instanceID, Payload: payload})
	if err != nil {
		zap.S().Errorf("Failed to marshal relay frame for %s: %s", groupKey, err)
		return
	}
	if err := r.client.Publish(context.Background(), groupKey, frame).Err(); err != nil {
		zap.S().Errorf("Failed to publish relay frame for %s: %s", groupKey, err)
	}
}

// Start subscribes to all document channels and relays foreign frames into
// the coordinator until ctx is cancelled.
func (r *RedisRelay) Start(ctx context.Context, coordinator *Coordinator) {
	pubsub := r.client.PSubscribe(ctx, "document_*")
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
				if !strings.HasPrefix(msg.Channel, "document_") {
					continue
				}
				var frame relayFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					zap.S().Warnf("Dropping malformed relay frame on %s: %s", msg.Channel, err)
					continue
				}
				if frame.Instance == r.instanceID {
					continue
				}
				coordinator.DeliverRelayed(msg.Channel, frame.Payload)
			}
		}
	}()
	zap.S().Infof("Redis relay started (instance %s)", r.instanceID)
}
