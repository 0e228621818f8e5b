package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowcore/internal/escrow"
	"github.com/mbd888/escrowcore/internal/retry"
)

// DefaultMaxLen caps the stream length with approximate trimming.
const DefaultMaxLen = 100_000

// streamClient is the subset of the go-redis client RedisStream uses.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisStream appends events to a Redis stream for the chat layer to consume.
type RedisStream struct {
	client streamClient
	stream string
	maxLen int64
	policy retry.Policy
}

// NewRedisStream connects to the Redis instance at url (redis://...).
func NewRedisStream(url, stream string) (*RedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisStream(redis.NewClient(opts), stream), nil
}

func newRedisStream(client streamClient, stream string) *RedisStream {
	return &RedisStream{
		client: client,
		stream: stream,
		maxLen: DefaultMaxLen,
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: 25 * time.Millisecond,
			MaxDelay:  250 * time.Millisecond,
		},
	}
}

// Notify implements escrow.Notifier. Each entry carries the event's
// action, transaction id and JSON payload.
func (r *RedisStream) Notify(ctx context.Context, e escrow.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":       e.ID,
			"action":         e.Action,
			"transaction_id": e.TransactionID,
			"payload":        string(payload),
		},
	}
	return r.policy.Do(ctx, func() error {
		return r.client.XAdd(ctx, args).Err()
	})
}

// Ping checks connectivity for health reporting.
func (r *RedisStream) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *RedisStream) Close() error {
	return r.client.Close()
}

var _ escrow.Notifier = (*RedisStream)(nil)
