// queue.go
//
// Redis-backed async mail queue. QueuedSender implements Sender and enqueues
// rendered messages instead of sending synchronously; StartWorker drains the
// queue in a background goroutine and hands each one to the inner Sender.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the Redis list used as the outbound mail queue.
const QueueKey = "auth:mail:queue"

// DefaultMaxQueueSize caps the queue when MAIL_QUEUE_MAX is unset.
// Prevents unbounded growth when the transport is down. 0 = unlimited.
const DefaultMaxQueueSize int64 = 1000

// ErrQueueFull is returned by Send when the queue has reached its size cap.
var ErrQueueFull = errors.New("mail queue full")

// job is the serialized payload pushed onto the queue.
type job struct {
	Message    Message   `json:"message"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueuedSender enqueues messages to Redis so the request returns without
// waiting on the transport. Callers are unaware of async dispatch.
type QueuedSender struct {
	inner        Sender
	rdb          *redis.Client
	maxQueueSize int64 // 0 = unlimited
}

// NewQueuedSender wraps inner with a Redis-backed async queue.
func NewQueuedSender(inner Sender, rdb *redis.Client, maxSize int64) *QueuedSender {
	return &QueuedSender{inner: inner, rdb: rdb, maxQueueSize: maxSize}
}

// enqueueScript atomically checks the queue length and pushes the job only if
// under the cap. Returns 1 if enqueued, 0 if rejected (queue full).
// KEYS[1] = queue key, ARGV[1] = max size (0 = skip check), ARGV[2] = payload.
var enqueueScript = redis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// Send serializes msg and appends it to the Redis queue.
func (q *QueuedSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(job{Message: msg, EnqueuedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshaling mail job: %w", err)
	}
	ok, err := enqueueScript.Run(ctx, q.rdb, []string{QueueKey}, q.maxQueueSize, data).Int64()
	if err != nil {
		return fmt.Errorf("enqueuing mail job: %w", err)
	}
	if ok == 0 {
		return ErrQueueFull
	}
	return nil
}

// StartWorker drains the mail queue in a loop, dispatching each job to inner.
// Blocks until ctx is cancelled (server shutdown). Call in a goroutine.
func (q *QueuedSender) StartWorker(ctx context.Context) {
	for {
		// BLPop blocks up to 2s then returns redis.Nil -- keeps the loop
		// responsive to ctx cancellation without busy-spinning.
		res, err := q.rdb.BLPop(ctx, 2*time.Second, QueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			slog.Error("mail worker: queue pop failed", "err", err)
			// back off so a dead Redis doesn't spin the loop
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		// res[0] = key name, res[1] = payload
		q.dispatch(ctx, []byte(res[1]))
	}
}

// dispatch decodes one payload and hands it to inner.
// Errors are logged and dropped -- no retry.
func (q *QueuedSender) dispatch(ctx context.Context, payload []byte) {
	var j job
	if err := json.Unmarshal(payload, &j); err != nil {
		slog.Error("mail worker: bad job payload", "err", err)
		return
	}
	if j.Message.To == "" {
		slog.Error("mail worker: job has no recipient")
		return
	}
	if err := q.inner.Send(ctx, j.Message); err != nil {
		slog.Error("mail worker: send failed",
			"to", j.Message.To, "subject", j.Message.Subject,
			"queued_for", time.Since(j.EnqueuedAt).Round(time.Millisecond), "err", err)
	}
}
