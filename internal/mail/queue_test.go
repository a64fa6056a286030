// queue_test.go
//
// Unit tests for QueuedSender dispatch logic, plus an enqueue/drain test
// against real Redis when TEST_REDIS_URL is set.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordingSender keeps every message it is asked to send.
type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

func TestQueuedSender_Dispatch(t *testing.T) {
	inner := &recordingSender{}
	q := &QueuedSender{inner: inner}

	payload, err := json.Marshal(job{
		Message:    Message{To: "reset@example.com", Subject: "Reset", Body: "link"},
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	q.dispatch(context.Background(), payload)

	got := inner.messages()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].To != "reset@example.com" || got[0].Subject != "Reset" || got[0].Body != "link" {
		t.Errorf("unexpected message: %+v", got[0])
	}
}

func TestQueuedSender_Dispatch_BadPayloadIsDropped(t *testing.T) {
	inner := &recordingSender{}
	q := &QueuedSender{inner: inner}

	q.dispatch(context.Background(), []byte("{not json"))
	q.dispatch(context.Background(), []byte(`{"message":{"subject":"no recipient"}}`))

	if n := len(inner.messages()); n != 0 {
		t.Errorf("expected nothing sent, got %d", n)
	}
}

func TestQueuedSender_Dispatch_SendErrorDoesNotPanic(t *testing.T) {
	q := &QueuedSender{inner: &recordingSender{err: errors.New("smtp down")}}
	payload, _ := json.Marshal(job{Message: Message{To: "a@example.com"}})
	q.dispatch(context.Background(), payload)
}

func TestQueuedSender_Redis(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	rdb.Del(ctx, QueueKey)

	t.Run("rejects when full", func(t *testing.T) {
		q := NewQueuedSender(&recordingSender{}, rdb, 1)
		t.Cleanup(func() { rdb.Del(ctx, QueueKey) })

		if err := q.Send(ctx, Message{To: "a@example.com"}); err != nil {
			t.Fatalf("first Send: %v", err)
		}
		if err := q.Send(ctx, Message{To: "b@example.com"}); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
	})

	t.Run("worker drains the queue", func(t *testing.T) {
		inner := &recordingSender{}
		q := NewQueuedSender(inner, rdb, DefaultMaxQueueSize)
		if err := q.Send(ctx, Message{To: "drain@example.com", Subject: "s"}); err != nil {
			t.Fatalf("Send: %v", err)
		}

		wctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			q.StartWorker(wctx)
			close(done)
		}()

		deadline := time.Now().Add(5 * time.Second)
		for len(inner.messages()) == 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		cancel()
		<-done

		got := inner.messages()
		if len(got) != 1 || got[0].To != "drain@example.com" {
			t.Errorf("expected drained message, got %+v", got)
		}
	})
}
