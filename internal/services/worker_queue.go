package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Worker event types arriving on the ingress channel.
const (
	EventAIStreamChunk  = "ai_stream_chunk"
	EventAIMessageReady = "ai_message_ready"
)

// PreprocessJob is what the sync core hands to the AI worker fleet after a
// user message lands. Workers pick jobs up with BRPOP.
type PreprocessJob struct {
	UserHash  string    `json:"user_hash"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// WorkerEvent is an ingress event published by a worker: either a streaming
// chunk of an in-progress assistant message or the finished message.
type WorkerEvent struct {
	Type             string `json:"type"`
	UserHash         string `json:"user_hash"`
	ChatID           string `json:"chat_id"`
	MessageID        string `json:"message_id"`
	Chunk            string `json:"chunk,omitempty"`
	EncryptedContent string `json:"encrypted_content,omitempty"`
	SenderName       string `json:"sender_name,omitempty"`
}

// WorkerEventHandler consumes one ingress event.
type WorkerEventHandler func(ctx context.Context, event WorkerEvent)

// WorkerQueue bridges the sync core and the worker fleet over Redis: a list
// for outbound preprocess jobs, a pub/sub channel for inbound events.
type WorkerQueue struct {
	client   *redis.Client
	queueKey string
	channel  string
	handlers map[string]WorkerEventHandler
}

// NewWorkerQueue binds the queue to its Redis key and channel names.
func NewWorkerQueue(redisSvc *RedisService, queueKey, channel string) *WorkerQueue {
	return &WorkerQueue{
		client:   redisSvc.Client(),
		queueKey: queueKey,
		channel:  channel,
		handlers: make(map[string]WorkerEventHandler),
	}
}

// EnqueuePreprocess pushes a job for the worker fleet.
func (q *WorkerQueue) EnqueuePreprocess(ctx context.Context, job PreprocessJob) error {
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal preprocess job: %w", err)
	}
	if err := q.client.LPush(ctx, q.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue preprocess job: %w", err)
	}
	return nil
}

// On registers the handler for one event type. Must be called before Start.
func (q *WorkerQueue) On(eventType string, handler WorkerEventHandler) {
	q.handlers[eventType] = handler
}

// Start subscribes to the ingress channel and dispatches events until the
// context is canceled. Malformed events are logged and skipped; the loop
// never dies on bad input.
func (q *WorkerQueue) Start(ctx context.Context) {
	pubsub := q.client.Subscribe(ctx, q.channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		log.Printf("📡 Worker ingress listening on %s", q.channel)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event WorkerEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("⚠️ Dropping malformed worker event: %v", err)
					continue
				}
				handler, ok := q.handlers[event.Type]
				if !ok {
					log.Printf("⚠️ No handler for worker event type %q", event.Type)
					continue
				}
				handler(ctx, event)
			}
		}
	}()
}
