package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/chatflow/common/logger"
	redisclient "github.com/lyzr/chatflow/common/redis"
)

// RedisStreamQueue implements Queue over Redis streams with consumer
// groups. Used for the document-processing queue and for fire-and-forget
// workflow.log event ingestion.
type RedisStreamQueue struct {
	client *redisclient.Client
	group  string
	log    *logger.Logger
}

// NewRedisStreamQueue creates a stream-backed queue. Consumers joining
// via Subscribe share the given group.
func NewRedisStreamQueue(client *redisclient.Client, group string, log *logger.Logger) *RedisStreamQueue {
	return &RedisStreamQueue{
		client: client,
		group:  group,
		log:    log,
	}
}

// Publish adds a message to the stream named by topic. The payload
// field name matches what the embedding worker decodes.
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	_, err := q.client.AddToStream(ctx, topic, map[string]interface{}{
		"key":     key,
		"payload": string(message),
	})
	return err
}

// Subscribe reads messages from the stream in a background loop.
// Messages are acked after the handler returns, regardless of handler
// error; consumers needing redelivery semantics use common/redis
// directly (see the embedding worker).
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if err := q.client.CreateStreamGroup(ctx, topic, q.group); err != nil {
		return err
	}

	consumer := uuid.NewString()
	q.log.Info("subscribing to stream", "stream", topic, "group", q.group, "consumer", consumer)

	go func() {
		for {
			select {
			case <-ctx.Done():
				q.log.Info("stream subscription cancelled", "stream", topic)
				return
			default:
			}

			streams, err := q.client.ReadFromStreamGroup(ctx, q.group, consumer, topic, 10, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Error("stream read error", "stream", topic, "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					key, _ := msg.Values["key"].(string)
					value, _ := msg.Values["payload"].(string)

					if err := handler(ctx, key, []byte(value)); err != nil {
						q.log.Error("message handler error", "stream", topic, "key", key, "error", err)
					}
					if err := q.client.AckStreamMessage(ctx, topic, q.group, msg.ID); err != nil {
						q.log.Error("message ack error", "stream", topic, "id", msg.ID, "error", err)
					}
				}
			}
		}
	}()

	return nil
}

// Close is a no-op; the underlying Redis client is shared and closed by
// the bootstrap cleanup stack.
func (q *RedisStreamQueue) Close() error {
	return nil
}
