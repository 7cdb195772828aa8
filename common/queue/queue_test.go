package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/chatflow/common/logger"
)

func TestMemoryQueue_PublishSubscribe(t *testing.T) {
	q := NewMemoryQueue(logger.New("error", "console"))
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	err := q.Subscribe(ctx, "documents.process", func(ctx context.Context, key string, value []byte) error {
		mu.Lock()
		got = append(got, key+"="+string(value))
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, "documents.process", "doc-1", []byte("a")))
	require.NoError(t, q.Publish(ctx, "documents.process", "doc-2", []byte("b")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"doc-1=a", "doc-2=b"}, got)
}

func TestMemoryQueue_PublishToUnsubscribedTopic(t *testing.T) {
	q := NewMemoryQueue(logger.New("error", "console"))
	defer q.Close()

	// Buffered until a subscriber attaches
	require.NoError(t, q.Publish(context.Background(), "orphan", "k", []byte("v")))
}
