package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudecluster/claudecluster/internal/common/logger"
)

// collector accumulates delivered events behind a mutex.
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handler(_ context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) snapshot() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []*Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return c.snapshot()
}

func TestMemoryBusExactSubject(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("task.t1.events", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.t1.events", NewEvent("status", []byte("a"))))
	require.NoError(t, b.Publish(context.Background(), "task.t2.events", NewEvent("status", []byte("b"))))

	got := c.waitFor(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("a"), got[0].Data)
}

func TestMemoryBusDeliveryOrder(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("task.t1.events", c.handler)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		data := []byte{byte(i)}
		require.NoError(t, b.Publish(context.Background(), "task.t1.events", NewEvent("progress", data)))
	}

	got := c.waitFor(t, 50)
	for i, ev := range got[:50] {
		assert.Equal(t, byte(i), ev.Data[0], "event %d out of order", i)
	}
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("task.*.events", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.t1.events", NewEvent("status", []byte("match"))))
	require.NoError(t, b.Publish(context.Background(), "task.t1.extra.events", NewEvent("status", []byte("no match"))))
	require.NoError(t, b.Publish(context.Background(), "worker.t1.events", NewEvent("status", []byte("no match"))))

	got := c.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	got = c.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("match"), got[0].Data)
}

func TestMemoryBusTailWildcard(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	_, err := b.Subscribe("task.>", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.t1.events", NewEvent("status", nil)))
	require.NoError(t, b.Publish(context.Background(), "task.t2.events.deep", NewEvent("status", nil)))
	require.NoError(t, b.Publish(context.Background(), "worker.t1.events", NewEvent("status", nil)))

	c.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.snapshot(), 2)
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c1, c2 collector
	_, err := b.Subscribe("task.t1.events", c1.handler)
	require.NoError(t, err)
	_, err = b.Subscribe("task.*.events", c2.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.t1.events", NewEvent("status", nil)))

	c1.waitFor(t, 1)
	c2.waitFor(t, 1)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var c collector
	sub, err := b.Subscribe("task.t1.events", c.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe(), "unsubscribe is idempotent")

	require.NoError(t, b.Publish(context.Background(), "task.t1.events", NewEvent("status", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())

	sub, err := b.Subscribe("task.t1.events", func(context.Context, *Event) error { return nil })
	require.NoError(t, err)
	assert.True(t, b.IsConnected())

	b.Close()
	b.Close() // idempotent

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "task.t1.events", NewEvent("status", nil))
	require.Error(t, err)

	_, err = b.Subscribe("task.t2.events", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestMemoryBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	block := make(chan struct{})
	_, err := b.Subscribe("task.t1.events", func(context.Context, *Event) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	// Fill well past the subscription buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer*2; i++ {
			_ = b.Publish(context.Background(), "task.t1.events", NewEvent("progress", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(block)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"task.*.events", "task.abc.events", true},
		{"task.*.events", "task.a.b.events", false},
		{"task.>", "task.abc.events", true},
		{"task.>", "task", false},
		{">", "anything.at.all", true},
		{"task.*.>", "task.abc.events.deep", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+" vs "+tt.subject, func(t *testing.T) {
			regex := compilePattern(tt.pattern)
			require.NotNil(t, regex)
			assert.Equal(t, tt.want, matches(tt.subject, tt.pattern, regex))
		})
	}

	assert.Nil(t, compilePattern("task.t1.events"), "exact subjects need no regex")
}
