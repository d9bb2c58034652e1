package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zylinc/messagebus/contracts"
)

func envelope(messageType string) *contracts.Envelope {
	return &contracts.Envelope{
		ID:   messageType + "-1",
		Type: messageType,
		Body: json.RawMessage(`{}`),
	}
}

type collector struct {
	mu   sync.Mutex
	envs []*contracts.Envelope
	got  chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, env *contracts.Envelope) error {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.got <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func TestBrokerSend(t *testing.T) {
	t.Run("delivers to the addressed queue", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()

		receiver, err := broker.Dial(ctx, "responder")
		require.NoError(t, err)
		sender, err := broker.Dial(ctx, "requester")
		require.NoError(t, err)

		c := newCollector()
		require.NoError(t, receiver.Receive(ctx, c.handle))
		require.NoError(t, sender.Send(ctx, "responder", envelope("Ping")))

		c.wait(t, 1)
		assert.Equal(t, "Ping", c.envs[0].Type)
	})

	t.Run("drops envelopes for undeclared queues", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		sender, err := broker.Dial(ctx, "requester")
		require.NoError(t, err)

		require.NoError(t, sender.Send(ctx, "nobody", envelope("Ping")))
		assert.Equal(t, 1, broker.Dropped())
	})

	t.Run("keeps messages while no consumer is attached", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		broker.DeclareQueue("responder")

		sender, err := broker.Dial(ctx, "requester")
		require.NoError(t, err)
		require.NoError(t, sender.Send(ctx, "responder", envelope("Ping")))
		assert.Equal(t, 1, broker.QueueDepth("responder"))

		receiver, err := broker.Dial(ctx, "responder")
		require.NoError(t, err)
		c := newCollector()
		require.NoError(t, receiver.Receive(ctx, c.handle))
		c.wait(t, 1)
		assert.Equal(t, 0, broker.QueueDepth("responder"))
	})

	t.Run("sent envelopes are copies", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		receiver, err := broker.Dial(ctx, "responder")
		require.NoError(t, err)

		env := envelope("Ping")
		env.Headers = map[string]interface{}{"k": "v"}
		require.NoError(t, receiver.Send(ctx, "responder", env))
		env.Headers["k"] = "changed"

		c := newCollector()
		require.NoError(t, receiver.Receive(ctx, c.handle))
		c.wait(t, 1)
		assert.Equal(t, "v", c.envs[0].Headers["k"])
	})
}

func TestBrokerPublish(t *testing.T) {
	t.Run("fans out to subscribed queues only", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()

		a, err := broker.Dial(ctx, "a")
		require.NoError(t, err)
		b, err := broker.Dial(ctx, "b")
		require.NoError(t, err)

		require.NoError(t, a.Subscribe(ctx, "Ping"))
		require.NoError(t, b.Subscribe(ctx, "Pong"))
		assert.Equal(t, []string{"a"}, broker.Subscribers("Ping"))

		require.NoError(t, b.Publish(ctx, envelope("Ping")))

		assert.Equal(t, 1, broker.QueueDepth("a"))
		assert.Equal(t, 0, broker.QueueDepth("b"))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()

		a, err := broker.Dial(ctx, "a")
		require.NoError(t, err)
		require.NoError(t, a.Subscribe(ctx, "Ping"))
		require.NoError(t, a.Unsubscribe(ctx, "Ping"))

		require.NoError(t, a.Publish(ctx, envelope("Ping")))
		assert.Equal(t, 0, broker.QueueDepth("a"))
		assert.Empty(t, broker.Subscribers("Ping"))
	})
}

func TestBrokerFailures(t *testing.T) {
	t.Run("FailNextDials fails exactly n dials", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		broker.FailNextDials(2, nil)

		_, err := broker.Dial(ctx, "q")
		assert.ErrorIs(t, err, ErrDialFailed)
		_, err = broker.Dial(ctx, "q")
		assert.ErrorIs(t, err, ErrDialFailed)
		_, err = broker.Dial(ctx, "q")
		assert.NoError(t, err)
		assert.Equal(t, 3, broker.Dials())
	})

	t.Run("FailNextDials uses the given error", func(t *testing.T) {
		broker := NewBroker()
		custom := errors.New("access refused")
		broker.FailNextDials(1, custom)

		_, err := broker.Dialer("q")(context.Background())
		assert.ErrorIs(t, err, custom)
	})

	t.Run("Disconnect notifies and closes sessions", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		s, err := broker.Dial(ctx, "q")
		require.NoError(t, err)

		assert.Equal(t, 1, broker.Disconnect("q", nil))

		cause, ok := <-s.NotifyClose()
		require.True(t, ok)
		assert.ErrorIs(t, cause, ErrConnectionLost)

		_, ok = <-s.NotifyClose()
		assert.False(t, ok)
		assert.ErrorIs(t, s.Send(ctx, "q", envelope("Ping")), ErrSessionClosed)
	})

	t.Run("Close closes the notifier without a cause", func(t *testing.T) {
		s, err := NewBroker().Dial(context.Background(), "q")
		require.NoError(t, err)

		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, ok := <-s.NotifyClose()
		assert.False(t, ok)
	})

	t.Run("rejected deliveries are counted", func(t *testing.T) {
		ctx := context.Background()
		broker := NewBroker()
		s, err := broker.Dial(ctx, "q")
		require.NoError(t, err)

		done := make(chan struct{})
		require.NoError(t, s.Receive(ctx, func(context.Context, *contracts.Envelope) error {
			defer close(done)
			return errors.New("boom")
		}))
		require.NoError(t, s.Send(ctx, "q", envelope("Ping")))

		<-done
		assert.Eventually(t, func() bool { return broker.Rejected() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("dial honours a cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewBroker().Dial(ctx, "q")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
