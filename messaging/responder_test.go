package messaging_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messages"
	"github.com/zylinc/messagebus/messaging"
	"github.com/zylinc/messagebus/serialization"
	"github.com/zylinc/messagebus/transports/memory"
)

type stateLog struct {
	mu     sync.Mutex
	states []messaging.ResponderState
}

func (l *stateLog) observe(_, _ string, state messaging.ResponderState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *stateLog) snapshot() []messaging.ResponderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]messaging.ResponderState(nil), l.states...)
}

func TestHandleRequest(t *testing.T) {
	t.Run("walks through every state and replies once", func(t *testing.T) {
		broker := memory.NewBroker()
		states := &stateLog{}
		metrics := &recordingMetrics{}

		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher,
			messaging.WithStateObserver(states.observe),
			messaging.WithResponderMetrics(metrics))
		require.NoError(t, messaging.HandleRequest(context.Background(), responder,
			func(ctx context.Context, req *messages.ServiceConfigurationRequest) (*messages.ServiceConfigurationResponse, error) {
				return messages.NewServiceConfigurationResponse(""), nil
			}))
		resp.attach(t)

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		req := messages.NewServiceConfigurationRequest("", "", messages.ServiceConfigurationBundle{ServiceName: "MyService", BundleName: "Bundle1"})
		got, err := messaging.SendRequest[*messages.ServiceConfigurationResponse](context.Background(), requester, req, nil, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, req.RequestMessageID, got.RequestMessageID)
		assert.Empty(t, got.Data)

		require.Eventually(t, func() bool { return len(states.snapshot()) == 4 }, time.Second, time.Millisecond)
		assert.Equal(t, []messaging.ResponderState{
			messaging.StateReceived,
			messaging.StateProcessing,
			messaging.StateReplied,
			messaging.StateIdle,
		}, states.snapshot())
		metrics.mu.Lock()
		assert.Equal(t, 1, metrics.replies)
		metrics.mu.Unlock()
	})

	t.Run("handler errors reject the delivery without replying", func(t *testing.T) {
		broker := memory.NewBroker()
		states := &stateLog{}

		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher,
			messaging.WithStateObserver(states.observe))
		require.NoError(t, messaging.HandleRequest(context.Background(), responder,
			func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
				return nil, errors.New("directory unavailable")
			}))
		resp.attach(t)

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, 50*time.Millisecond)
		assert.ErrorIs(t, err, messaging.ErrTimeout)

		require.Eventually(t, func() bool { return broker.Rejected() == 1 }, time.Second, time.Millisecond)
		assert.NotContains(t, states.snapshot(), messaging.StateReplied)
	})

	t.Run("requests without reply address are rejected", func(t *testing.T) {
		broker := memory.NewBroker()

		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher)
		require.NoError(t, messaging.HandleRequest(context.Background(), responder,
			func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
				return messages.NewUserLoginResponse("", messages.LoginDenied, "", req.Email, "", ""), nil
			}))
		resp.attach(t)

		// bypass the requester so no reply address is set
		env, err := resp.dispatcher.Codec().Encode(messages.NewUserLoginRequest("id-1", "", "a@b.c", "x"), serialization.EnvelopeOptions{CorrelationID: "id-1"})
		require.NoError(t, err)
		assert.ErrorIs(t, resp.dispatcher.Dispatch(context.Background(), env), messaging.ErrNoReplyAddress)
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		broker := memory.NewBroker()
		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher)

		handler := func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
			return nil, nil
		}
		require.NoError(t, messaging.HandleRequest(context.Background(), responder, handler))
		assert.ErrorIs(t, messaging.HandleRequest(context.Background(), responder, handler), messaging.ErrHandlerExists)
	})
}

func TestResponderReply(t *testing.T) {
	t.Run("ReplyTo tags the response with the given correlation ID", func(t *testing.T) {
		broker := memory.NewBroker()

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		ch, err := e.dispatcher.Correlator().Register("corr-9", "UserLoginRequest")
		require.NoError(t, err)

		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher)

		err = responder.ReplyTo(context.Background(), requesterQueue, "corr-9",
			messages.NewUserLoginResponse("", messages.LoginGranted, "user1", "a@b.c", "Bo", "S"), nil)
		require.NoError(t, err)

		select {
		case msg := <-ch:
			assert.Equal(t, "corr-9", msg.(contracts.Response).GetRequestMessageID())
		case <-time.After(2 * time.Second):
			t.Fatal("reply not correlated")
		}
	})

	t.Run("Reply uses the message context", func(t *testing.T) {
		broker := memory.NewBroker()

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		ch, err := e.dispatcher.Correlator().Register("corr-10", "UserLoginRequest")
		require.NoError(t, err)

		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher,
			messaging.WithReplyHeaders(map[string]interface{}{"responder": "test"}))

		ctx := messaging.WithMessageContext(context.Background(), &messaging.MessageContext{
			CorrelationID: "corr-10",
			ReplyTo:       requesterQueue,
		})
		require.NoError(t, responder.Reply(ctx, messages.NewServiceConfigurationResponse(""), nil))

		select {
		case msg := <-ch:
			_, ok := msg.(*messages.ServiceConfigurationResponse)
			assert.True(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("reply not correlated")
		}
	})

	t.Run("Reply outside a handler has no address", func(t *testing.T) {
		responder := messaging.NewResponder(messaging.StaticSession(nil), messaging.NewDispatcher(nil))
		err := responder.Reply(context.Background(), messages.NewServiceConfigurationResponse(""), nil)
		assert.ErrorIs(t, err, messaging.ErrNoReplyAddress)
	})

	t.Run("ReplyTo requires a session", func(t *testing.T) {
		responder := messaging.NewResponder(messaging.StaticSession(nil), messaging.NewDispatcher(nil))
		err := responder.ReplyTo(context.Background(), "q", "id", messages.NewServiceConfigurationResponse(""), nil)
		assert.ErrorIs(t, err, messaging.ErrNotConnected)
	})
}

func TestResponderState(t *testing.T) {
	assert.Equal(t, "idle", messaging.StateIdle.String())
	assert.Equal(t, "received", messaging.StateReceived.String())
	assert.Equal(t, "processing", messaging.StateProcessing.String())
	assert.Equal(t, "replied", messaging.StateReplied.String())
	assert.Equal(t, "unknown", messaging.ResponderState(42).String())
}
