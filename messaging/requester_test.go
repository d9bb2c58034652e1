package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zylinc/messagebus/messages"
	"github.com/zylinc/messagebus/messaging"
	"github.com/zylinc/messagebus/routing"
	"github.com/zylinc/messagebus/serialization"
	"github.com/zylinc/messagebus/transports/memory"
)

const (
	requesterQueue = "RequesterApplication"
	responderQueue = "ResponderApplication"
)

type endpoint struct {
	session    *memory.Session
	dispatcher *messaging.Dispatcher
}

func newEndpoint(t *testing.T, broker *memory.Broker, queue string, options ...messaging.DispatcherOption) *endpoint {
	t.Helper()

	registry := serialization.NewTypeRegistry()
	require.NoError(t, messages.Register(registry))

	session, err := broker.Dial(context.Background(), queue)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	dispatcher := messaging.NewDispatcher(serialization.NewCodec(registry), options...)
	return &endpoint{session: session, dispatcher: dispatcher}
}

func (e *endpoint) attach(t *testing.T) {
	t.Helper()
	require.NoError(t, e.dispatcher.Attach(context.Background(), e.session))
}

func defaultRoutes(t *testing.T) *routing.Table {
	t.Helper()
	routes, err := routing.NewBuilder().
		Map(&messages.UserLoginRequest{}, responderQueue).
		Map(&messages.ServiceConfigurationRequest{}, responderQueue).
		Build()
	require.NoError(t, err)
	return routes
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []messaging.RequestOutcome
	replies  int
	orphans  int
}

func (m *recordingMetrics) RecordRequest(_ string, outcome messaging.RequestOutcome, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) RecordReply(string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies++
}

func (m *recordingMetrics) RecordOrphan(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans++
}

func (m *recordingMetrics) orphanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans
}

// startLoginResponder answers login requests after delay, echoing the email
func startLoginResponder(t *testing.T, broker *memory.Broker, delay func(*messages.UserLoginRequest) time.Duration) *endpoint {
	t.Helper()

	e := newEndpoint(t, broker, responderQueue)
	responder := messaging.NewResponder(messaging.StaticSession(e.session), e.dispatcher)
	require.NoError(t, messaging.HandleRequest(context.Background(), responder,
		func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
			if delay != nil {
				time.Sleep(delay(req))
			}
			return messages.NewUserLoginResponse("", messages.LoginGranted, "user1", req.Email, "Bo", "S"), nil
		}))
	e.attach(t)
	return e
}

func TestSendRequest(t *testing.T) {
	t.Run("returns the correlated response", func(t *testing.T) {
		broker := memory.NewBroker()
		startLoginResponder(t, broker, nil)

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		req := messages.NewUserLoginRequest("", "", "bcs@zylinc.com", "dsfifigfdg")
		resp, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, 2*time.Second)
		require.NoError(t, err)

		assert.NotEmpty(t, req.RequestMessageID)
		assert.Equal(t, requesterQueue, req.ReplyTo)
		assert.Equal(t, req.RequestMessageID, resp.RequestMessageID)
		assert.Equal(t, messages.LoginGranted, resp.ResultCode)
		assert.Equal(t, "bcs@zylinc.com", resp.Email)
		assert.Equal(t, 0, requester.Pending())
	})

	t.Run("replaces a caller supplied request ID", func(t *testing.T) {
		broker := memory.NewBroker()
		startLoginResponder(t, broker, nil)

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		req := messages.NewUserLoginRequest("fixed-id", "", "a@b.c", "x")
		resp, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, 2*time.Second)
		require.NoError(t, err)
		assert.NotEqual(t, "fixed-id", req.RequestMessageID)
		assert.Equal(t, req.RequestMessageID, resp.RequestMessageID)
	})

	t.Run("resending a timed out request gets its own response", func(t *testing.T) {
		broker := memory.NewBroker()

		var attempts atomic.Int32
		release := make(chan struct{})
		var releaseOnce sync.Once

		responderEnd := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(responderEnd.session), responderEnd.dispatcher)
		require.NoError(t, messaging.HandleRequest(context.Background(), responder,
			func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
				attempt := attempts.Add(1)
				if attempt == 1 {
					<-release
				} else {
					// let the first reply arrive before this one
					releaseOnce.Do(func() { close(release) })
					time.Sleep(50 * time.Millisecond)
				}
				return messages.NewUserLoginResponse("", messages.LoginGranted, "user1", req.Email, fmt.Sprint(attempt), ""), nil
			}))
		responderEnd.attach(t)

		metrics := &recordingMetrics{}
		e := newEndpoint(t, broker, requesterQueue, messaging.WithDispatcherMetrics(metrics))
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		req := messages.NewUserLoginRequest("", "", "a@b.c", "x")
		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, 30*time.Millisecond)
		require.ErrorIs(t, err, messaging.ErrTimeout)
		firstID := req.RequestMessageID

		resp, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, 2*time.Second)
		require.NoError(t, err)

		assert.NotEqual(t, firstID, req.RequestMessageID)
		assert.Equal(t, req.RequestMessageID, resp.RequestMessageID)
		assert.Equal(t, "2", resp.FirstName)
		require.Eventually(t, func() bool { return metrics.orphanCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, requester.Pending())
	})

	t.Run("concurrent requests resolve independently out of order", func(t *testing.T) {
		broker := memory.NewBroker()
		// earlier requests answer later
		startLoginResponder(t, broker, func(req *messages.UserLoginRequest) time.Duration {
			var i int
			_, _ = fmt.Sscanf(req.Email, "user%d@zylinc.com", &i)
			return time.Duration(10-i) * 10 * time.Millisecond
		})

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				email := fmt.Sprintf("user%d@zylinc.com", i)
				req := messages.NewUserLoginRequest("", "", email, "pw")
				resp, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, 5*time.Second)
				if err != nil {
					errs <- err
					return
				}
				if resp.Email != email || resp.RequestMessageID != req.RequestMessageID {
					errs <- fmt.Errorf("request %d got response for %s", i, resp.Email)
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 0, requester.Pending())
	})

	t.Run("times out when nobody answers", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.DeclareQueue(responderQueue)

		metrics := &recordingMetrics{}
		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t),
			messaging.WithRequesterMetrics(metrics))

		req := messages.NewUserLoginRequest("", "", "a@b.c", "x")
		start := time.Now()
		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, 50*time.Millisecond)

		require.Error(t, err)
		assert.ErrorIs(t, err, messaging.ErrTimeout)
		var timeoutErr *messaging.TimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, req.RequestMessageID, timeoutErr.CorrelationID)
		assert.Equal(t, "UserLoginRequest", timeoutErr.MessageType)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Equal(t, 0, requester.Pending())
		assert.Equal(t, []messaging.RequestOutcome{messaging.OutcomeTimeout}, metrics.outcomes)
	})

	t.Run("late responses are orphans and do not reach later requests", func(t *testing.T) {
		broker := memory.NewBroker()
		slow := make(chan struct{})
		startLoginResponder(t, broker, func(req *messages.UserLoginRequest) time.Duration {
			if req.Email == "slow@zylinc.com" {
				<-slow
			}
			return 0
		})

		metrics := &recordingMetrics{}
		e := newEndpoint(t, broker, requesterQueue, messaging.WithDispatcherMetrics(metrics))
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "slow@zylinc.com", "x"), nil, 30*time.Millisecond)
		require.ErrorIs(t, err, messaging.ErrTimeout)

		close(slow)
		require.Eventually(t, func() bool { return metrics.orphanCount() == 1 }, 2*time.Second, 5*time.Millisecond)

		resp, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "fast@zylinc.com", "x"), nil, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "fast@zylinc.com", resp.Email)
	})

	t.Run("unmapped types fail before sending", func(t *testing.T) {
		broker := memory.NewBroker()
		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)

		routes, err := routing.NewTable(nil)
		require.NoError(t, err)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, routes)

		req := messages.NewUserLoginRequest("", "", "a@b.c", "x")
		_, err = messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester, req, nil, time.Second)

		assert.ErrorIs(t, err, routing.ErrUnmappedType)
		assert.Empty(t, req.RequestMessageID)
		assert.Equal(t, 0, requester.Pending())
		assert.Equal(t, 0, broker.Dropped())
	})

	t.Run("duplicate pending IDs are rejected", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.DeclareQueue(responderQueue)
		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t),
			messaging.WithIDGenerator(func() string { return "same" }))

		first := make(chan error, 1)
		go func() {
			_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
				messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, 200*time.Millisecond)
			first <- err
		}()
		require.Eventually(t, func() bool { return requester.Pending() == 1 }, time.Second, time.Millisecond)

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, time.Second)
		assert.ErrorIs(t, err, messaging.ErrDuplicateCorrelationID)
		assert.ErrorIs(t, <-first, messaging.ErrTimeout)
	})

	t.Run("context cancellation abandons the request", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.DeclareQueue(responderQueue)
		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := messaging.SendRequest[*messages.UserLoginResponse](ctx, requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 0, requester.Pending())
	})

	t.Run("wrong response type is reported", func(t *testing.T) {
		broker := memory.NewBroker()
		startLoginResponder(t, broker, nil)
		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		_, err := messaging.SendRequest[*messages.ServiceConfigurationResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, 2*time.Second)
		assert.ErrorIs(t, err, messaging.ErrUnexpectedResponse)
	})

	t.Run("not connected", func(t *testing.T) {
		requester := messaging.NewRequester(messaging.StaticSession(nil), messaging.NewDispatcher(nil), defaultRoutes(t))

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, time.Second)
		assert.ErrorIs(t, err, messaging.ErrNotConnected)
	})

	t.Run("send failures release the pending entry", func(t *testing.T) {
		broker := memory.NewBroker()
		e := newEndpoint(t, broker, requesterQueue)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))
		require.NoError(t, e.session.Close())

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, time.Second)
		assert.ErrorIs(t, err, memory.ErrSessionClosed)
		assert.Equal(t, 0, requester.Pending())
	})
}

func TestRequesterHeaders(t *testing.T) {
	t.Run("default and per call headers reach the responder", func(t *testing.T) {
		broker := memory.NewBroker()

		resp := newEndpoint(t, broker, responderQueue)
		responder := messaging.NewResponder(messaging.StaticSession(resp.session), resp.dispatcher)
		seen := make(chan *messaging.MessageContext, 1)
		require.NoError(t, messaging.HandleRequest(context.Background(), responder,
			func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
				mc, _ := messaging.MessageContextFrom(ctx)
				seen <- mc
				return messages.NewUserLoginResponse("", messages.LoginGranted, "", req.Email, "", ""), nil
			}))
		resp.attach(t)

		e := newEndpoint(t, broker, requesterQueue)
		e.attach(t)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t),
			messaging.WithDefaultHeaders(map[string]interface{}{"tenant": "zylinc", "source": "default"}))

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), map[string]interface{}{"source": "call"}, 2*time.Second)
		require.NoError(t, err)

		mc := <-seen
		assert.Equal(t, "zylinc", mc.Headers["tenant"])
		assert.Equal(t, "call", mc.Headers["source"])
	})
}

func TestRequesterPublishAndSend(t *testing.T) {
	t.Run("Send delivers one-way to the routed queue", func(t *testing.T) {
		broker := memory.NewBroker()
		broker.DeclareQueue(responderQueue)
		e := newEndpoint(t, broker, requesterQueue)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		require.NoError(t, requester.Send(context.Background(), messages.NewServiceConfigurationRequest("", "",
			messages.ServiceConfigurationBundle{ServiceName: "MyService", BundleName: "Bundle1"}), nil))

		assert.Equal(t, 1, broker.QueueDepth(responderQueue))
		assert.Equal(t, 0, requester.Pending())
	})

	t.Run("Send fails for unmapped types", func(t *testing.T) {
		broker := memory.NewBroker()
		e := newEndpoint(t, broker, requesterQueue)
		routes, err := routing.NewTable(nil)
		require.NoError(t, err)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, routes)

		err = requester.Send(context.Background(), messages.NewUserLoginRequest("", "", "a", "b"), nil)
		assert.ErrorIs(t, err, routing.ErrUnmappedType)
	})

	t.Run("published requests are answered to OnResponse handlers", func(t *testing.T) {
		broker := memory.NewBroker()
		startLoginResponder(t, broker, nil)

		e := newEndpoint(t, broker, requesterQueue)
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		got := make(chan *messages.UserLoginResponse, 1)
		require.NoError(t, messaging.OnResponse(context.Background(), requester,
			func(ctx context.Context, resp *messages.UserLoginResponse) error {
				got <- resp
				return nil
			}))
		e.attach(t)

		req := messages.NewUserLoginRequest("", "", "bcs@zylinc.com", "x")
		require.NoError(t, requester.Publish(context.Background(), req, nil))

		select {
		case resp := <-got:
			assert.Equal(t, req.RequestMessageID, resp.RequestMessageID)
		case <-time.After(2 * time.Second):
			t.Fatal("no response observed")
		}
		assert.Equal(t, []string{requesterQueue}, broker.Subscribers("UserLoginResponse"))
	})

	t.Run("late responses to timed out requests skip OnResponse handlers", func(t *testing.T) {
		broker := memory.NewBroker()
		slow := make(chan struct{})
		startLoginResponder(t, broker, func(req *messages.UserLoginRequest) time.Duration {
			<-slow
			return 0
		})

		metrics := &recordingMetrics{}
		e := newEndpoint(t, broker, requesterQueue, messaging.WithDispatcherMetrics(metrics))
		requester := messaging.NewRequester(messaging.StaticSession(e.session), e.dispatcher, defaultRoutes(t))

		observed := make(chan *messages.UserLoginResponse, 1)
		require.NoError(t, messaging.OnResponse(context.Background(), requester,
			func(ctx context.Context, resp *messages.UserLoginResponse) error {
				observed <- resp
				return nil
			}))
		e.attach(t)

		_, err := messaging.SendRequest[*messages.UserLoginResponse](context.Background(), requester,
			messages.NewUserLoginRequest("", "", "a@b.c", "x"), nil, 30*time.Millisecond)
		require.ErrorIs(t, err, messaging.ErrTimeout)

		close(slow)
		require.Eventually(t, func() bool { return metrics.orphanCount() == 1 }, 2*time.Second, 5*time.Millisecond)
		assert.Empty(t, observed)
	})

	t.Run("publish without a session fails", func(t *testing.T) {
		requester := messaging.NewRequester(messaging.StaticSession(nil), messaging.NewDispatcher(nil), defaultRoutes(t))
		err := requester.Publish(context.Background(), messages.NewUserLoginRequest("", "", "a", "b"), nil)
		assert.True(t, errors.Is(err, messaging.ErrNotConnected))
	})
}
