// Package messaging implements request/response correlation on top of a
// broker session.
//
// The package is organised around a few pieces:
//   - Session: the transport primitives (publish, send, subscribe, receive)
//   - Dispatcher: decodes deliveries and routes them to handlers on a bounded pool
//   - Correlator: the table of requests waiting for their response
//   - Requester: publishes, sends, and issues blocking requests
//   - Responder: handles requests and replies with the request's correlation ID
//
// Example usage:
//
//	requester := messaging.NewRequester(supervisor, dispatcher, routes)
//	resp, err := messaging.SendRequest[*messages.UserLoginResponse](ctx, requester,
//		messages.NewUserLoginRequest("", "", "bcs@zylinc.com", "secret"), nil, 10*time.Second)
//	if errors.Is(err, messaging.ErrTimeout) {
//		// no response within the timeout
//	}
//
//	responder := messaging.NewResponder(supervisor, dispatcher)
//	err = messaging.HandleRequest(ctx, responder,
//		func(ctx context.Context, req *messages.UserLoginRequest) (*messages.UserLoginResponse, error) {
//			return messages.NewUserLoginResponse(req.RequestMessageID, messages.LoginGranted, "user1", req.Email, "Bo", "S"), nil
//		})
package messaging
