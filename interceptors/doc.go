// Package interceptors wraps message handlers with cross-cutting behavior.
//
// A Chain runs its interceptors in the order they were added, the handler
// last, and plugs into the dispatcher as a messaging.Middleware:
//
//	chain := interceptors.NewChain(
//		interceptors.NewRecoveryInterceptor(logger),
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(10*time.Second),
//	)
//	bus, err := messagebus.New(messagebus.WithHandlerMiddleware(chain.Middleware()))
package interceptors
