package interceptors

import (
	"context"

	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/messaging"
)

// Interceptor processes a message around the next handler in the chain
type Interceptor interface {
	Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error
	// Name identifies the interceptor in logs
	Name() string
}

// InterceptorFunc adapts a function to Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg contracts.Message, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain running interceptors in order
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, i := range interceptors {
		c.Add(i)
	}
	return c
}

// Add appends interceptor to the chain. Nil interceptors are ignored.
func (c *Chain) Add(interceptor Interceptor) *Chain {
	if interceptor != nil {
		c.interceptors = append(c.interceptors, interceptor)
	}
	return c
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Wrap returns handler wrapped by every interceptor of the chain
func (c *Chain) Wrap(handler messaging.MessageHandler) messaging.MessageHandler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// Execute runs msg through the chain into handler
func (c *Chain) Execute(ctx context.Context, msg contracts.Message, handler messaging.MessageHandler) error {
	return c.Wrap(handler).Handle(ctx, msg)
}

// Middleware returns the chain as dispatcher middleware
func (c *Chain) Middleware() messaging.Middleware {
	return c.Wrap
}
