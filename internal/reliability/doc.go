// Package reliability provides the retry policies used for broker
// connections and publishes.
//
// FixedDelay drives the connection supervisor: the same delay between every
// attempt, optionally without an upper bound on attempts. ExponentialBackoff
// is used for short publish retries on transient channel failures. Errors
// can be marked permanent, which stops any policy from retrying them.
//
// Example usage:
//
//	policy := reliability.NewFixedDelay(10*time.Second, reliability.Unlimited)
//	err := reliability.Retry(ctx, policy, func(ctx context.Context) error {
//	    return dial(ctx)
//	})
package reliability
