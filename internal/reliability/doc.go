// Package reliability provides the retry policy engine used by the
// RelayQ client.
//
// A Policy wraps a fallible operation with exponential backoff, jitter,
// and a pluggable retryability predicate:
//
//	policy, err := NewPolicy(Options{
//	    MaxRetries: 5,
//	    BaseDelay:  100 * time.Millisecond,
//	    MaxDelay:   10 * time.Second,
//	    Multiplier: 2.0,
//	})
//
//	err = policy.Do(ctx, func(ctx context.Context) error {
//	    return client.Call(ctx)
//	})
//
// Policies are stateless after construction and safe to share across
// goroutines and connection managers.
package reliability
