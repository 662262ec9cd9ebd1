// Package retry provides bounded exponential backoff with jitter.
//
// The bridge uses it in two places: the listener's subscription setup
// (bounded, configurable attempts) and waiting for the broker at startup.
//
//	cfg := retry.Config{
//	    MaxAttempts:  5,
//	    InitialDelay: 500 * time.Millisecond,
//	    MaxDelay:     10 * time.Second,
//	    Multiplier:   2.0,
//	    AddJitter:    true,
//	    OnRetry: func(attempt int, err error, delay time.Duration) {
//	        logger.Warn("subscribe failed, retrying", "attempt", attempt, "delay", delay, "error", err)
//	    },
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return client.Subscribe(ctx, stream, subject, handler, nil)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately. A single
// attempt (MaxAttempts <= 1) returns the operation's error unwrapped.
// Context cancellation is honored both during the operation and during backoff.
package retry
