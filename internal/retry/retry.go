// Package retry holds the bounded retry policy shared by handle creation,
// candidate sends, offer recovery and transport redials.
package retry

import (
	"context"
	"time"
)

// Policy retries an operation up to Attempts times, sleeping
// attempt*Backoff between tries.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Once runs the operation a single time.
var Once = Policy{Attempts: 1}

// Delay returns the wait before the try following attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * p.Backoff
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// fn receives the 1-based attempt number. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
