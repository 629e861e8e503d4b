package pipeline

import (
	"context"
	"time"
)

// Result is the outcome of a bounded poll.
type Result int

const (
	// Found means a probe succeeded.
	Found Result = iota
	// Exhausted means every attempt probed negative.
	Exhausted
)

func (r Result) String() string {
	if r == Found {
		return "found"
	}
	return "exhausted"
}

// Probe checks a condition once.
type Probe func(ctx context.Context) (bool, error)

// RetryUntil waits interval before each probe and stops at the first
// positive one. It returns Exhausted after attempts negative probes, or the
// first probe or context error.
func RetryUntil(ctx context.Context, probe Probe, interval time.Duration, attempts int) (Result, error) {
	for i := 0; i < attempts; i++ {
		if err := Sleep(ctx, interval); err != nil {
			return Exhausted, err
		}
		ok, err := probe(ctx)
		if err != nil {
			return Exhausted, err
		}
		if ok {
			return Found, nil
		}
	}
	return Exhausted, nil
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
