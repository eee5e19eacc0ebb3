package backoff

import (
	"context"
	"time"
)

// Policy retries a call with exponential backoff: delay(n) = min(Base * 2^(n-1), Max)
type Policy struct {
	Retries int // retries after the first attempt
	Base    time.Duration
	Max     time.Duration

	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait before retry number attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.Base
	for i := 1; i < attempt; i++ {
		if p.Max > 0 && delay >= p.Max {
			break
		}
		delay *= 2
	}
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, or runs out of retries.
// The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.Retries {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if serr := sleep(ctx, p.Delay(attempt+1)); serr != nil {
			return err
		}
	}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
