// Package retry runs an operation again after transient failures with
// capped exponential backoff.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Sleep waits for d or until ctx is done. Tests replace it to avoid real
	// delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2,
	}
}

// Do calls fn until it succeeds, returns an error isTransient rejects, or
// MaxAttempts is reached. The last error is returned together with the
// number of attempts made.
func (p Policy) Do(ctx context.Context, isTransient func(error) bool, fn func(attempt int) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	backoff := p.InitialBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt == attempts || isTransient == nil || !isTransient(err) {
			return attempt, err
		}
		if serr := sleep(ctx, backoff); serr != nil {
			return attempt, err
		}
		backoff = p.next(backoff)
	}
	return attempts, err
}

func (p Policy) next(d time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d = time.Duration(float64(d) * mult)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
