package service

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	minBackoff      = 500 * time.Millisecond
	minJitterRange  = 250 * time.Millisecond
	jitterFraction  = 0.1
	mismatchBackoff = 5 * time.Second
)

// jitteredBackoff scales base linearly with the attempt counter, then adds
// uniform jitter of ±max(10%, 0.25s). The result never drops below 0.5s.
// r must return a value in [0, 1).
func jitteredBackoff(base time.Duration, attempts float64, r func() float64) time.Duration {
	backoff := float64(base) * max(attempts, 1)
	jitterRange := max(jitterFraction*backoff, float64(minJitterRange))
	jitter := (2*r() - 1) * jitterRange
	return max(time.Duration(backoff+jitter), minBackoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func defaultRand() float64 { return rand.Float64() }
