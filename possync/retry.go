// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default retry schedule for undelivered events
const (
	DefaultBackoffBase   = 2 * time.Second
	DefaultBackoffMax    = 5 * time.Minute
	DefaultBackoffJitter = 0.2
)

// Backoff computes retry delays as min(Max, Base·2^(attempt-1))·(1+U[0,Jitter]).
// Attempt 1 is the first failed delivery, so it waits about Base.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0,1); nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the standard outbox retry schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Max: DefaultBackoffMax, Jitter: DefaultBackoffJitter}
}

// Delay returns the wait before the next try after the given number of failed attempts.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Max
	// Shift only while it cannot overflow past Max.
	if shift := attempt - 1; shift < 32 {
		if exp := b.Base << uint(shift); exp > 0 && exp < b.Max {
			d = exp
		}
	}
	if b.Jitter <= 0 {
		return d
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	return time.Duration(float64(d) * (1 + r()*b.Jitter))
}

// SleepWithContext waits for d or until ctx is done.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
