package helpers

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// Limited exponential backoff with jitter for reconnect delays.
// First delay is always 0, so the first attempt is immediate.
// Failure() increases next delay by K, bounded by [Min, Max].
// MaxAttempts=0 means unlimited; otherwise Exhausted() reports true
// after that many consecutive failures.
type Backoff struct {
	next     int64  // atomic align
	attempts uint32 // consecutive failures

	Min         time.Duration
	Max         time.Duration
	K           float32
	Jitter      float32 // fraction of delay, 0.2 = +-20%
	MaxAttempts uint32
	Res         time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for {
//   err := op()
//   time.Sleep(backoff.DelayAfter(err==nil))
// }
func (b *Backoff) DelayAfter(success bool) time.Duration {
	b.Update(success)
	return b.Delay()
}

// Delay returns next delay with jitter applied, never above Max.
func (b *Backoff) Delay() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	if b.Jitter > 0 {
		spread := float64(next) * float64(b.Jitter)
		next += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	return b.limit(next)
}

// Increase next Delay()
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	next = time.Duration(float32(next) * b.K)
	next = b.limit(next)
	atomic.StoreInt64(&b.next, int64(next))
	atomic.AddUint32(&b.attempts, 1)
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.next, 0)
	atomic.StoreUint32(&b.attempts, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

func (b *Backoff) Attempts() uint32 { return atomic.LoadUint32(&b.attempts) }

func (b *Backoff) Exhausted() bool {
	return b.MaxAttempts != 0 && b.Attempts() >= b.MaxAttempts
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
