// Package atomic_clock is convenient API around atomic int64 monotonic clock.
// Values are nanoseconds since process start, immune to wall clock steps
// (NTP sync right after link up is common on boards without RTC).
// Use for time accounting and deadlines. Not convertible to calendar time.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

var epoch = time.Now()

type Clock struct{ v int64 }

func source() int64 { return int64(time.Since(epoch)) }

func (c *Clock) get() int64         { return atomic.LoadInt64(&c.v) }
func (c *Clock) set(new int64)      { atomic.StoreInt64(&c.v, new) }
func (c *Clock) cas(old, new int64) { atomic.CompareAndSwapInt64(&c.v, old, new) }

func (c *Clock) IsZero() bool { return c.get() == 0 }

func (c *Clock) Set(new int64)       { c.set(new) }
func (c *Clock) SetNow()             { c.set(source()) }
func (c *Clock) SetNowIfZero()       { c.cas(0, source()) }
func (c *Clock) Add(d time.Duration) { atomic.AddInt64(&c.v, int64(d)) }

func (c *Clock) Sub(begin *Clock) time.Duration { return time.Duration(c.get() - begin.get()) }

func (c *Clock) Nano() int64 { return c.get() }

// Remaining until c as deadline, <=0 when passed.
func (c *Clock) Remaining() time.Duration { return time.Duration(c.get() - source()) }

func New(v int64) *Clock { return &Clock{v: v} }
func Now() *Clock        { return New(source()) }

// Deadline returns clock set d into the future.
func Deadline(d time.Duration) *Clock { return New(source() + int64(d)) }

func Since(begin *Clock) time.Duration { return time.Duration(source() - begin.get()) }
func Source() int64                    { return source() }
