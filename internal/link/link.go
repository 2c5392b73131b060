// Package link supervises the node network link and exposes readiness.
package link

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
)

const (
	DefaultBackoffMin     = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultBackoffK       = 2
	DefaultConnectTimeout = 30 * time.Second
)

type State uint32

const (
	Down State = iota
	Connecting
	Up
)

func (s State) String() string {
	switch s {
	case Down:
		return "down"
	case Connecting:
		return "connecting"
	case Up:
		return "up"
	}
	return fmt.Sprintf("link.State(%d)", uint32(s))
}

type Event uint8

const (
	EventStart Event = iota + 1
	EventConnected
	EventLost
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventConnected:
		return "connected"
	case EventLost:
		return "lost"
	}
	return fmt.Sprintf("link.Event(%d)", uint8(e))
}

// Driver is the link layer collaborator.
// Connect issues connect request, must not wait for link to come up.
// Watch blocks delivering link events until ctx is done.
type Driver interface {
	Connect(ctx context.Context) error
	Watch(ctx context.Context, fn func(Event)) error
}

// Supervisor owns link state. Only Run goroutine writes state and pending,
// Ready() and State() are safe from anywhere.
type Supervisor struct {
	log     *log2.Log
	driver  Driver
	metrics *metrics.Metrics

	state   uint32 // State
	pending uint32 // 1 = connect request outstanding

	backoff        helpers.Backoff
	connectTimeout time.Duration
	events         chan Event
	timer          *time.Timer
	exhausted      bool
}

func NewSupervisor(log *log2.Log, driver Driver, m *metrics.Metrics, c config.Link) *Supervisor {
	k := float32(c.BackoffK)
	if k < 1 {
		k = DefaultBackoffK
	}
	self := &Supervisor{
		log:     log,
		driver:  driver,
		metrics: m,
		backoff: helpers.Backoff{
			Min:         helpers.IntMillisecondDefault(c.BackoffMinMs, DefaultBackoffMin),
			Max:         helpers.IntMillisecondDefault(c.BackoffMaxMs, DefaultBackoffMax),
			K:           k,
			Jitter:      float32(c.BackoffJitter),
			MaxAttempts: uint32(c.MaxRetries),
		},
		connectTimeout: DefaultConnectTimeout,
		events:         make(chan Event, 8),
		timer:          time.NewTimer(0),
	}
	<-self.timer.C
	return self
}

func (self *Supervisor) State() State { return State(atomic.LoadUint32(&self.state)) }
func (self *Supervisor) Ready() bool  { return self.State() == Up }

// Run blocks until ctx is done.
func (self *Supervisor) Run(ctx context.Context) error {
	notify := func(e Event) {
		select {
		case self.events <- e:
		case <-ctx.Done():
		}
	}
	watchErr := make(chan error, 1)
	go func() { watchErr <- self.driver.Watch(ctx, notify) }()

	self.handle(ctx, EventStart)
	for {
		select {
		case <-ctx.Done():
			self.timer.Stop()
			return ctx.Err()
		case err := <-watchErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			self.log.Errorf("link watch stopped err=%v", err)
			return err
		case e := <-self.events:
			self.handle(ctx, e)
		case <-self.timer.C:
			self.fire(ctx)
		}
	}
}

func (self *Supervisor) setState(new State) {
	old := State(atomic.SwapUint32(&self.state, uint32(new)))
	if old != new {
		self.log.Infof("link %s -> %s", old, new)
	}
	self.metrics.LinkReady(new == Up)
}

func (self *Supervisor) handle(ctx context.Context, e Event) {
	self.log.Debugf("link event=%s state=%s", e, self.State())
	switch e {
	case EventStart:
		if self.State() == Down {
			self.setState(Connecting)
			self.request(ctx)
		}

	case EventConnected:
		self.timer.Stop()
		atomic.StoreUint32(&self.pending, 0)
		self.backoff.Reset()
		self.exhausted = false
		self.setState(Up)

	case EventLost:
		if self.State() == Down {
			// already waiting for retry
			return
		}
		self.lost(ctx)
	}
}

func (self *Supervisor) lost(ctx context.Context) {
	atomic.StoreUint32(&self.pending, 0)
	self.setState(Down)
	self.backoff.Failure()
	if self.backoff.Exhausted() {
		if !self.exhausted {
			self.exhausted = true
			self.log.Errorf("link connect attempts=%d exhausted, waiting for link to come up on its own", self.backoff.Attempts())
		}
		return
	}
	delay := self.backoff.Delay()
	self.log.Infof("link reconnect in %v attempt=%d", delay, self.backoff.Attempts())
	self.arm(delay)
}

// fire handles timer: retry delay in Down, connect timeout in Connecting.
func (self *Supervisor) fire(ctx context.Context) {
	switch self.State() {
	case Down:
		self.setState(Connecting)
		self.request(ctx)
	case Connecting:
		self.log.Warnf("link connect timeout=%v", self.connectTimeout)
		self.lost(ctx)
	}
}

func (self *Supervisor) request(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&self.pending, 0, 1) {
		self.log.Debugf("link connect request already pending")
		return
	}
	self.metrics.LinkRequest()
	if err := self.driver.Connect(ctx); err != nil {
		self.log.Errorf("link connect request err=%v", err)
		self.lost(ctx)
		return
	}
	self.arm(self.connectTimeout)
}

func (self *Supervisor) arm(d time.Duration) {
	if !self.timer.Stop() {
		select {
		case <-self.timer.C:
		default:
		}
	}
	self.timer.Reset(d)
}
