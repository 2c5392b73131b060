package link

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/log2"
)

type fakeDriver struct {
	mu       sync.Mutex
	connects int
	err      error
	watch    func(ctx context.Context, fn func(Event)) error
}

func (self *fakeDriver) Connect(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.connects++
	return self.err
}

func (self *fakeDriver) Connects() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connects
}

func (self *fakeDriver) Watch(ctx context.Context, fn func(Event)) error {
	if self.watch != nil {
		return self.watch(ctx, fn)
	}
	<-ctx.Done()
	return ctx.Err()
}

func newTestSupervisor(t testing.TB, d Driver, c config.Link) *Supervisor {
	log := log2.NewTest(t, log2.LDebug)
	if c.BackoffMinMs == 0 {
		c.BackoffMinMs = 1000
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = 8000
	}
	return NewSupervisor(log, d, nil, c)
}

func TestSupervisorTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &fakeDriver{}
	s := newTestSupervisor(t, d, config.Link{})
	assert.Equal(t, Down, s.State())
	assert.False(t, s.Ready())

	s.handle(ctx, EventStart)
	assert.Equal(t, Connecting, s.State())
	assert.False(t, s.Ready())
	assert.Equal(t, 1, d.Connects())

	s.handle(ctx, EventStart)
	assert.Equal(t, 1, d.Connects(), "start while connecting must not issue another request")

	s.handle(ctx, EventConnected)
	assert.Equal(t, Up, s.State())
	assert.True(t, s.Ready())

	s.handle(ctx, EventLost)
	assert.Equal(t, Down, s.State())
	assert.False(t, s.Ready())
	assert.Equal(t, 1, d.Connects(), "reconnect waits for backoff timer")

	s.handle(ctx, EventLost)
	assert.Equal(t, Down, s.State())
	s.fire(ctx)
	assert.Equal(t, Connecting, s.State())
	assert.Equal(t, 2, d.Connects(), "one request per lost event")
}

func TestSupervisorOnePending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &fakeDriver{}
	s := newTestSupervisor(t, d, config.Link{})
	s.handle(ctx, EventStart)
	s.request(ctx)
	s.request(ctx)
	assert.Equal(t, 1, d.Connects())

	// connect timeout
	s.fire(ctx)
	assert.Equal(t, Down, s.State())
	s.fire(ctx)
	assert.Equal(t, Connecting, s.State())
	assert.Equal(t, 2, d.Connects())
}

func TestSupervisorBackoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &fakeDriver{}
	s := newTestSupervisor(t, d, config.Link{BackoffMinMs: 1000, BackoffMaxMs: 4000, BackoffK: 2})
	s.handle(ctx, EventStart)
	expect := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, e := range expect {
		s.handle(ctx, EventLost)
		assert.Equal(t, e, s.backoff.Delay(), "step=%d", i)
		s.fire(ctx)
	}

	s.handle(ctx, EventConnected)
	assert.Equal(t, time.Duration(0), s.backoff.Delay())
	assert.Equal(t, uint32(0), s.backoff.Attempts())
}

func TestSupervisorExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &fakeDriver{}
	s := newTestSupervisor(t, d, config.Link{MaxRetries: 2})
	s.handle(ctx, EventStart)
	s.handle(ctx, EventLost)
	assert.False(t, s.exhausted)
	s.fire(ctx)
	s.handle(ctx, EventLost)
	assert.True(t, s.exhausted)
	assert.Equal(t, 2, d.Connects())

	// link came back without us
	s.handle(ctx, EventConnected)
	assert.True(t, s.Ready())
	assert.False(t, s.exhausted)
}

func TestSupervisorConnectError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := &fakeDriver{err: fmt.Errorf("wpa_cli: no such device")}
	s := newTestSupervisor(t, d, config.Link{})
	s.handle(ctx, EventStart)
	assert.Equal(t, Down, s.State())
	assert.Equal(t, uint32(1), s.backoff.Attempts())
	assert.Equal(t, uint32(0), s.pending)
}

func TestSupervisorRun(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up := make(chan struct{})
	d := &fakeDriver{}
	d.watch = func(ctx context.Context, fn func(Event)) error {
		<-up
		fn(EventConnected)
		<-ctx.Done()
		return ctx.Err()
	}
	s := newTestSupervisor(t, d, config.Link{})
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Connects() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Ready())
	close(up)
	require.Eventually(t, s.Ready, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
