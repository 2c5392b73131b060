// Package indicator shows link readiness on status LED.
package indicator

import (
	"context"
	"time"

	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/log2"
)

const DefaultPeriod = 1 * time.Second

type Readiness interface {
	Ready() bool
}

type Output interface {
	Set(on bool) error
}

type Indicator struct {
	log    *log2.Log
	link   Readiness
	out    Output
	Period time.Duration
	last   int8 // -1 unknown, 0 off, 1 on
}

func New(log *log2.Log, link Readiness, out Output) *Indicator {
	return &Indicator{log: log, link: link, out: out, Period: DefaultPeriod, last: -1}
}

// Run keeps LED on iff link is ready, until ctx is done.
func (self *Indicator) Run(ctx context.Context) error {
	for {
		self.Update()
		if !helpers.Sleep(ctx.Done(), self.Period) {
			_ = self.out.Set(false)
			return ctx.Err()
		}
	}
}

func (self *Indicator) Update() {
	on := self.link.Ready()
	var v int8
	if on {
		v = 1
	}
	if v == self.last {
		return
	}
	if err := self.out.Set(on); err != nil {
		self.log.Errorf("indicator err=%v", err)
		return
	}
	self.last = v
}
