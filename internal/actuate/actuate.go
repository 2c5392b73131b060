// Package actuate applies requested relay state idempotently and reports changes.
package actuate

import (
	"github.com/juju/errors"
	"github.com/temoto/irrigo/internal/command"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
)

const (
	StatusOn  = "ON"
	StatusOff = "OFF"
)

type Output interface {
	Set(on bool) error
}

type Publisher interface {
	Publish(topic string, payload string) error
}

// Controller is the only writer of State.LastApplied.
type Controller struct {
	log         *log2.Log
	metrics     *metrics.Metrics
	out         Output
	pub         Publisher
	state       *command.State
	statusTopic string
}

func NewController(log *log2.Log, m *metrics.Metrics, out Output, pub Publisher, state *command.State, statusTopic string) *Controller {
	return &Controller{
		log:         log,
		metrics:     m,
		out:         out,
		pub:         pub,
		state:       state,
		statusTopic: statusTopic,
	}
}

// Init drives output off to match initial last applied state.
func (self *Controller) Init() error {
	if err := self.out.Set(false); err != nil {
		return errors.Annotate(err, "actuate init")
	}
	self.state.SetLastApplied(false)
	self.metrics.Relay(false)
	return nil
}

// Apply changes output only when requested differs from last applied.
// On output error nothing is published and next Apply retries.
// Status publish failure is logged, output already changed.
func (self *Controller) Apply(requested bool) error {
	if requested == self.state.LastApplied() {
		return nil
	}
	if err := self.out.Set(requested); err != nil {
		return errors.Annotatef(err, "actuate requested=%t", requested)
	}
	self.state.SetLastApplied(requested)
	self.metrics.Relay(requested)

	status := StatusOff
	if requested {
		status = StatusOn
	}
	self.log.Infof("relay %s", status)
	if err := self.pub.Publish(self.statusTopic, status); err != nil {
		self.log.Errorf("status publish topic=%s payload=%s err=%v", self.statusTopic, status, err)
	}
	return nil
}
