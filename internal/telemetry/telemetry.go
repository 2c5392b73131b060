// Package telemetry runs the periodic sense, publish and actuate cycle.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/internal/command"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/internal/sensor"
	"github.com/temoto/irrigo/log2"
)

const (
	DefaultCycle       = 16 * time.Second
	DefaultRetry       = 5 * time.Second
	DefaultStatusToken = "MQTTPUBLISH"
)

type Readiness interface {
	Ready() bool
}

type Session interface {
	Connected() bool
	Publish(topic string, payload string) error
	Subscribe(topic string) error
}

type Actuator interface {
	Apply(requested bool) error
}

type Loop struct {
	log      *log2.Log
	metrics  *metrics.Metrics
	link     Readiness
	session  Session
	ranger   sensor.Ranger
	env      sensor.EnvSensor
	actuator Actuator
	state    *command.State
	topics   config.Topics

	Cycle       time.Duration
	Retry       time.Duration
	StatusToken string

	// last valid environment, for composite record
	temperature sensor.Reading
	humidity    sensor.Reading
}

type Deps struct {
	Link     Readiness
	Session  Session
	Ranger   sensor.Ranger
	Env      sensor.EnvSensor
	Actuator Actuator
	State    *command.State
}

func NewLoop(log *log2.Log, m *metrics.Metrics, c config.Telemetry, topics config.Topics, deps Deps) *Loop {
	token := c.StatusToken
	if token == "" {
		token = DefaultStatusToken
	}
	return &Loop{
		log:         log,
		metrics:     m,
		link:        deps.Link,
		session:     deps.Session,
		ranger:      deps.Ranger,
		env:         deps.Env,
		actuator:    deps.Actuator,
		state:       deps.State,
		topics:      topics,
		Cycle:       helpers.IntSecondDefault(c.CycleSec, DefaultCycle),
		Retry:       helpers.IntSecondDefault(c.RetrySec, DefaultRetry),
		StatusToken: token,
		temperature: sensor.Invalid(),
		humidity:    sensor.Invalid(),
	}
}

func (self *Loop) Connected() bool {
	return self.link.Ready() && self.session.Connected()
}

// Run blocks until ctx is done. No sensor or publish work while disconnected.
func (self *Loop) Run(ctx context.Context) error {
	for {
		delay := self.Retry
		if self.Connected() {
			self.Step()
			delay = self.Cycle
		} else {
			self.log.Warnf("telemetry not connected, waiting %v", self.Retry)
		}
		if !helpers.Sleep(ctx.Done(), delay) {
			return ctx.Err()
		}
	}
}

// Step is one connected cycle.
func (self *Loop) Step() {
	self.publish(self.topics.Telemetry, self.Composite())

	distance := self.ranger.Distance()
	temperature, humidity, err := self.env.Env()
	if err == nil {
		self.temperature, self.humidity = temperature, humidity
	}

	// distance goes out even as sentinel
	self.publish(self.topics.Distance, distance.Format())
	if temperature.Valid {
		self.publish(self.topics.Temperature, temperature.Format())
	}
	if humidity.Valid {
		self.publish(self.topics.Humidity, humidity.Format())
	}

	if err := self.session.Subscribe(self.topics.Command); err != nil {
		self.log.Errorf("telemetry subscribe topic=%s err=%v", self.topics.Command, err)
	}
	if err := self.actuator.Apply(self.state.Requested()); err != nil {
		self.log.Errorf("telemetry %v", err)
	}
	self.metrics.Cycle()
}

func (self *Loop) Composite() string {
	return fmt.Sprintf("field1=%s&field2=%s&status=%s",
		self.temperature.Format(), self.humidity.Format(), self.StatusToken)
}

func (self *Loop) publish(topic, payload string) {
	if topic == "" {
		return
	}
	if err := self.session.Publish(topic, payload); err != nil {
		self.log.Errorf("telemetry publish topic=%s err=%v", topic, err)
		return
	}
	self.log.Debugf("telemetry published topic=%s payload=%s", topic, payload)
}
