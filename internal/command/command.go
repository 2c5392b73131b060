// Package command decodes inbound relay commands into requested state.
package command

import (
	"sync/atomic"

	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
)

// Parse accepts exact tokens only: no case folding, no trimming.
func Parse(payload []byte) (value bool, ok bool) {
	switch string(payload) {
	case "true", "1", "ON":
		return true, true
	case "false", "0", "OFF":
		return false, true
	}
	return false, false
}

// State is shared between MQTT callback and telemetry loop.
// requested has single writer: Interpreter.
// lastApplied has single writer: actuation controller.
type State struct {
	requested   uint32
	lastApplied uint32
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (s *State) Request(on bool)        { atomic.StoreUint32(&s.requested, boolU32(on)) }
func (s *State) Requested() bool        { return atomic.LoadUint32(&s.requested) == 1 }
func (s *State) SetLastApplied(on bool) { atomic.StoreUint32(&s.lastApplied, boolU32(on)) }
func (s *State) LastApplied() bool      { return atomic.LoadUint32(&s.lastApplied) == 1 }

type Interpreter struct {
	log     *log2.Log
	metrics *metrics.Metrics
	state   *State
}

func NewInterpreter(log *log2.Log, m *metrics.Metrics, state *State) *Interpreter {
	return &Interpreter{log: log, metrics: m, state: state}
}

// Handle is session command handler.
func (self *Interpreter) Handle(topic string, payload []byte) {
	value, ok := Parse(payload)
	self.metrics.Command(ok)
	if !ok {
		self.log.Warnf("command ignored topic=%s payload=%q", topic, payload)
		return
	}
	self.log.Infof("command requested=%t", value)
	self.state.Request(value)
}
