package sensor

import (
	"time"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/irrigo/hardware/pin"
	"github.com/temoto/irrigo/helpers/atomic_clock"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
)

const (
	TriggerPulseWidth    = 10 * time.Microsecond
	EchoEdgeTimeout      = 100 * time.Millisecond
	SpeedOfSoundCmPerSec = 34300

	// Stale edges left from previous measurement are read with this timeout.
	drainTimeout = 1 * time.Microsecond
	drainMax     = 8
)

// Pulse is echo high duration, TimedOut when either edge did not arrive in time.
type Pulse struct {
	Width    time.Duration
	TimedOut bool
}

// Centimeters converts round trip echo time to distance.
func (p Pulse) Centimeters() float64 {
	return p.Width.Seconds() * SpeedOfSoundCmPerSec / 2
}

// HCSR04 ultrasonic ranger. Echo edges come from kernel line events,
// so pulse width is measured with kernel timestamps, not by polling.
type HCSR04 struct {
	log         *log2.Log
	metrics     *metrics.Metrics
	trigger     *pin.Output
	echo        gpio.Eventer
	EdgeTimeout time.Duration
}

func OpenHCSR04(log *log2.Log, m *metrics.Metrics, chip gpio.Chiper, triggerLine, echoLine uint32) (*HCSR04, error) {
	trigger, err := pin.OpenOutput(chip, triggerLine, "trigger")
	if err != nil {
		return nil, err
	}
	echo, err := chip.GetLineEvent(echoLine, 0, gpio.GPIOEVENT_REQUEST_BOTH_EDGES, pin.ConsumerLabel+"-echo")
	if err != nil {
		_ = trigger.Close()
		return nil, errors.Annotatef(err, "gpio echo line=%d", echoLine)
	}
	return NewHCSR04(log, m, trigger, echo), nil
}

func NewHCSR04(log *log2.Log, m *metrics.Metrics, trigger *pin.Output, echo gpio.Eventer) *HCSR04 {
	return &HCSR04{
		log:         log,
		metrics:     m,
		trigger:     trigger,
		echo:        echo,
		EdgeTimeout: EchoEdgeTimeout,
	}
}

func (self *HCSR04) Close() error {
	err1 := self.trigger.Close()
	err2 := self.echo.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Measure blocks for at most 2*EdgeTimeout.
func (self *HCSR04) Measure() (Pulse, error) {
	self.drain()

	if err := self.trigger.Set(true); err != nil {
		return Pulse{}, err
	}
	time.Sleep(TriggerPulseWidth)
	if err := self.trigger.Set(false); err != nil {
		return Pulse{}, err
	}

	rise, err := self.waitEdge(gpio.GPIOEVENT_EVENT_RISING_EDGE)
	if gpio.IsTimeout(err) {
		return Pulse{TimedOut: true}, nil
	} else if err != nil {
		return Pulse{}, errors.Annotate(err, "echo rise")
	}
	fall, err := self.waitEdge(gpio.GPIOEVENT_EVENT_FALLING_EDGE)
	if gpio.IsTimeout(err) {
		return Pulse{TimedOut: true}, nil
	} else if err != nil {
		return Pulse{}, errors.Annotate(err, "echo fall")
	}
	if fall.Timestamp < rise.Timestamp {
		return Pulse{}, errors.Errorf("echo timestamps rise=%d fall=%d", rise.Timestamp, fall.Timestamp)
	}
	return Pulse{Width: time.Duration(fall.Timestamp - rise.Timestamp)}, nil
}

// Distance never retries, timeout or error gives sentinel.
func (self *HCSR04) Distance() Reading {
	p, err := self.Measure()
	switch {
	case err != nil:
		self.log.Errorf("ranging err=%v", err)
	case p.TimedOut:
		self.log.Warnf("ranging echo timeout=%v", self.EdgeTimeout)
	default:
		self.metrics.EchoWidth(p.Width)
		self.metrics.SensorRead("distance", true)
		return Reading{Value: p.Centimeters(), Valid: true}
	}
	self.metrics.SensorRead("distance", false)
	return Invalid()
}

// waitEdge skips edges of other kind, total wait bound by EdgeTimeout
// on monotonic clock.
func (self *HCSR04) waitEdge(id gpio.EventID) (gpio.EventData, error) {
	deadline := atomic_clock.Deadline(self.EdgeTimeout)
	for {
		remaining := deadline.Remaining()
		if remaining <= 0 {
			return gpio.EventData{}, gpio.ErrTimeout
		}
		e, err := self.echo.Wait(remaining)
		if err != nil {
			return e, err
		}
		if e.ID == id {
			return e, nil
		}
		self.log.Debugf("ranging skip edge id=%d waiting=%d", e.ID, id)
	}
}

func (self *HCSR04) drain() {
	for i := 0; i < drainMax; i++ {
		if _, err := self.echo.Wait(drainTimeout); err != nil {
			return
		}
	}
}
