package state

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/irrigo/hardware/pin"
	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/internal/sensor"
)

const DefaultGpioChip = "/dev/gpiochip0"

type hardware struct {
	Chip struct {
		once
		gpio.Chiper
	}
	relay struct {
		once
		out *pin.Output
	}
	indicator struct {
		once
		out *pin.Output
	}
	ranger struct {
		once
		r *sensor.HCSR04
	}
	env struct {
		once
		e *sensor.IIOEnv
	}
}

func (g *Global) GpioChip() (gpio.Chiper, error) {
	x := &g.Hardware.Chip
	_ = x.do(func() error {
		if x.Chiper != nil { // state/new testing mode
			return nil
		}
		path := g.Config.Hardware.GpioChip
		if path == "" {
			path = DefaultGpioChip
		}
		chip, err := gpio.Open(path, pin.ConsumerLabel)
		if err != nil {
			return errors.Annotatef(err, "gpio chip=%s", path)
		}
		x.Chiper = chip
		return nil
	})
	return x.Chiper, x.err
}

// Relay output line. Opened low, i.e. relay OFF.
func (g *Global) Relay() (*pin.Output, error) {
	x := &g.Hardware.relay
	_ = x.do(func() error {
		chip, err := g.GpioChip()
		if err != nil {
			return err
		}
		x.out, err = pin.OpenOutput(chip, uint32(g.Config.Hardware.PinRelay), "relay")
		return err
	})
	return x.out, x.err
}

// Indicator returns nil output without error when indicator is disabled in config.
func (g *Global) Indicator() (*pin.Output, error) {
	x := &g.Hardware.indicator
	_ = x.do(func() error {
		if g.Config.Hardware.PinIndicator < 0 {
			g.Log.Infof("indicator is disabled")
			return nil
		}
		chip, err := g.GpioChip()
		if err != nil {
			return err
		}
		x.out, err = pin.OpenOutput(chip, uint32(g.Config.Hardware.PinIndicator), "indicator")
		return err
	})
	return x.out, x.err
}

func (g *Global) Ranger() (*sensor.HCSR04, error) {
	x := &g.Hardware.ranger
	_ = x.do(func() error {
		chip, err := g.GpioChip()
		if err != nil {
			return err
		}
		hw := &g.Config.Hardware
		x.r, err = sensor.OpenHCSR04(g.Component("ranging", hw.LogDebug), g.Metrics, chip,
			uint32(hw.PinTrigger), uint32(hw.PinEcho))
		return err
	})
	return x.r, x.err
}

// Env sensor is file based, opening never fails. Missing device shows up as read errors.
func (g *Global) Env() *sensor.IIOEnv {
	x := &g.Hardware.env
	_ = x.do(func() error {
		dir := g.Config.Hardware.EnvIioDevice
		if dir == "" {
			dir = sensor.DefaultIIODevice
		}
		x.e = sensor.NewIIOEnv(g.Component("env", g.Config.Hardware.LogDebug), g.Metrics, filepath.Clean(dir))
		return nil
	})
	return x.e
}

// CloseHardware releases every opened line, then the chip.
func (g *Global) CloseHardware() error {
	h := &g.Hardware
	errs := make([]error, 0, 4)
	if h.ranger.done() && h.ranger.r != nil {
		errs = append(errs, h.ranger.r.Close())
	}
	if h.relay.done() && h.relay.out != nil {
		errs = append(errs, h.relay.out.Close())
	}
	if h.indicator.done() && h.indicator.out != nil {
		errs = append(errs, h.indicator.out.Close())
	}
	if h.Chip.done() && h.Chip.Chiper != nil {
		errs = append(errs, h.Chip.Close())
	}
	return helpers.FoldErrors(errs)
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
