// Package pin wraps gpio character device lines as simple digital outputs.
package pin

import (
	"sync"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

const ConsumerLabel = "irrigo"

// Output is one digital output line, e.g. relay or indicator LED.
// Safe for concurrent use.
type Output struct {
	mu    sync.Mutex
	name  string
	line  uint32
	lines gpio.Lineser
	set   gpio.LineSetFunc
	value bool
}

// OpenOutput requests line as output, initial level low.
func OpenOutput(chip gpio.Chiper, line uint32, name string) (*Output, error) {
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, ConsumerLabel+"-"+name, line)
	if err != nil {
		return nil, errors.Annotatef(err, "gpio output name=%s line=%d", name, line)
	}
	return NewOutput(lines, line, name), nil
}

func NewOutput(lines gpio.Lineser, line uint32, name string) *Output {
	return &Output{
		name:  name,
		line:  line,
		lines: lines,
		set:   lines.SetFunc(line),
	}
}

func (o *Output) Name() string { return o.name }

// Set drives line high for on=true. Value is remembered only after
// successful flush to hardware.
func (o *Output) Set(on bool) error {
	var b byte
	if on {
		b = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.set(b)
	if err := o.lines.Flush(); err != nil {
		return errors.Annotatef(err, "gpio output name=%s line=%d set=%d", o.name, o.line, b)
	}
	o.value = on
	return nil
}

// Get returns last successfully written value.
func (o *Output) Get() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *Output) Close() error { return o.lines.Close() }
