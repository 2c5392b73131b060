package console

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/irrigo/internal/sensor"
	"github.com/temoto/irrigo/log2"
)

type fakeOutput struct {
	sets []bool
	err  error
}

func (self *fakeOutput) Set(on bool) error {
	if self.err != nil {
		return self.err
	}
	self.sets = append(self.sets, on)
	return nil
}

type fakeMeasurer struct {
	calls  int
	pulses []sensor.Pulse
}

func (self *fakeMeasurer) Measure() (sensor.Pulse, error) {
	self.calls++
	if len(self.pulses) == 0 {
		return sensor.Pulse{}, fmt.Errorf("echo line closed")
	}
	p := self.pulses[0]
	self.pulses = self.pulses[1:]
	return p, nil
}

type fakeEnv struct{ err error }

func (self *fakeEnv) Env() (sensor.Reading, sensor.Reading, error) {
	if self.err != nil {
		return sensor.Invalid(), sensor.Invalid(), self.err
	}
	return sensor.Reading{Value: 21.5, Valid: true}, sensor.Reading{Value: 40, Valid: true}, nil
}

func newTestBench() (*Bench, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	b := &Bench{
		Log:    log2.NewWriter(buf, log2.LDebug),
		Relay:  &fakeOutput{},
		Ranger: &fakeMeasurer{},
		Env:    &fakeEnv{},
	}
	return b, buf
}

func TestExecRelay(t *testing.T) {
	t.Parallel()

	b, buf := newTestBench()
	relay := b.Relay.(*fakeOutput)
	require.NoError(t, b.Exec("relay on"))
	require.NoError(t, b.Exec("  relay   0 "))
	assert.Equal(t, []bool{true, false}, relay.sets)
	assert.Contains(t, buf.String(), "relay=true")

	assert.True(t, errors.IsNotValid(b.Exec("relay")))
	assert.True(t, errors.IsNotValid(b.Exec("relay maybe")))
	assert.True(t, errors.IsNotFound(b.Exec("led on")), "indicator disabled")

	relay.err = fmt.Errorf("device busy")
	assert.EqualError(t, b.Exec("relay on"), "device busy")
}

func TestExecRange(t *testing.T) {
	t.Parallel()

	b, buf := newTestBench()
	m := b.Ranger.(*fakeMeasurer)
	m.pulses = []sensor.Pulse{{Width: 580 * time.Microsecond}, {TimedOut: true}}
	require.NoError(t, b.Exec("range 3"))
	assert.Equal(t, 3, m.calls)
	out := buf.String()
	assert.Contains(t, out, "range 1/3 echo=580µs distance=9.95cm")
	assert.Contains(t, out, "range 2/3 timeout")
	assert.Contains(t, out, "range 3/3 err=echo line closed")

	assert.True(t, errors.IsNotValid(b.Exec("range 0")))
	assert.Error(t, b.Exec("range x"))
}

func TestExecMisc(t *testing.T) {
	t.Parallel()

	b, buf := newTestBench()
	require.NoError(t, b.Exec(""))
	require.NoError(t, b.Exec("help"))
	assert.Contains(t, buf.String(), "relay on|off")

	require.NoError(t, b.Exec("env"))
	assert.Contains(t, buf.String(), "temperature=21.50 humidity=40.00")
	b.Env.(*fakeEnv).err = fmt.Errorf("EIO")
	assert.Error(t, b.Exec("env"))

	require.NoError(t, b.Exec("parse ON"))
	assert.Contains(t, buf.String(), "payload='ON' requested=true")
	require.NoError(t, b.Exec("parse on"))
	assert.Contains(t, buf.String(), "payload='on' ignored")

	require.NoError(t, b.Exec("sleep 1"))
	assert.True(t, errors.IsNotSupported(b.Exec("water")))
}
