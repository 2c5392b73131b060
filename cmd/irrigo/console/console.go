// Bench console: drive relay and indicator, read sensors. No network.
package console

import (
	"context"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/irrigo/cmd/irrigo/subcmd"
	"github.com/temoto/irrigo/helpers/cli"
	"github.com/temoto/irrigo/internal/command"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/sensor"
	"github.com/temoto/irrigo/internal/state"
	"github.com/temoto/irrigo/log2"
)

const usage = `syntax: one command per line
- relay on|off     drive relay output
- led on|off       drive indicator output
- range [N]        N ranging measurements, default 1
- env              read temperature and humidity
- parse PAYLOAD    show how command topic payload is interpreted
- sleep MS         pause
- help
`

var Mod = subcmd.Mod{Name: "console", Usage: "bench test relay, indicator and sensors", Main: Main}

func Main(ctx context.Context, config *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	defer func() {
		if err := g.CloseHardware(); err != nil {
			g.Error(err, "hardware close")
		}
	}()

	relay, err := g.Relay()
	if err != nil {
		return errors.Annotate(err, "relay")
	}
	ranger, err := g.Ranger()
	if err != nil {
		return errors.Annotate(err, "ranging sensor")
	}
	led, err := g.Indicator()
	if err != nil {
		return errors.Annotate(err, "indicator")
	}
	b := &Bench{Log: g.Log, Relay: relay, Ranger: ranger, Env: g.Env()}
	if led != nil {
		b.Led = led
	}

	return cli.MainLoop("irrigo", func(line string) {
		tbegin := time.Now()
		if err := b.Exec(line); err != nil {
			g.Log.Error(errors.ErrorStack(err))
		}
		g.Log.Debugf("duration=%v", time.Since(tbegin))
	}, b.Complete)
}

type Output interface {
	Set(on bool) error
}

type Measurer interface {
	Measure() (sensor.Pulse, error)
}

type Bench struct {
	Log    *log2.Log
	Relay  Output
	Led    Output // nil when disabled
	Ranger Measurer
	Env    sensor.EnvSensor
}

var suggests = []prompt.Suggest{
	{Text: "relay", Description: "relay on|off"},
	{Text: "led", Description: "led on|off"},
	{Text: "range", Description: "range [N]"},
	{Text: "env", Description: "temperature and humidity"},
	{Text: "parse", Description: "parse PAYLOAD"},
	{Text: "sleep", Description: "sleep MS"},
	{Text: "help"},
}

func (b *Bench) Complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return []prompt.Suggest{{Text: "on"}, {Text: "off"}}
	}
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}

func (b *Bench) Exec(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	args := words[1:]
	switch words[0] {
	case "help", "/help":
		b.Log.Infof(usage)
		return nil
	case "relay":
		return b.set("relay", b.Relay, args)
	case "led":
		return b.set("led", b.Led, args)
	case "range":
		return b.measure(args)
	case "env":
		t, h, err := b.Env.Env()
		if err != nil {
			return errors.Annotate(err, "env")
		}
		b.Log.Infof("temperature=%s humidity=%s", t, h)
		return nil
	case "parse":
		payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "parse"))
		value, ok := command.Parse([]byte(payload))
		if !ok {
			b.Log.Infof("payload='%s' ignored", payload)
			return nil
		}
		b.Log.Infof("payload='%s' requested=%t", payload, value)
		return nil
	case "sleep":
		ms, err := intArg(args, 0)
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return nil
	default:
		return errors.NotSupportedf("command='%s', try help", words[0])
	}
}

func (b *Bench) set(name string, out Output, args []string) error {
	if out == nil {
		return errors.NotFoundf("%s is disabled in config", name)
	}
	if len(args) != 1 {
		return errors.NotValidf("%s expected on|off", name)
	}
	var on bool
	switch args[0] {
	case "on", "1":
		on = true
	case "off", "0":
	default:
		return errors.NotValidf("%s argument='%s' expected on|off", name, args[0])
	}
	if err := out.Set(on); err != nil {
		return err
	}
	b.Log.Infof("%s=%t", name, on)
	return nil
}

func (b *Bench) measure(args []string) error {
	n, err := intArg(args, 1)
	if err != nil {
		return err
	}
	if n < 1 {
		return errors.NotValidf("range N=%d", n)
	}
	for i := 1; i <= n; i++ {
		p, err := b.Ranger.Measure()
		switch {
		case err != nil:
			b.Log.Errorf("range %d/%d err=%v", i, n, err)
		case p.TimedOut:
			b.Log.Infof("range %d/%d timeout", i, n)
		default:
			b.Log.Infof("range %d/%d echo=%v distance=%.2fcm", i, n, p.Width, p.Centimeters())
		}
		if i < n {
			// sensor needs quiet time between pings
			time.Sleep(60 * time.Millisecond)
		}
	}
	return nil
}

func intArg(args []string, def int) (int, error) {
	if len(args) == 0 {
		return def, nil
	}
	i, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, errors.Annotatef(err, "argument='%s'", args[0])
	}
	return i, nil
}
