// Field node mode: connectivity, broker session, sensors, relay.
package agent

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/irrigo/cmd/irrigo/subcmd"
	"github.com/temoto/irrigo/internal/actuate"
	"github.com/temoto/irrigo/internal/command"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/indicator"
	"github.com/temoto/irrigo/internal/link"
	"github.com/temoto/irrigo/internal/session"
	"github.com/temoto/irrigo/internal/state"
	"github.com/temoto/irrigo/internal/telemetry"
)

var Mod = subcmd.Mod{Name: "agent", Usage: "run field node (default)", Main: Main}

func Main(ctx context.Context, config *config.Config) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.Debugf("config=%+v", g.Config.Hardware)
	session.SetLibraryLog(g.Log.Named("mqtt"), g.Config.Broker.LogDebug)
	defer func() {
		if err := g.CloseHardware(); err != nil {
			g.Error(err, "hardware close")
		}
	}()

	a, err := Build(g)
	if err != nil {
		return err
	}
	g.StopOnSignal()
	runCtx := g.RunContext(ctx)
	a.Start(runCtx, g)

	subcmd.SdNotify(daemon.SdNotifyReady)
	g.Log.Infof("agent init complete, running")
	if interval := subcmd.WatchdogInterval(); interval > 0 {
		g.Go("watchdog", func() error { return watchdog(runCtx, interval) })
	}

	g.Alive.Wait()
	subcmd.SdNotify(daemon.SdNotifyStopping)
	return nil
}

// Agent is wired set of components.
type Agent struct {
	Link      *link.Supervisor
	Session   *session.Session
	Actuator  *actuate.Controller
	Indicator *indicator.Indicator // nil when disabled
	Telemetry *telemetry.Loop
	State     *command.State
}

// Build opens hardware and connects components. Relay is driven OFF.
func Build(g *state.Global) (*Agent, error) {
	c := g.Config
	relay, err := g.Relay()
	if err != nil {
		return nil, errors.Annotate(err, "relay")
	}
	ranger, err := g.Ranger()
	if err != nil {
		return nil, errors.Annotate(err, "ranging sensor")
	}
	led, err := g.Indicator()
	if err != nil {
		return nil, errors.Annotate(err, "indicator")
	}

	a := &Agent{State: new(command.State)}
	linkLog := g.Component("link", c.Link.LogDebug)
	a.Link = link.NewSupervisor(linkLog, link.NewSysfsDriver(linkLog, c.Link), g.Metrics, c.Link)
	a.Session, err = session.New(g.Component("session", c.Broker.LogDebug), g.Metrics, c.Broker, c.Topics, a.Link)
	if err != nil {
		return nil, errors.Annotate(err, "session")
	}
	interp := command.NewInterpreter(g.Component("command", false), g.Metrics, a.State)
	a.Session.SetCommandHandler(interp.Handle)

	a.Actuator = actuate.NewController(g.Component("actuate", false), g.Metrics, relay, a.Session, a.State, c.Topics.Status)
	if err = a.Actuator.Init(); err != nil {
		return nil, errors.Annotate(err, "relay init")
	}
	if led != nil {
		a.Indicator = indicator.New(g.Component("indicator", false), a.Link, led)
	}
	a.Telemetry = telemetry.NewLoop(g.Component("telemetry", false), g.Metrics, c.Telemetry, c.Topics, telemetry.Deps{
		Link:     a.Link,
		Session:  a.Session,
		Ranger:   ranger,
		Env:      g.Env(),
		Actuator: a.Actuator,
		State:    a.State,
	})
	return a, nil
}

// Start runs every loop as Global task. Link supervisor failure stops the agent.
func (a *Agent) Start(ctx context.Context, g *state.Global) {
	g.Go("link", func() error {
		err := a.Link.Run(ctx)
		g.Stop()
		return err
	})
	g.Go("session", func() error { return a.Session.Run(ctx) })
	g.Go("telemetry", func() error { return a.Telemetry.Run(ctx) })
	if a.Indicator != nil {
		g.Go("indicator", func() error { return a.Indicator.Run(ctx) })
	}
	if listen := g.Config.Metrics.Listen; listen != "" {
		g.Go("metrics", func() error { return g.Metrics.Serve(ctx, g.Log.Named("metrics"), listen) })
	}
}

func watchdog(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			subcmd.SdNotify(daemon.SdNotifyWatchdog)
		}
	}
}
