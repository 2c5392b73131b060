package state

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
)

type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *config.Config
	Hardware     hardware // hardware.go
	Log          *log2.Log
	Metrics      *metrics.Metrics

	_copy_guard sync.Mutex //nolint:unused
}

const ContextKey = "run/state-global"

func NewContext(log *log2.Log) (context.Context, *Global) {
	if log == nil {
		panic("code error NewContext() log=nil")
	}

	g := &Global{
		Alive:   alive.NewAlive(),
		Log:     log,
		Metrics: metrics.New(),
	}
	ctx := context.Background()
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx, g
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// If `Init` fails, consider `Global` is in broken state.
func (g *Global) Init(ctx context.Context, cfg *config.Config) error {
	g.Config = cfg
	if g.Config.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}

	g.Log.Infof("build version=%s", g.BuildVersion)
	if g.BuildVersion == "unknown" {
		g.Log.Errorf("build version is not set, link with -X main.BuildVersion")
	}
	return g.Config.Validate()
}

func (g *Global) MustInit(ctx context.Context, cfg *config.Config) {
	err := g.Init(ctx, cfg)
	if err != nil {
		g.Fatal(err)
	}
}

// Component returns named logger, debug switch is per config section.
func (g *Global) Component(name string, debug bool) *log2.Log {
	log := g.Log.Named(name)
	if debug {
		log.SetLevel(log2.LDebug)
	}
	return log
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

// Go runs f as tracked task, error is logged.
// Returns false when Global is already stopping.
func (g *Global) Go(name string, f func() error) bool {
	return helpers.AliveGo(g.Alive, func() {
		if err := f(); err != nil && errors.Cause(err) != context.Canceled {
			g.Error(err, "%s", name)
		}
	})
}

// RunContext is cancelled on Stop().
func (g *Global) RunContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		<-g.Alive.StopChan()
		cancel()
	}()
	return ctx
}

// StopOnSignal stops Global on SIGINT or SIGTERM.
func (g *Global) StopOnSignal() {
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigch:
			g.Log.Infof("signal=%v stopping", sig)
			g.Stop()
		case <-g.Alive.StopChan():
		}
		signal.Stop(sigch)
	}()
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}
