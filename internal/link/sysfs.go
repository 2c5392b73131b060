package link

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/log2"
)

const (
	DefaultSysfsRoot      = "/sys/class/net"
	DefaultPoll           = 1 * time.Second
	connectCommandTimeout = 10 * time.Second
)

// SysfsDriver watches Linux interface operstate and IPv4 address.
// Link bring-up itself is done by the system network manager,
// Connect only nudges it with configured command.
type SysfsDriver struct {
	Log     *log2.Log
	Iface   string
	Command []string
	Poll    time.Duration
	Root    string
	// HasAddr reports whether interface has IPv4 address.
	HasAddr func(iface string) (bool, error)
}

func NewSysfsDriver(log *log2.Log, c config.Link) *SysfsDriver {
	return &SysfsDriver{
		Log:     log,
		Iface:   c.Interface,
		Command: c.ConnectCommand,
		Poll:    helpers.IntMillisecondDefault(c.PollMs, DefaultPoll),
		Root:    DefaultSysfsRoot,
		HasAddr: interfaceHasIPv4,
	}
}

func (self *SysfsDriver) Connect(ctx context.Context) error {
	if len(self.Command) == 0 {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, connectCommandTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, self.Command[0], self.Command[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Annotatef(err, "link connect command=%q output=%s", self.Command, bytes.TrimSpace(out))
	}
	self.Log.Debugf("link connect command=%q output=%s", self.Command, bytes.TrimSpace(out))
	return nil
}

func (self *SysfsDriver) Watch(ctx context.Context, fn func(Event)) error {
	if self.Iface == "" {
		return errors.NotValidf("link.interface empty")
	}
	tick := time.NewTicker(self.Poll)
	defer tick.Stop()
	last := false
	for {
		up, err := self.up()
		if err != nil {
			self.Log.Debugf("link iface=%s err=%v", self.Iface, err)
			up = false
		}
		if up != last {
			last = up
			if up {
				fn(EventConnected)
			} else {
				fn(EventLost)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (self *SysfsDriver) up() (bool, error) {
	b, err := ioutil.ReadFile(filepath.Join(self.Root, self.Iface, "operstate"))
	if err != nil {
		return false, errors.Annotate(err, "operstate")
	}
	if strings.TrimSpace(string(b)) != "up" {
		return false, nil
	}
	return self.HasAddr(self.Iface)
}

func interfaceHasIPv4(name string) (bool, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, errors.Annotatef(err, "interface=%s", name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false, errors.Annotatef(err, "interface=%s addrs", name)
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return true, nil
		}
	}
	return false, nil
}
