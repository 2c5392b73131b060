// Package session owns the one MQTT broker session of the node.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/irrigo/helpers"
	"github.com/temoto/irrigo/internal/config"
	"github.com/temoto/irrigo/internal/metrics"
	"github.com/temoto/irrigo/log2"
)

const (
	Qos             = 1
	LivenessPayload = "status=ONLINE"

	defaultNetworkTimeout = 30 * time.Second
	defaultReconnectMax   = 60 * time.Second
	defaultLinkPoll       = 1 * time.Second
)

var ErrNotReady = errors.New("session not ready")

type State uint32

const (
	Init State = iota
	Connecting
	Connected
	Error
	Disconnected
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("session.State(%d)", uint32(s))
}

// Readiness is network link gate, see link.Supervisor.
type Readiness interface {
	Ready() bool
}

type Handler func(topic string, payload []byte)

type Session struct {
	log     *log2.Log
	metrics *metrics.Metrics
	link    Readiness
	topics  config.Topics

	opt       *mqtt.ClientOptions
	newClient func(*mqtt.ClientOptions) mqtt.Client
	m         mqtt.Client

	state     uint32 // State
	lastErrno int64
	onCommand atomic.Value // Handler
	lost      chan error

	backoff        helpers.Backoff
	networkTimeout time.Duration
	linkPoll       time.Duration
}

func New(log *log2.Log, m *metrics.Metrics, c config.Broker, topics config.Topics, link Readiness) (*Session, error) {
	self := &Session{
		log:       log,
		metrics:   m,
		link:      link,
		topics:    topics,
		newClient: mqtt.NewClient,
		lost:      make(chan error, 1),
		linkPoll:  defaultLinkPoll,
	}

	self.networkTimeout = helpers.IntSecondDefault(c.NetworkTimeoutSec, defaultNetworkTimeout)
	if self.networkTimeout < 1*time.Second {
		self.networkTimeout = 1 * time.Second
	}
	keepalive := helpers.IntSecondDefault(c.KeepaliveSec, self.networkTimeout*2)
	self.backoff = helpers.Backoff{
		Min:    1 * time.Second,
		Max:    helpers.IntSecondDefault(c.ReconnectMaxSec, defaultReconnectMax),
		K:      2,
		Jitter: 0.2,
	}

	tlsconf := new(tls.Config)
	if c.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(c.TlsCaFile)
		if err != nil {
			return nil, errors.Annotate(err, "broker.tls_ca_file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("broker.tls_ca_file=%s no certificates", c.TlsCaFile)
		}
	}

	// Reconnect is driven by Run, gated on link readiness.
	self.opt = mqtt.NewClientOptions().
		AddBroker(c.URL).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetClientID(c.ClientID).
		SetUsername(c.Username).
		SetPassword(c.Password).
		SetConnectTimeout(self.networkTimeout).
		SetDefaultPublishHandler(self.onMessage).
		SetKeepAlive(keepalive).
		SetOrderMatters(false).
		SetPingTimeout(self.networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(self.networkTimeout).
		SetOnConnectHandler(self.onConnect).
		SetConnectionLostHandler(self.onConnectionLost)
	return self, nil
}

// SetLibraryLog routes paho package loggers (process global) to log.
func SetLibraryLog(log *log2.Log, debug bool) {
	mqttLog := log.Named("mqtt")
	mqtt.CRITICAL = mqttLog.Printer(log2.LError, "critical: ")
	mqtt.ERROR = mqttLog.Printer(log2.LError, "error: ")
	mqtt.WARN = mqttLog.Printer(log2.LWarn, "warning: ")
	if debug {
		mqtt.DEBUG = mqttLog.Printer(log2.LInfo, "debug: ")
	}
}

// SetCommandHandler must be called before Run.
func (self *Session) SetCommandHandler(h Handler) { self.onCommand.Store(h) }

func (self *Session) State() State     { return State(atomic.LoadUint32(&self.state)) }
func (self *Session) Connected() bool  { return self.State() == Connected }
func (self *Session) LastErrno() int64 { return atomic.LoadInt64(&self.lastErrno) }

func (self *Session) setState(new State) {
	old := State(atomic.SwapUint32(&self.state, uint32(new)))
	if old != new {
		self.log.Debugf("session %s -> %s", old, new)
	}
	self.metrics.SessionConnected(new == Connected)
}

// Run connects while link is ready and reconnects after errors until ctx is done.
func (self *Session) Run(ctx context.Context) error {
	self.m = self.newClient(self.opt)
	defer self.Close()

	for {
		if !self.link.Ready() {
			if !helpers.Sleep(ctx.Done(), self.linkPoll) {
				return ctx.Err()
			}
			continue
		}

		self.setState(Connecting)
		self.log.Debugf("session connect")
		if err := self.connect(); err != nil {
			self.fail(err)
			self.backoff.Failure()
			delay := self.backoff.Delay()
			self.log.Infof("session reconnect in %v", delay)
			if !helpers.Sleep(ctx.Done(), delay) {
				return ctx.Err()
			}
			continue
		}
		self.backoff.Reset()

		select {
		case <-self.lost:
			self.backoff.Failure()
			if !helpers.Sleep(ctx.Done(), self.backoff.Delay()) {
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (self *Session) Close() {
	if self.m != nil && self.m.IsConnectionOpen() {
		self.m.Disconnect(uint(self.networkTimeout / time.Millisecond))
	}
	self.setState(Disconnected)
}

// Publish never queues: while disconnected returns ErrNotReady.
func (self *Session) Publish(topic string, payload string) error {
	if !self.Connected() {
		self.metrics.Publish("not_ready")
		return ErrNotReady
	}
	err := self.tokenWait(self.m.Publish(topic, Qos, false, payload), "publish "+topic)
	if err != nil {
		self.metrics.Publish("error")
		return err
	}
	self.metrics.Publish("ok")
	return nil
}

func (self *Session) Subscribe(topic string) error {
	if !self.Connected() {
		return ErrNotReady
	}
	return self.tokenWait(self.m.Subscribe(topic, Qos, self.onMessage), "subscribe "+topic)
}

func (self *Session) connect() error {
	t := self.m.Connect()
	if !t.WaitTimeout(self.networkTimeout * 2) {
		return errors.Timeoutf("connect")
	}
	return errors.Annotate(t.Error(), "connect")
}

// paho callback, on its own goroutine
func (self *Session) onConnect(mqtt.Client) {
	self.setState(Connected)
	self.log.Infof("session connected")
	if err := self.Subscribe(self.topics.Command); err != nil {
		self.log.Errorf("session subscribe command err=%v", err)
	}
	if err := self.Publish(self.topics.Telemetry, LivenessPayload); err != nil {
		self.log.Errorf("session publish liveness err=%v", err)
	}
}

// paho callback, on its own goroutine
func (self *Session) onConnectionLost(_ mqtt.Client, err error) {
	self.setState(Disconnected)
	class, errno := self.classify(err)
	self.log.Errorf("session connection lost class=%s err=%v", class, err)
	if errno != 0 {
		self.log.Errorf("session last errno=%d (%s)", int(errno), errno.Error())
	}
	select {
	case self.lost <- err:
	default:
	}
}

func (self *Session) fail(err error) {
	self.setState(Error)
	class, errno := self.classify(err)
	self.log.Errorf("session error class=%s err=%v", class, err)
	if errno != 0 {
		self.log.Errorf("session last errno=%d (%s)", int(errno), errno.Error())
	}
}

func (self *Session) classify(err error) (Class, syscall.Errno) {
	class, errno := Classify(err)
	if errno != 0 {
		atomic.StoreInt64(&self.lastErrno, int64(errno))
	}
	self.metrics.SessionError(string(class))
	return class, errno
}

func (self *Session) onMessage(_ mqtt.Client, msg mqtt.Message) {
	defer msg.Ack()
	topic := msg.Topic()
	if topic != self.topics.Command {
		self.log.Errorf("session unexpected message topic=%s payload=%q", topic, msg.Payload())
		return
	}
	if h, ok := self.onCommand.Load().(Handler); ok && h != nil {
		h(topic, msg.Payload())
	}
}

func (self *Session) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.networkTimeout) {
		return errors.Timeoutf("%s", tag)
	}
	if err := t.Error(); err != nil {
		return errors.Annotate(err, tag)
	}
	return nil
}
