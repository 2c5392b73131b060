package session

import (
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MqttMock struct {
	sync.Mutex
	Opt        *mqtt.ClientOptions
	ConnectErr error
	PublishErr error
	connects   int
	open       bool
	pubs       []MockMsg
	subs       []MockSub
}
type MockSub struct {
	Pattern string
	Qos     byte
	Handler mqtt.MessageHandler
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		pubs: make([]MockMsg, 0, 16),
		subs: make([]MockSub, 0, 16),
	}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

// TestPublish delivers inbound message to matching subscription.
func (self *MqttMock) TestPublish(t testing.TB, topic string, payload []byte) {
	self.Lock()
	subs := append([]MockSub(nil), self.subs...)
	self.Unlock()
	for _, sub := range subs {
		if topic == sub.Pattern {
			msg := MockMsg{T: topic, P: payload}
			if sub.Qos > 0 {
				msg.acked = make(chan struct{})
			}
			sub.Handler(self, msg)
			if sub.Qos > 0 {
				select {
				case <-msg.acked:
				default:
					t.Errorf("message='%s' handled without Ack()", string(payload))
				}
			}
			return
		}
	}
	t.Errorf("not subscribed for topic=%s", topic)
}

// TestLose simulates broker connection loss.
func (self *MqttMock) TestLose(err error) {
	self.Lock()
	self.open = false
	self.Unlock()
	self.Opt.OnConnectionLost(self, err)
}

func (self *MqttMock) Connects() int {
	self.Lock()
	defer self.Unlock()
	return self.connects
}

func (self *MqttMock) Published() []MockMsg {
	self.Lock()
	defer self.Unlock()
	return append([]MockMsg(nil), self.pubs...)
}

func (self *MqttMock) Subscribed() []MockSub {
	self.Lock()
	defer self.Unlock()
	return append([]MockSub(nil), self.subs...)
}

func (self *MqttMock) Disconnect(uint) {
	self.Lock()
	self.open = false
	self.Unlock()
}
func (self *MqttMock) IsConnected() bool { return self.IsConnectionOpen() }
func (self *MqttMock) IsConnectionOpen() bool {
	self.Lock()
	defer self.Unlock()
	return self.open
}

func (self *MqttMock) Connect() mqtt.Token {
	self.Lock()
	self.connects++
	err := self.ConnectErr
	self.open = err == nil
	self.Unlock()
	if err == nil && self.Opt.OnConnect != nil {
		self.Opt.OnConnect(self)
	}
	return mockToken{err}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	if self.PublishErr != nil {
		return mockToken{self.PublishErr}
	}
	var p []byte
	switch x := payload.(type) {
	case string:
		p = []byte(x)
	case []byte:
		p = x
	}
	self.pubs = append(self.pubs, MockMsg{T: topic, P: p, Q: qos})
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(pattern string, qos byte, handler mqtt.MessageHandler) mqtt.Token {
	self.Lock()
	defer self.Unlock()
	self.subs = append(self.subs, MockSub{pattern, qos, handler})
	return mockToken{nil}
}

func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }

func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}

func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

var closedChan = func() chan struct{} { ch := make(chan struct{}); close(ch); return ch }()

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }
func (tok mockToken) Done() <-chan struct{}          { return closedChan }

type MockMsg struct {
	T     string
	P     []byte
	Q     byte
	acked chan struct{}
}

func (msg MockMsg) Ack() {
	if msg.acked != nil {
		close(msg.acked)
	}
}

func (msg MockMsg) Duplicate() bool   { return false }
func (msg MockMsg) MessageID() uint16 { return 0 }
func (msg MockMsg) Payload() []byte   { return msg.P }
func (msg MockMsg) Qos() byte         { return msg.Q }
func (msg MockMsg) Retained() bool    { return false }
func (msg MockMsg) Topic() string     { return msg.T }
