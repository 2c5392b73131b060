package session

import (
	"io"
	"net"
	"syscall"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
)

type Class string

const (
	ClassTransport Class = "transport"
	ClassProtocol  Class = "protocol"
	ClassOther     Class = "other"
)

var protocolErrors = []error{
	packets.ErrorRefusedBadProtocolVersion,
	packets.ErrorRefusedIDRejected,
	packets.ErrorRefusedServerUnavailable,
	packets.ErrorRefusedBadUsernameOrPassword,
	packets.ErrorRefusedNotAuthorised,
	packets.ErrorProtocolViolation,
}

// Classify tells transport layer failures (socket, TLS, timeouts) from
// MQTT protocol refusals. errno is non-zero when a system error code is
// found in the chain.
func Classify(err error) (class Class, errno syscall.Errno) {
	if err == nil {
		return ClassOther, 0
	}
	if errors.As(err, &errno) {
		return ClassTransport, errno
	}
	for _, e := range protocolErrors {
		if errors.Is(err, e) {
			return ClassProtocol, 0
		}
	}
	var netErr net.Error
	switch {
	case errors.Is(err, packets.ErrorNetworkError),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.IsTimeout(err),
		errors.As(err, &netErr):
		return ClassTransport, 0
	}
	return ClassOther, 0
}
