package kducer

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every blocking call once the session has been
	// shut down with Close.
	ErrClosed = errors.New("kducer: session closed")

	// ErrNotConnected is returned by fail-fast calls while the link to the
	// controller is down.
	ErrNotConnected = errors.New("kducer: controller not connected")

	// ErrConnectTimeout marks a connection attempt that did not complete
	// within the configured connect timeout.
	ErrConnectTimeout = errors.New("kducer: connect timeout")

	// ErrDeviceBusy matches a Modbus exception response with code 6. The
	// controller received the request but cannot act on it right now, for
	// example while its configuration menu is open on the front panel.
	ErrDeviceBusy = errors.New("kducer: controller busy")

	// ErrOutOfRange marks a request rejected by client-side validation
	// before any exchange with the controller was attempted.
	ErrOutOfRange = errors.New("kducer: value out of range")

	errPeerClosed = errors.New("connection closed by peer")
)

// TransportError wraps a socket-level failure. The session reacts to it by
// discarding the connection and reconnecting indefinitely; it is never handed
// to a waiting caller unless that caller opted into fail-fast behaviour.
type TransportError struct {
	Op  string // "connect", "send" or "receive"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("kducer: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func newTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// isTransportError reports whether err warrants a session-level reconnect.
func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ProtocolError marks a response frame that does not match the request it
// should echo: wrong transaction id, wrong protocol id, wrong unit id or a
// length field that fits neither the expected reply nor an exception. The
// link itself may still be fine, so the session does not reconnect on it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "kducer: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Modbus exception codes seen from the KDU controller.
const exceptionCodeBusy = 0x06

// DeviceError is a Modbus exception response: the controller rejected or
// could not execute the request.
type DeviceError struct {
	FunctionCode  uint8 // original function code, high bit cleared
	ExceptionCode uint8
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("kducer: controller exception for function %02X: code 0x%02X - %s",
		e.FunctionCode, e.ExceptionCode, exceptionMessage(e.ExceptionCode))
}

// Is lets errors.Is(err, ErrDeviceBusy) single out exception code 6.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceBusy && e.ExceptionCode == exceptionCodeBusy
}

// exceptionMessage returns a human-readable message for a Modbus exception code.
func exceptionMessage(exceptionCode uint8) string {
	switch exceptionCode {
	case 0x01:
		return "Illegal function"
	case 0x02:
		return "Illegal data address"
	case 0x03:
		return "Illegal data value"
	case 0x04:
		return "Slave device failure"
	case 0x05:
		return "Acknowledge"
	case 0x06:
		return "Slave device busy"
	case 0x08:
		return "Memory parity error"
	case 0x0A:
		return "Gateway path unavailable"
	case 0x0B:
		return "Gateway target device failed to respond"
	default:
		return "Unknown exception code"
	}
}
