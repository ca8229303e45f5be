// Package provider describes the telephony SDK the dialer drives: a device
// that registers with the vendor, and connections that represent one call.
// The vendor's signaling protocol stays behind these interfaces.
package provider

import (
	"context"
	"fmt"
)

// EventType names an event emitted by a device or one of its connections.
type EventType string

const (
	// Device events.
	EventRegistered      EventType = "registered"
	EventDeviceError     EventType = "error"
	EventIncoming        EventType = "incoming"
	EventTokenWillExpire EventType = "tokenWillExpire"

	// Connection events.
	EventRinging    EventType = "ringing"
	EventAccept     EventType = "accept"
	EventDisconnect EventType = "disconnect"
	EventCancel     EventType = "cancel"
	EventCallError  EventType = "callError"
)

// IsConnectionEvent reports whether t belongs to a single call.
func (t EventType) IsConnectionEvent() bool {
	switch t {
	case EventRinging, EventAccept, EventDisconnect, EventCancel, EventCallError, EventIncoming:
		return true
	}
	return false
}

// Error is a vendor error. Code is 0 when the vendor gave none; the code
// may also only appear inside Message.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != 0 && e.Message == "" {
		return fmt.Sprintf("provider error %d", e.Code)
	}
	return e.Message
}

// Event is one notification from the provider.
type Event struct {
	Type EventType
	// Conn is set for connection events.
	Conn Connection
	// Err is set for EventDeviceError and EventCallError.
	Err *Error
}

// Connection is the live handle for one call.
type Connection interface {
	ID() string
	// Accept answers an incoming connection.
	Accept()
	// Disconnect hangs up. The provider reports the outcome as an event.
	Disconnect()
}

// ConnectParams describes an outbound call.
type ConnectParams struct {
	To string
}

// Device is a registered endpoint with the telephony vendor.
type Device interface {
	Register(ctx context.Context) error
	UpdateToken(token string) error
	Connect(ctx context.Context, params ConnectParams) (Connection, error)
	// Events delivers device and connection events. It is closed by Destroy.
	Events() <-chan Event
	Destroy()
}

// Factory builds a device from a voice credential.
type Factory func(token string) (Device, error)
