// Package sim is an in-process telephony device. It stands in for the
// vendor SDK in tests and in the CLI, either driven by hand or by a
// call script.
package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sweeney/dialmate/internal/provider"
)

var ErrDestroyed = errors.New("sim: device destroyed")

// Options configures simulated devices.
type Options struct {
	// Script is played against every outbound connection. Nil means the
	// connection only reacts to manual events.
	Script Script
	// RegisterErr, when set, makes Register fail.
	RegisterErr *provider.Error
	// ConnectErr, when set, makes Connect fail.
	ConnectErr error
	// ExpiryWarning is how long before the token's exp claim the device
	// emits tokenWillExpire. Defaults to 30s.
	ExpiryWarning time.Duration
}

// Device is a simulated provider.Device.
type Device struct {
	opts Options

	mu         sync.Mutex
	token      string
	tokens     []string
	events     chan provider.Event
	destroyed  bool
	registered bool
	connects   []provider.ConnectParams
	conns      []*Conn
	expiry     *time.Timer
}

// NewDevice creates a device holding token.
func NewDevice(token string, opts Options) *Device {
	if opts.ExpiryWarning <= 0 {
		opts.ExpiryWarning = 30 * time.Second
	}
	return &Device{
		opts:   opts,
		token:  token,
		tokens: []string{token},
		events: make(chan provider.Event, 64),
	}
}

// Factory returns a provider.Factory producing simulated devices. Each
// created device is also passed to onCreate when it is non-nil.
func Factory(opts Options, onCreate func(*Device)) provider.Factory {
	return func(token string) (provider.Device, error) {
		d := NewDevice(token, opts)
		if onCreate != nil {
			onCreate(d)
		}
		return d, nil
	}
}

func (d *Device) Register(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	if d.opts.RegisterErr != nil {
		d.mu.Unlock()
		d.Emit(provider.Event{Type: provider.EventDeviceError, Err: d.opts.RegisterErr})
		return d.opts.RegisterErr
	}
	d.registered = true
	d.scheduleExpiryLocked()
	d.mu.Unlock()

	d.Emit(provider.Event{Type: provider.EventRegistered})
	return nil
}

func (d *Device) UpdateToken(token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return ErrDestroyed
	}
	d.token = token
	d.tokens = append(d.tokens, token)
	d.scheduleExpiryLocked()
	return nil
}

func (d *Device) Connect(ctx context.Context, params provider.ConnectParams) (provider.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil, ErrDestroyed
	}
	d.connects = append(d.connects, params)
	if d.opts.ConnectErr != nil {
		d.mu.Unlock()
		return nil, d.opts.ConnectErr
	}
	c := d.newConnLocked()
	d.mu.Unlock()

	if len(d.opts.Script) > 0 {
		go c.play(d.opts.Script)
	}
	return c, nil
}

func (d *Device) Events() <-chan provider.Event { return d.events }

// Destroy releases the device. Safe to call more than once.
func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.destroyed = true
	if d.expiry != nil {
		d.expiry.Stop()
	}
	for _, c := range d.conns {
		c.stopScript()
	}
	close(d.events)
}

// Emit delivers ev unless the device is destroyed.
func (d *Device) Emit(ev provider.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return
	}
	d.events <- ev
}

// Incoming simulates an inbound call and returns its connection.
func (d *Device) Incoming() *Conn {
	d.mu.Lock()
	c := d.newConnLocked()
	d.mu.Unlock()
	d.Emit(provider.Event{Type: provider.EventIncoming, Conn: c})
	return c
}

// ExpireToken emits tokenWillExpire immediately.
func (d *Device) ExpireToken() {
	d.Emit(provider.Event{Type: provider.EventTokenWillExpire})
}

// Registered reports whether Register succeeded.
func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

// Destroyed reports whether Destroy was called.
func (d *Device) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

// Tokens returns every token the device has held, oldest first.
func (d *Device) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Connects returns the parameters of every Connect call.
func (d *Device) Connects() []provider.ConnectParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]provider.ConnectParams(nil), d.connects...)
}

// LastConn returns the most recently created connection, or nil.
func (d *Device) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Device) newConnLocked() *Conn {
	c := &Conn{id: "CA" + uuid.NewString(), dev: d, stop: make(chan struct{})}
	d.conns = append(d.conns, c)
	return c
}

func (d *Device) scheduleExpiryLocked() {
	if d.expiry != nil {
		d.expiry.Stop()
		d.expiry = nil
	}
	exp, ok := tokenExpiry(d.token)
	if !ok {
		return
	}
	wait := time.Until(exp) - d.opts.ExpiryWarning
	if wait < 0 {
		wait = 0
	}
	d.expiry = time.AfterFunc(wait, d.ExpireToken)
}

// tokenExpiry reads the exp claim without verifying the signature; the
// device is not the token's audience.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Conn is a simulated provider.Connection.
type Conn struct {
	id  string
	dev *Device

	mu       sync.Mutex
	accepted bool
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Accept() {
	c.mu.Lock()
	if c.accepted || c.closed {
		c.mu.Unlock()
		return
	}
	c.accepted = true
	c.mu.Unlock()
	c.dev.Emit(provider.Event{Type: provider.EventAccept, Conn: c})
}

// Disconnect hangs up locally; the device reports it as a disconnect event.
func (c *Conn) Disconnect() {
	if !c.close() {
		return
	}
	c.dev.Emit(provider.Event{Type: provider.EventDisconnect, Conn: c})
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Ring emits a ringing event.
func (c *Conn) Ring() { c.dev.Emit(provider.Event{Type: provider.EventRinging, Conn: c}) }

// Answer emits an accept event as if the far end picked up.
func (c *Conn) Answer() {
	c.mu.Lock()
	c.accepted = true
	c.mu.Unlock()
	c.dev.Emit(provider.Event{Type: provider.EventAccept, Conn: c})
}

// RemoteHangup ends the call from the far end.
func (c *Conn) RemoteHangup() {
	if c.close() {
		c.dev.Emit(provider.Event{Type: provider.EventDisconnect, Conn: c})
	}
}

// Cancel emits a cancel event.
func (c *Conn) Cancel() {
	if c.close() {
		c.dev.Emit(provider.Event{Type: provider.EventCancel, Conn: c})
	}
}

// Fail emits a call error. It does not close the connection; vendors may
// follow an error with a disconnect.
func (c *Conn) Fail(code int, message string) {
	c.dev.Emit(provider.Event{Type: provider.EventCallError, Conn: c, Err: &provider.Error{Code: code, Message: message}})
}

func (c *Conn) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.stopScript()
	return true
}

func (c *Conn) stopScript() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Conn) play(s Script) {
	for _, step := range s {
		select {
		case <-c.stop:
			return
		case <-time.After(step.After):
		}
		switch step.Event {
		case provider.EventRinging:
			c.Ring()
		case provider.EventAccept:
			c.Answer()
		case provider.EventDisconnect:
			c.RemoteHangup()
			return
		case provider.EventCancel:
			c.Cancel()
			return
		case provider.EventCallError:
			c.Fail(step.Code, step.Message)
		}
	}
}
