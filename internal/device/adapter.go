// Package device owns the lifetime of the telephony device: it fetches a
// voice credential, registers the device, keeps the credential fresh and
// tears everything down. All device and connection events reach the
// consumer through a single Events channel.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/provider"
)

var (
	ErrInitInFlight = errors.New("device: initialization already in progress")
	ErrNotReady     = errors.New("device: not ready")
	ErrTornDown     = errors.New("device: torn down")
	ErrCallActive   = errors.New("device: a call is already active")
)

// ErrRefreshFailed wraps credential refresh failures.
var ErrRefreshFailed = errors.New("device: token refresh failed")

// VoiceTokener fetches short-lived voice credentials.
type VoiceTokener interface {
	VoiceToken(ctx context.Context) (string, error)
}

// EventType identifies an adapter event.
type EventType string

const (
	EventReady             EventType = "ready"
	EventDeviceError       EventType = "device_error"
	EventTokenExpiringSoon EventType = "token_expiring_soon"
	// EventCall carries a connection event for the active call.
	EventCall EventType = "call"
)

// Event is emitted on the adapter's Events channel.
type Event struct {
	Type EventType
	// Err is set for EventDeviceError.
	Err error
	// Fatal means the device is no longer usable until Initialize
	// succeeds again.
	Fatal bool
	// Setup marks an error raised while initializing.
	Setup bool
	// Call is set for EventCall.
	Call provider.Event
}

type phase int

const (
	phaseIdle phase = iota
	phaseInitializing
	phaseReady
	phaseFailed
	phaseTornDown
)

// Adapter manages one device. Its methods are safe for concurrent use.
type Adapter struct {
	tokens         VoiceTokener
	factory        provider.Factory
	log            *slog.Logger
	refreshTimeout time.Duration

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	phase  phase
	dev    provider.Device
	active provider.Connection
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.log = l } }

// WithRefreshTimeout bounds each credential refresh. Defaults to 15s.
func WithRefreshTimeout(d time.Duration) Option { return func(a *Adapter) { a.refreshTimeout = d } }

func New(tokens VoiceTokener, factory provider.Factory, opts ...Option) *Adapter {
	a := &Adapter{
		tokens:         tokens,
		factory:        factory,
		refreshTimeout: 15 * time.Second,
		events:         make(chan Event, 64),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = logger.OrDefault(a.log).With("component", "device")
	return a
}

// Events delivers adapter events. It is never closed; select on Done to
// notice teardown.
func (a *Adapter) Events() <-chan Event { return a.events }

// Done is closed by Teardown.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Ready reports whether calls can be placed.
func (a *Adapter) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase == phaseReady
}

// Initialize fetches a credential and registers a device. Only one attempt
// runs at a time. The result is also reported as EventReady or a setup
// EventDeviceError. Calling it on a ready adapter is a no-op; calling it
// after a failure retries from scratch.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	switch a.phase {
	case phaseTornDown:
		a.mu.Unlock()
		return ErrTornDown
	case phaseInitializing:
		a.mu.Unlock()
		return ErrInitInFlight
	case phaseReady:
		a.mu.Unlock()
		return nil
	}
	a.phase = phaseInitializing
	stale := a.dev
	a.dev = nil
	a.mu.Unlock()

	if stale != nil {
		stale.Destroy()
	}

	err := a.setup(ctx)
	if err != nil {
		a.mu.Lock()
		if a.phase == phaseInitializing {
			a.phase = phaseFailed
		}
		a.mu.Unlock()
		if !errors.Is(err, ErrTornDown) {
			a.log.Error("device setup failed", "error", err)
			a.emit(Event{Type: EventDeviceError, Err: err, Fatal: true, Setup: true})
		}
		return err
	}

	a.log.Info("device ready")
	a.emit(Event{Type: EventReady})
	return nil
}

func (a *Adapter) setup(ctx context.Context) error {
	tok, err := a.tokens.VoiceToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch voice token: %w", err)
	}
	dev, err := a.factory(tok)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}

	a.mu.Lock()
	if a.phase == phaseTornDown {
		a.mu.Unlock()
		dev.Destroy()
		return ErrTornDown
	}
	a.dev = dev
	a.wg.Add(1)
	a.mu.Unlock()

	go a.pump(dev)

	if err := dev.Register(ctx); err != nil {
		return fmt.Errorf("register device: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase == phaseTornDown {
		return ErrTornDown
	}
	a.phase = phaseReady
	return nil
}

// Connect places an outbound call and makes it the active connection.
func (a *Adapter) Connect(ctx context.Context, to string) (provider.Connection, error) {
	// The lock is held across dev.Connect so the pump cannot route an
	// event for the new connection before it is recorded as active.
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.phase == phaseTornDown:
		return nil, ErrTornDown
	case a.phase != phaseReady:
		return nil, ErrNotReady
	case a.active != nil:
		return nil, ErrCallActive
	}
	conn, err := a.dev.Connect(ctx, provider.ConnectParams{To: to})
	if err != nil {
		return nil, err
	}
	a.active = conn
	a.log.Info("call connecting", "conn_id", conn.ID())
	return conn, nil
}

// Release ends the adapter's interest in conn. Events for it are no longer
// forwarded and the connection is disconnected if still open.
func (a *Adapter) Release(conn provider.Connection) {
	if conn == nil {
		return
	}
	a.mu.Lock()
	if a.active != nil && a.active.ID() == conn.ID() {
		a.active = nil
	}
	a.mu.Unlock()
	conn.Disconnect()
}

// Teardown releases the device. It is safe to call more than once and
// before Initialize.
func (a *Adapter) Teardown() {
	a.mu.Lock()
	if a.phase == phaseTornDown {
		a.mu.Unlock()
		return
	}
	a.phase = phaseTornDown
	dev, active := a.dev, a.active
	a.dev, a.active = nil, nil
	close(a.done)
	a.mu.Unlock()

	if active != nil {
		active.Disconnect()
	}
	if dev != nil {
		dev.Destroy()
	}
	a.wg.Wait()
	a.log.Info("device torn down")
}

func (a *Adapter) pump(dev provider.Device) {
	defer a.wg.Done()
	for ev := range dev.Events() {
		switch ev.Type {
		case provider.EventRegistered:
			a.log.Debug("device registered")
		case provider.EventDeviceError:
			var err error = errors.New("device error")
			if ev.Err != nil {
				err = ev.Err
			}
			a.mu.Lock()
			ready := a.phase == phaseReady
			a.mu.Unlock()
			if !ready {
				// Setup failures are reported by Initialize.
				a.log.Debug("device error while not ready", "error", err)
				continue
			}
			a.log.Warn("device error", "error", err)
			a.emit(Event{Type: EventDeviceError, Err: err})
		case provider.EventTokenWillExpire:
			a.emit(Event{Type: EventTokenExpiringSoon})
			a.mu.Lock()
			if a.phase == phaseTornDown {
				a.mu.Unlock()
				continue
			}
			a.wg.Add(1)
			a.mu.Unlock()
			go a.refresh(dev)
		case provider.EventIncoming:
			a.incoming(ev)
		default:
			if ev.Type.IsConnectionEvent() {
				a.forward(ev)
			}
		}
	}
}

func (a *Adapter) incoming(ev provider.Event) {
	if ev.Conn == nil {
		return
	}
	a.mu.Lock()
	if a.phase != phaseReady || a.active != nil {
		a.mu.Unlock()
		a.log.Info("rejecting incoming call", "conn_id", ev.Conn.ID())
		ev.Conn.Disconnect()
		return
	}
	a.active = ev.Conn
	a.mu.Unlock()
	a.emit(Event{Type: EventCall, Call: ev})
}

func (a *Adapter) forward(ev provider.Event) {
	a.mu.Lock()
	ok := a.active != nil && ev.Conn != nil && ev.Conn.ID() == a.active.ID()
	a.mu.Unlock()
	if !ok {
		a.log.Debug("dropping event for inactive connection", "event", string(ev.Type))
		return
	}
	a.emit(Event{Type: EventCall, Call: ev})
}

// refresh replaces the device credential in place; an active call keeps
// running on the old one.
func (a *Adapter) refresh(dev provider.Device) {
	defer a.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), a.refreshTimeout)
	defer cancel()
	go func() {
		select {
		case <-a.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	tok, err := a.tokens.VoiceToken(ctx)
	if err == nil {
		err = dev.UpdateToken(tok)
	}
	if err == nil {
		a.log.Info("voice token refreshed")
		return
	}

	select {
	case <-a.done:
		return
	default:
	}
	fatal := errors.Is(err, backend.ErrUnauthorized)
	if fatal {
		a.mu.Lock()
		if a.phase == phaseReady {
			a.phase = phaseFailed
		}
		a.mu.Unlock()
	}
	a.log.Warn("voice token refresh failed", "error", err, "fatal", fatal)
	a.emit(Event{Type: EventDeviceError, Err: fmt.Errorf("%w: %w", ErrRefreshFailed, err), Fatal: fatal})
}

func (a *Adapter) emit(ev Event) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}
