// Package session is the call session state machine. It consumes device
// events and user commands, drives the call through its states, reports
// statuses to the call log and schedules the post-call cleanup.
//
// All state is owned by the goroutine running Run. Commands, device events,
// timer callbacks and completions of asynchronous work are serialized onto
// that goroutine, so every transition is atomic with respect to the others.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/calllog"
	"github.com/sweeney/dialmate/internal/device"
	"github.com/sweeney/dialmate/internal/dialnum"
	"github.com/sweeney/dialmate/internal/history"
	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/metrics"
	"github.com/sweeney/dialmate/internal/provider"
)

// Device is the telephony device the machine drives.
type Device interface {
	Initialize(ctx context.Context) error
	Events() <-chan device.Event
	Connect(ctx context.Context, to string) (provider.Connection, error)
	Release(conn provider.Connection)
}

// Microphone grants or refuses audio capture for one call attempt.
type Microphone interface {
	Request(ctx context.Context) error
}

// HistorySource fetches the server's call history.
type HistorySource interface {
	CallHistory(ctx context.Context) ([]backend.HistoryRecord, error)
}

// HistoryCache receives the server's history on refresh.
type HistoryCache interface {
	Replace(entries []history.Entry)
}

// Config holds the dialing policy and cleanup delays.
type Config struct {
	Policy dialnum.Policy
	// ClearDelay is the wait after a terminal transition before the
	// number and error are cleared and history is refreshed.
	ClearDelay time.Duration
	// IdleDelay is the further wait before returning to idle.
	IdleDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:     dialnum.DefaultPolicy(),
		ClearDelay: time.Second,
		IdleDelay:  500 * time.Millisecond,
	}
}

// Deps are the machine's collaborators. History and Cache are optional.
type Deps struct {
	Device     Device
	Microphone Microphone
	Reporter   Reporter
	History    HistorySource
	Cache      HistoryCache
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c Clock) Option { return func(m *Machine) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.log = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

// WithObserver registers f to receive every state change. Observers run on
// the machine's goroutine and must not block for long.
func WithObserver(f func(StateChange)) Option {
	return func(m *Machine) { m.observers = append(m.observers, f) }
}

// session is the live call session. Only the loop goroutine touches it.
type session struct {
	number    string
	dialed    string
	state     CallState
	status    string
	errText   string
	startedAt time.Time
	duration  int
	conn      provider.Connection

	backendCallID  backend.CallID
	terminalLogged bool
	// terminalSent is set by the terminal transition itself, before the
	// report is queued, so a second terminal event can never be logged.
	terminalSent bool

	answered        bool
	hangupRequested bool
	incoming        bool
	rang            bool
}

// Machine runs one call session at a time.
type Machine struct {
	cfg       Config
	deps      Deps
	clock     Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	observers []func(StateChange)

	queue   chan func()
	stopped chan struct{}
	running atomic.Bool
	ctx     context.Context
	lane    *lane

	// Loop-owned.
	s            session
	gen          uint64
	rec          *calllog.Record
	ready        bool
	loading      bool
	micPending   bool
	connecting   bool
	deviceStatus string
	deviceErr    string
	ticker       Timer
	tickGen      uint64
	cleanup      Timer
	cleanupGen   uint64
	refreshes    int

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a machine. Zero fields of cfg take their defaults.
func New(cfg Config, deps Deps, opts ...Option) *Machine {
	def := DefaultConfig()
	if cfg.Policy == (dialnum.Policy{}) {
		cfg.Policy = def.Policy
	}
	if cfg.ClearDelay <= 0 {
		cfg.ClearDelay = def.ClearDelay
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}

	m := &Machine{
		cfg:     cfg,
		deps:    deps,
		clock:   RealClock(),
		queue:   make(chan func(), 64),
		stopped: make(chan struct{}),
		ctx:     context.Background(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logger.OrDefault(m.log).With("component", "session")
	m.lane = newLane(deps.Reporter, func(d reportDone) {
		m.post(func() { m.onReported(d) })
	})
	m.s = session{state: StateIdle, status: MsgSettingUp}
	m.publish()
	return m
}

// Run processes events until ctx is cancelled. It starts device setup and
// loads the call history first. Run may be called once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	m.ctx = ctx
	defer m.shutdown()

	m.startDevice()
	m.refreshHistory()
	m.publish()

	events := m.deps.Device.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.queue:
			fn()
		case ev := <-events:
			m.handleDevice(ev)
		}
	}
}

func (m *Machine) shutdown() {
	m.stopTicker()
	m.cancelCleanup()
	close(m.stopped)
	m.lane.close()
}

// Snapshot returns the current session.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Press appends one keypad key to the dialed number.
func (m *Machine) Press(key string) error {
	return m.call(func() error {
		if !m.inputAllowed() {
			return ErrInputRejected
		}
		next, err := dialnum.AppendKey(m.s.number, key, m.cfg.Policy)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInputRejected, err)
		}
		m.s.number = next
		m.publish()
		return nil
	})
}

// Backspace removes the last key of the dialed number.
func (m *Machine) Backspace() error {
	return m.call(func() error {
		if !m.inputAllowed() {
			return ErrInputRejected
		}
		m.s.number = dialnum.Backspace(m.s.number)
		m.publish()
		return nil
	})
}

// SetNumber replaces the dialed number, e.g. with a contact's number.
func (m *Machine) SetNumber(raw string) error {
	return m.call(func() error {
		if !m.inputAllowed() {
			return ErrInputRejected
		}
		n, err := dialnum.Accept(raw, m.cfg.Policy)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInputRejected, err)
		}
		m.s.number = n
		m.publish()
		return nil
	})
}

// Dial starts a call to the dialed number. It returns once the attempt is
// under way; progress is reported through Snapshot and observers.
func (m *Machine) Dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.call(m.dial)
}

// Hangup ends the active call. With a provider connection the transition
// happens when the provider reports the disconnect.
func (m *Machine) Hangup() error {
	return m.call(m.hangup)
}

// Answer accepts an incoming call.
func (m *Machine) Answer() error {
	return m.call(func() error {
		if m.s.state != StateDialing || !m.s.incoming || m.s.conn == nil {
			return ErrNoActiveCall
		}
		m.s.conn.Accept()
		return nil
	})
}

// InitDevice retries device setup after a failure.
func (m *Machine) InitDevice() error {
	return m.call(func() error {
		if m.ready {
			return nil
		}
		if m.loading {
			return ErrBusy
		}
		m.startDevice()
		m.publish()
		return nil
	})
}

// post queues fn on the loop without waiting.
func (m *Machine) post(fn func()) {
	select {
	case m.queue <- fn:
	case <-m.stopped:
	}
}

// call runs fn on the loop and returns its error.
func (m *Machine) call(fn func() error) error {
	var err error
	done := make(chan struct{})
	select {
	case m.queue <- func() { defer close(done); err = fn() }:
	case <-m.stopped:
		return ErrStopped
	}
	select {
	case <-done:
		return err
	case <-m.stopped:
		return ErrStopped
	}
}

func (m *Machine) busy() bool {
	return m.loading || m.micPending || m.connecting
}

func (m *Machine) inputAllowed() bool {
	return m.s.state.AcceptsInput() && !m.busy()
}

func (m *Machine) dial() error {
	switch {
	case m.s.state != StateIdle || m.busy():
		return ErrBusy
	case !m.ready:
		return ErrDeviceNotReady
	}
	to, err := dialnum.Normalize(m.s.number, m.cfg.Policy)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidNumber, m.s.number)
	}

	m.micPending = true
	m.publish()
	ctx := m.ctx
	go func() {
		var err error
		if m.deps.Microphone != nil {
			err = m.deps.Microphone.Request(ctx)
		}
		m.post(func() { m.onMicrophone(to, err) })
	}()
	return nil
}

func (m *Machine) onMicrophone(to string, err error) {
	m.micPending = false
	if m.s.state != StateIdle {
		m.publish()
		return
	}
	if err != nil {
		m.log.Warn("microphone access denied", "error", err)
		m.s.errText = MsgMicRequired
		m.scheduleCleanup()
		m.setState(StateError, MsgMicDenied)
		return
	}

	m.beginCall(to)
	m.connecting = true
	gen, ctx := m.gen, m.ctx
	go func() {
		conn, err := m.deps.Device.Connect(ctx, to)
		m.post(func() { m.onConnect(gen, conn, err) })
	}()
	m.log.Info("dialing", "number", to)
	m.setState(StateRinging, MsgRinging)
}

// beginCall resets the session for a new call.
func (m *Machine) beginCall(to string) {
	m.cancelCleanup()
	m.gen++
	m.s = session{
		number:    m.s.number,
		dialed:    to,
		state:     m.s.state,
		status:    m.s.status,
		startedAt: m.clock.Now(),
	}
	m.rec = &calllog.Record{Number: to}
	m.startTicker()
	m.metrics.SetActive(true)
}

func (m *Machine) onConnect(gen uint64, conn provider.Connection, err error) {
	if gen != m.gen {
		if conn != nil {
			m.deps.Device.Release(conn)
		}
		return
	}
	m.connecting = false

	if err != nil {
		if !m.s.state.Active() {
			m.publish()
			return
		}
		m.log.Warn("call failed to start", "error", err)
		m.metrics.ProviderError(codeLabel(err))
		m.s.errText = "Call failed: " + Describe(err, "Call failed")
		m.finish(StateError, MsgFailed, calllog.StatusFailed, ErrorCode(err))
		return
	}
	if !m.s.state.Active() {
		// Hung up before the connection existed.
		m.deps.Device.Release(conn)
		m.publish()
		return
	}
	if m.s.conn == nil {
		m.s.conn = conn
	}
	if m.s.hangupRequested {
		m.s.conn.Disconnect()
	}
	m.publish()
}

func (m *Machine) hangup() error {
	if !m.s.state.Active() {
		return ErrNoActiveCall
	}
	m.s.hangupRequested = true
	if m.s.conn != nil {
		m.s.conn.Disconnect()
		m.publish()
		return nil
	}
	m.finish(StateEnded, MsgEnded, calllog.StatusEnded, 0)
	return nil
}

func (m *Machine) handleDevice(ev device.Event) {
	switch ev.Type {
	case device.EventReady:
		m.deviceReady()
	case device.EventDeviceError:
		m.deviceError(ev)
	case device.EventTokenExpiringSoon:
		m.log.Debug("voice token expiring, refreshing")
	case device.EventCall:
		m.handleCall(ev.Call)
	}
}

func (m *Machine) startDevice() {
	if m.loading || m.ready {
		return
	}
	m.loading = true
	m.deviceStatus, m.deviceErr = "", ""
	if m.s.state == StateIdle {
		m.s.status = MsgSettingUp
	}
	ctx := m.ctx
	go func() {
		err := m.deps.Device.Initialize(ctx)
		m.post(func() { m.onInitDone(err) })
	}()
}

func (m *Machine) onInitDone(err error) {
	m.loading = false
	switch {
	case err == nil:
		m.deviceReady()
	case errors.Is(err, device.ErrInitInFlight):
		m.publish()
	default:
		m.setupFailed(err)
	}
}

func (m *Machine) deviceReady() {
	m.loading = false
	m.ready = true
	m.deviceStatus, m.deviceErr = "", ""
	if m.s.state == StateIdle {
		m.s.status = MsgReady
		m.s.errText = ""
	}
	m.publish()
}

func (m *Machine) setupFailed(err error) {
	m.loading = false
	m.ready = false
	m.deviceStatus = MsgSetupFailed
	m.deviceErr = "Failed to set up device: " + Describe(err, "unknown error")
	if m.s.state == StateIdle {
		m.s.status = m.deviceStatus
		m.s.errText = m.deviceErr
	}
	m.publish()
}

func (m *Machine) deviceError(ev device.Event) {
	if ev.Setup {
		m.setupFailed(ev.Err)
		return
	}
	m.metrics.ProviderError(codeLabel(ev.Err))

	text := "Device Error: " + Describe(ev.Err, "unknown error")
	if errors.Is(ev.Err, device.ErrRefreshFailed) {
		text = MsgRefreshFailed
	}
	if ev.Fatal {
		m.ready = false
	}
	m.deviceStatus, m.deviceErr = MsgDeviceError, text
	m.log.Warn("device error", "error", ev.Err, "fatal", ev.Fatal)

	// An active call keeps going; only the message changes.
	m.s.errText = text
	if m.s.state == StateIdle || ev.Fatal && !m.s.state.Active() {
		m.s.status = MsgDeviceError
	}
	m.publish()
}

func (m *Machine) handleCall(pe provider.Event) {
	if pe.Type == provider.EventIncoming {
		m.incoming(pe.Conn)
		return
	}
	if pe.Conn == nil {
		return
	}
	switch {
	case m.s.conn == nil && m.connecting && m.s.state.Active():
		// The event beat the Connect completion.
		m.s.conn = pe.Conn
	case m.s.conn == nil || m.s.conn.ID() != pe.Conn.ID():
		m.log.Debug("ignoring event for another connection", "event", string(pe.Type))
		return
	}

	var err error
	if pe.Err != nil {
		err = pe.Err
	}
	if m.s.state.Active() {
		m.activeEvent(pe.Type, err)
		return
	}
	m.lateEvent(pe.Type, err)
}

func (m *Machine) incoming(conn provider.Connection) {
	if conn == nil {
		return
	}
	if m.s.state != StateIdle || m.busy() {
		m.log.Info("rejecting incoming call while busy", "state", string(m.s.state))
		m.deps.Device.Release(conn)
		return
	}
	m.beginCall("")
	m.s.conn = conn
	m.s.incoming = true
	m.log.Info("incoming call", "conn_id", conn.ID())
	m.setState(StateDialing, MsgDialing)
}

func (m *Machine) activeEvent(t provider.EventType, err error) {
	switch t {
	case provider.EventRinging:
		// Incoming calls stay in dialing until accepted.
		if m.s.state == StateInCall || m.s.incoming {
			return
		}
		if !m.s.rang {
			m.s.rang = true
			m.report(calllog.StatusRinging, m.elapsed())
		}
		m.setState(StateRinging, MsgRinging)

	case provider.EventAccept:
		if m.s.state == StateInCall {
			return
		}
		m.s.answered = true
		m.report(calllog.StatusInCall, m.elapsed())
		m.setState(StateInCall, MsgInCall)

	case provider.EventDisconnect:
		m.finish(StateEnded, MsgEnded, m.disconnectStatus(), 0)

	case provider.EventCancel:
		status := calllog.StatusCancelled
		if m.s.answered {
			status = calllog.StatusEnded
		}
		m.finish(StateEnded, MsgEnded, status, 0)

	case provider.EventCallError:
		code := ErrorCode(err)
		m.metrics.ProviderError(codeLabel(err))
		m.log.Warn("call error", "error", err, "code", code)
		m.s.errText = "Call Error: " + Describe(err, "Call Error")
		m.finish(StateError, MsgFailed, calllog.StatusFailed, code)
	}
}

// lateEvent handles connection events after the call already ended. They
// are never logged again.
func (m *Machine) lateEvent(t provider.EventType, err error) {
	switch t {
	case provider.EventCallError:
		m.metrics.ProviderError(codeLabel(err))
		m.s.errText = "Call Error: " + Describe(err, "Call Error")
		m.scheduleCleanup()
		if m.s.state == StateEnded {
			m.setState(StateError, MsgFailed)
			return
		}
		m.publish()
	case provider.EventDisconnect, provider.EventCancel:
		m.scheduleCleanup()
		m.publish()
	}
}

// disconnectStatus is the terminal status for a disconnect: answered calls
// ended, unanswered calls were cancelled if the user hung up and went
// unanswered otherwise.
func (m *Machine) disconnectStatus() calllog.Status {
	switch {
	case m.s.answered:
		return calllog.StatusEnded
	case m.s.hangupRequested:
		return calllog.StatusCancelled
	default:
		return calllog.StatusNoAnswer
	}
}

// finish is the terminal transition.
func (m *Machine) finish(next CallState, msg string, status calllog.Status, code int) {
	if m.s.terminalSent {
		return
	}
	m.s.terminalSent = true
	m.stopTicker()
	m.s.duration = m.elapsed()
	m.report(status, m.s.duration)
	m.metrics.SetActive(false)
	m.metrics.ObserveCallDuration(m.s.duration)
	m.scheduleCleanup()
	m.transition(next, msg, StateChange{
		CallStatus:      string(status),
		DurationSeconds: m.s.duration,
		ErrorCode:       code,
	})
}

func (m *Machine) report(status calllog.Status, duration int) {
	if m.rec == nil || m.deps.Reporter == nil {
		return
	}
	m.lane.submit(reportJob{gen: m.gen, rec: m.rec, status: status, duration: duration})
}

func (m *Machine) onReported(d reportDone) {
	if d.gen != m.gen || m.rec == nil {
		return
	}
	m.s.backendCallID = d.backendCallID
	m.s.terminalLogged = d.terminalLogged
	m.publish()
}

func (m *Machine) elapsed() int {
	if m.s.startedAt.IsZero() {
		return 0
	}
	d := m.clock.Now().Sub(m.s.startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

func (m *Machine) startTicker() {
	m.stopTicker()
	m.armTick(m.tickGen)
}

func (m *Machine) armTick(gen uint64) {
	m.ticker = m.clock.AfterFunc(time.Second, func() {
		m.post(func() { m.onTick(gen) })
	})
}

func (m *Machine) onTick(gen uint64) {
	if gen != m.tickGen || m.ticker == nil {
		return
	}
	m.s.duration = m.elapsed()
	m.armTick(gen)
	m.publish()
}

func (m *Machine) stopTicker() {
	if m.ticker != nil {
		m.ticker.Stop()
		m.ticker = nil
	}
	m.tickGen++
}

func (m *Machine) refreshHistory() {
	if m.deps.History == nil {
		return
	}
	ctx := m.ctx
	go func() {
		records, err := m.deps.History.CallHistory(ctx)
		m.post(func() {
			if err != nil {
				m.log.Warn("failed to refresh call history", "error", err)
				return
			}
			if m.deps.Cache != nil {
				m.deps.Cache.Replace(history.FromServer(records))
			}
			m.refreshes++
			m.publish()
			m.log.Debug("call history refreshed", "entries", len(records))
		})
	}()
}

func (m *Machine) setState(next CallState, msg string) {
	m.transition(next, msg, StateChange{})
}

func (m *Machine) transition(next CallState, msg string, ch StateChange) {
	prev := m.s.state
	m.s.state = next
	m.s.status = msg
	m.publish()
	if prev == next {
		return
	}

	m.metrics.Transition(string(next))
	ch.State = next
	ch.Previous = prev
	ch.Status = msg
	ch.Number = m.s.dialed
	if ch.Number == "" {
		ch.Number = m.s.number
	}
	ch.Error = m.s.errText
	ch.Timestamp = m.clock.Now()

	m.log.Info("call state changed", "from", string(prev), "to", string(next), "status", msg)
	for _, o := range m.observers {
		o(ch)
	}
}

func (m *Machine) publish() {
	snap := Snapshot{
		State:           m.s.state,
		Status:          m.s.status,
		Number:          m.s.number,
		DialedNumber:    m.s.dialed,
		Error:           m.s.errText,
		StartedAt:       m.s.startedAt,
		DurationSeconds: m.s.duration,
		BackendCallID:   m.s.backendCallID,
		TerminalLogged:  m.s.terminalLogged,
		Incoming:        m.s.incoming,
		DeviceReady:     m.ready,
		Busy:            m.busy(),
		CleanupPending:  m.cleanup != nil,

		HistoryRefreshes: m.refreshes,
	}
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

func codeLabel(err error) string {
	if code := ErrorCode(err); code != 0 {
		return fmt.Sprint(code)
	}
	return "unknown"
}
