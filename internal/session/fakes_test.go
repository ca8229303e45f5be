package session_test

import (
	"context"
	"sync"
	"testing"

	"github.com/sweeney/dialmate/internal/calllog"
	"github.com/sweeney/dialmate/internal/device"
	"github.com/sweeney/dialmate/internal/logger"
	"github.com/sweeney/dialmate/internal/provider"
	"github.com/sweeney/dialmate/internal/session"
)

type fakeConn struct {
	id string

	mu          sync.Mutex
	disconnects int
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Accept()    {}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

// blockingDevice holds every Connect until release is closed.
type blockingDevice struct {
	events  chan device.Event
	release chan struct{}
	conn    *fakeConn

	mu       sync.Mutex
	released []provider.Connection
}

func newBlockingDevice() *blockingDevice {
	return &blockingDevice{
		events:  make(chan device.Event, 8),
		release: make(chan struct{}),
		conn:    &fakeConn{id: "CA1"},
	}
}

func (d *blockingDevice) Initialize(context.Context) error { return nil }

func (d *blockingDevice) Events() <-chan device.Event { return d.events }

func (d *blockingDevice) Connect(ctx context.Context, to string) (provider.Connection, error) {
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *blockingDevice) Release(conn provider.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, conn)
}

func (d *blockingDevice) releasedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.released)
}

type statusLog struct {
	mu       sync.Mutex
	statuses []calllog.Status
}

func (s *statusLog) ReportStatus(_ context.Context, rec *calllog.Record, status calllog.Status, _ int) calllog.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return calllog.Result{Outcome: calllog.OutcomeLocalOnly}
}

func (s *statusLog) all() []calllog.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]calllog.Status(nil), s.statuses...)
}

func runMachine(t *testing.T, dev session.Device, rep session.Reporter, clock session.Clock) *session.Machine {
	t.Helper()
	m := session.New(session.DefaultConfig(), session.Deps{Device: dev, Reporter: rep},
		session.WithClock(clock), session.WithLogger(logger.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	eventually(t, func() bool { return m.Snapshot().DeviceReady }, "device never became ready")
	return m
}
