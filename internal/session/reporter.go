package session

import (
	"context"
	"sync"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/calllog"
)

// Reporter sends call statuses to the backend.
type Reporter interface {
	ReportStatus(ctx context.Context, rec *calllog.Record, status calllog.Status, duration int) calllog.Result
}

type reportJob struct {
	gen      uint64
	rec      *calllog.Record
	status   calllog.Status
	duration int
}

// reportDone carries the record fields the machine mirrors.
type reportDone struct {
	gen            uint64
	status         calllog.Status
	backendCallID  backend.CallID
	terminalLogged bool
	result         calllog.Result
}

// lane runs reports one at a time, in submission order, so an update for a
// call always sees the id returned by its create. It owns every Record
// handed to it. Submitting never blocks.
type lane struct {
	reporter Reporter
	done     func(reportDone)

	mu     sync.Mutex
	jobs   []reportJob
	closed bool
	wake   chan struct{}
	exited chan struct{}
}

func newLane(r Reporter, done func(reportDone)) *lane {
	l := &lane{
		reporter: r,
		done:     done,
		wake:     make(chan struct{}, 1),
		exited:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *lane) submit(j reportJob) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.jobs = append(l.jobs, j)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// close stops accepting jobs and waits for queued ones to finish.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.exited
}

func (l *lane) run() {
	defer close(l.exited)
	for {
		l.mu.Lock()
		if len(l.jobs) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		j := l.jobs[0]
		l.jobs = l.jobs[1:]
		l.mu.Unlock()

		res := l.reporter.ReportStatus(context.Background(), j.rec, j.status, j.duration)
		l.done(reportDone{
			gen:            j.gen,
			status:         j.status,
			backendCallID:  j.rec.BackendCallID,
			terminalLogged: j.rec.TerminalLogged,
			result:         res,
		})
	}
}
