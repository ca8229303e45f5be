package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/sweeney/dialmate/internal/publisher"
	"github.com/sweeney/dialmate/internal/session"
)

// bridge forwards state changes to a publisher off the session goroutine.
type bridge struct {
	pub     publisher.Publisher
	prefix  string
	log     *slog.Logger
	changes chan session.StateChange
}

func newBridge(pub publisher.Publisher, prefix string, log *slog.Logger) *bridge {
	return &bridge{
		pub:     pub,
		prefix:  prefix,
		log:     log.With("component", "bridge"),
		changes: make(chan session.StateChange, 64),
	}
}

// observe never blocks. Changes are dropped when the publisher is backed up.
func (b *bridge) observe(ch session.StateChange) {
	select {
	case b.changes <- ch:
	default:
		b.log.Warn("publish backlog full, dropping state change", "state", string(ch.State))
	}
}

// run publishes until ctx is done, then flushes what is queued.
func (b *bridge) run(ctx context.Context) {
	for {
		select {
		case ch := <-b.changes:
			b.publish(ctx, ch)
		case <-ctx.Done():
			b.flush()
			return
		}
	}
}

func (b *bridge) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ch := <-b.changes:
			b.publish(ctx, ch)
		default:
			return
		}
	}
}

func (b *bridge) publish(ctx context.Context, ch session.StateChange) {
	if err := publisher.PublishChange(ctx, b.pub, b.prefix, ch); err != nil {
		b.log.Warn("publish error", "state", string(ch.State), "error", err)
		return
	}
	b.log.Debug("published state change", "state", string(ch.State))
}
